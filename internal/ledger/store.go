package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists deposits and intents. Every state transition runs inside
// Update: writers are serialized, a returned error discards all staged
// changes, and an Update (or View) whose context already carries a
// transaction joins it instead of opening a new one.
type Store interface {
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the read/write surface available inside a transaction. Getters
// return copies; changes only land through the Put/Delete methods.
type Tx interface {
	Deposit(ctx context.Context, id uint64) (*Deposit, error)
	PutDeposit(ctx context.Context, d *Deposit) error
	DeleteDeposit(ctx context.Context, id uint64) error
	DepositIDs(ctx context.Context, depositor common.Address) ([]uint64, error)
	NextDepositID(ctx context.Context) (uint64, error)

	Intent(ctx context.Context, hash common.Hash) (*Intent, error)
	PutIntent(ctx context.Context, in *Intent) error
	DeleteIntent(ctx context.Context, hash common.Hash) error
	IntentHashes(ctx context.Context, owner common.Address) ([]common.Hash, error)
	NextIntentNonce(ctx context.Context) (uint64, error)

	// AfterCommit registers fn to run once the outermost transaction commits.
	// Nothing runs when the transaction is rolled back.
	AfterCommit(fn func())

	// OnRollback registers fn to run if the outermost transaction does not
	// commit. Callbacks run in reverse registration order.
	OnRollback(fn func())
}

type txKey struct{}

type txState struct {
	tx       Tx
	writable bool
}

func withTx(ctx context.Context, tx Tx, writable bool) context.Context {
	return context.WithValue(ctx, txKey{}, txState{tx: tx, writable: writable})
}

func txFrom(ctx context.Context) (txState, bool) {
	st, ok := ctx.Value(txKey{}).(txState)
	return st, ok
}

// OnRollback registers fn on the transaction carried by ctx. It reports
// false when ctx carries no transaction, in which case fn is never run.
func OnRollback(ctx context.Context, fn func()) bool {
	st, ok := txFrom(ctx)
	if !ok {
		return false
	}
	st.tx.OnRollback(fn)
	return true
}

// Seal returns a context whose transaction can still be read and can still
// collect rollback callbacks, but rejects joined Updates with ErrReadOnlyTx.
func Seal(ctx context.Context) context.Context {
	st, ok := txFrom(ctx)
	if !ok {
		return ctx
	}
	return withTx(ctx, st.tx, false)
}

func rollback(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// joinUpdate runs fn inside the transaction carried by ctx, if any.
func joinUpdate(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (bool, error) {
	st, ok := txFrom(ctx)
	if !ok {
		return false, nil
	}
	if !st.writable {
		return true, ErrReadOnlyTx
	}
	return true, fn(ctx, st.tx)
}

func joinView(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (bool, error) {
	st, ok := txFrom(ctx)
	if !ok {
		return false, nil
	}
	return true, fn(ctx, st.tx)
}
