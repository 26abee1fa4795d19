package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/access"
	"p2pramp/internal/events"
	"p2pramp/internal/ledger"
)

func (e *Escrow) orchestratorOnly(caller common.Address) (params, error) {
	prm := e.snapshot()
	if err := access.Account(caller, prm.orchestrator, "orchestrator"); err != nil {
		return prm, err
	}
	return prm, nil
}

// LockFunds moves amount of the deposit's liquidity under a lock for intent.
func (e *Escrow) LockFunds(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash, amount *big.Int) error {
	prm, err := e.orchestratorOnly(caller)
	if err != nil {
		return err
	}
	if err := prm.whenNotPaused(); err != nil {
		return err
	}
	if !positive(amount) {
		return fmt.Errorf("%w: lock amount", ledger.ErrZeroValue)
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if !d.AcceptingIntents {
			return fmt.Errorf("%w: deposit %d", ledger.ErrDepositNotAcceptingIntents, depositID)
		}
		if err := d.IntentAmountRange.Check(amount); err != nil {
			return err
		}
		if _, _, err := e.pruneExpired(ctx, tx, d, prm); err != nil {
			return err
		}
		if _, ok := d.Intents[intent]; ok {
			return fmt.Errorf("%w: %s", ledger.ErrIntentAlreadyExists, intent.Hex())
		}
		if len(d.Intents) >= prm.maxIntents {
			return fmt.Errorf("%w: deposit %d has %d", ledger.ErrMaxIntentsExceeded, depositID, len(d.Intents))
		}
		if amount.Cmp(d.RemainingDeposits) > 0 {
			return fmt.Errorf("%w: deposit %d has %s, asked %s", ledger.ErrInsufficientDepositLiquidity,
				depositID, d.RemainingDeposits, amount)
		}

		now := e.now()
		d.RemainingDeposits.Sub(d.RemainingDeposits, amount)
		d.OutstandingIntentAmount.Add(d.OutstandingIntentAmount, amount)
		d.Intents[intent] = &ledger.Lock{
			IntentHash: intent,
			Amount:     new(big.Int).Set(amount),
			Timestamp:  now,
			ExpiryTime: now.Add(prm.expiration),
		}
		if err := tx.PutDeposit(ctx, d); err != nil {
			return err
		}
		e.emit(tx, events.FundsLocked, map[string]any{
			"depositId":  depositID,
			"intentHash": intent.Hex(),
			"amount":     amount.String(),
			"expiryTime": now.Add(prm.expiration).Unix(),
		})
		return nil
	})
}

// UnlockFunds is the exact inverse of LockFunds. It stays available while
// paused so that takers can always cancel.
func (e *Escrow) UnlockFunds(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash) error {
	prm, err := e.orchestratorOnly(caller)
	if err != nil {
		return err
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		l, ok := d.Intents[intent]
		if !ok {
			return fmt.Errorf("%w: %s on deposit %d", ledger.ErrIntentNotFound, intent.Hex(), depositID)
		}
		d.RemainingDeposits.Add(d.RemainingDeposits, l.Amount)
		d.OutstandingIntentAmount.Sub(d.OutstandingIntentAmount, l.Amount)
		delete(d.Intents, intent)
		e.emit(tx, events.FundsUnlocked, map[string]any{
			"depositId":  depositID,
			"intentHash": intent.Hex(),
			"amount":     l.Amount.String(),
			"expired":    false,
		})
		return e.settle(ctx, tx, d, prm)
	})
}

// UnlockAndTransferFunds settles a lock: amount leaves custody to to, the
// unused part of the lock returns to the deposit and the maker fee on amount
// is accrued.
func (e *Escrow) UnlockAndTransferFunds(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash, amount *big.Int, to common.Address) error {
	prm, err := e.orchestratorOnly(caller)
	if err != nil {
		return err
	}
	if err := prm.whenNotPaused(); err != nil {
		return err
	}
	if !positive(amount) {
		return fmt.Errorf("%w: transfer amount", ledger.ErrZeroValue)
	}
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer recipient", ledger.ErrZeroAddress)
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		l, ok := d.Intents[intent]
		if !ok {
			return fmt.Errorf("%w: %s on deposit %d", ledger.ErrIntentNotFound, intent.Hex(), depositID)
		}
		if amount.Cmp(l.Amount) > 0 {
			return fmt.Errorf("%w: transfer %s exceeds lock %s", ledger.ErrAmountExceedsAvailable, amount, l.Amount)
		}
		tok, err := e.token(d.Token)
		if err != nil {
			return err
		}

		unused := new(big.Int).Sub(l.Amount, amount)
		d.RemainingDeposits.Add(d.RemainingDeposits, unused)
		d.OutstandingIntentAmount.Sub(d.OutstandingIntentAmount, l.Amount)
		fee := ledger.MulPrecise(amount, d.MakerProtocolFee)
		if unearned := d.UnearnedMakerFees(); fee.Cmp(unearned) > 0 {
			fee = unearned
		}
		d.AccruedMakerFees.Add(d.AccruedMakerFees, fee)
		delete(d.Intents, intent)

		e.emit(tx, events.FundsUnlockedAndTransfered, map[string]any{
			"depositId":  depositID,
			"intentHash": intent.Hex(),
			"amount":     amount.String(),
			"unused":     unused.String(),
			"makerFee":   fee.String(),
			"to":         to.Hex(),
		})
		if err := e.settle(ctx, tx, d, prm); err != nil {
			return err
		}
		return tok.Transfer(ctx, e.address, to, amount)
	})
}

// RecordReferrerFee adds a referrer payout made by the orchestrator to the
// deposit's running total.
func (e *Escrow) RecordReferrerFee(ctx context.Context, caller common.Address, depositID uint64, amount *big.Int) error {
	if _, err := e.orchestratorOnly(caller); err != nil {
		return err
	}
	if !positive(amount) {
		return nil
	}
	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		d.AccruedReferrerFees.Add(d.AccruedReferrerFees, amount)
		return tx.PutDeposit(ctx, d)
	})
}

// PruneExpiredIntents reclaims every expired lock on the deposit. Anyone may
// call it.
func (e *Escrow) PruneExpiredIntents(ctx context.Context, depositID uint64) ([]common.Hash, *big.Int, error) {
	prm := e.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return nil, nil, err
	}

	var (
		hashes    []common.Hash
		reclaimed *big.Int
	)
	err := e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if hashes, reclaimed, err = e.pruneExpired(ctx, tx, d, prm); err != nil {
			return err
		}
		if len(hashes) == 0 {
			return nil
		}
		return e.settle(ctx, tx, d, prm)
	})
	if err != nil {
		return nil, nil, err
	}
	return hashes, reclaimed, nil
}

// GetExpiredIntents reports what PruneExpiredIntents would reclaim without
// changing state.
func (e *Escrow) GetExpiredIntents(ctx context.Context, depositID uint64) ([]common.Hash, *big.Int, error) {
	var (
		hashes    []common.Hash
		reclaimed *big.Int
	)
	err := e.store.View(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		hashes, reclaimed = e.expiredLocks(d)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return hashes, reclaimed, nil
}

// ExtendIntentExpiry pushes a lock's expiry out by additional. Only the
// deposit's intent guardian may do this.
func (e *Escrow) ExtendIntentExpiry(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash, additional time.Duration) error {
	if err := e.snapshot().whenNotPaused(); err != nil {
		return err
	}
	if additional <= 0 {
		return fmt.Errorf("%w: additional time", ledger.ErrZeroValue)
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := access.Guardian(caller, d); err != nil {
			return err
		}
		l, ok := d.Intents[intent]
		if !ok {
			return fmt.Errorf("%w: %s on deposit %d", ledger.ErrIntentNotFound, intent.Hex(), depositID)
		}
		l.ExpiryTime = l.ExpiryTime.Add(additional)
		if err := tx.PutDeposit(ctx, d); err != nil {
			return err
		}
		e.emit(tx, events.IntentExpiryExtended, map[string]any{
			"depositId":     depositID,
			"intentHash":    intent.Hex(),
			"newExpiryTime": l.ExpiryTime.Unix(),
		})
		e.log.Info("intent expiry extended",
			zap.Uint64("deposit_id", depositID),
			zap.String("intent_hash", intent.Hex()),
			zap.Duration("additional", additional))
		return nil
	})
}
