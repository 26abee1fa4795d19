package orchestrator

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/access"
	"p2pramp/internal/events"
	"p2pramp/internal/ledger"
)

// CancelIntent releases the intent's lock back to its deposit. Only the
// intent owner may cancel; pausing does not block it.
func (o *Orchestrator) CancelIntent(ctx context.Context, caller common.Address, hash common.Hash) error {
	prm := o.snapshot()
	err := o.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		in, err := tx.Intent(ctx, hash)
		if err != nil {
			return err
		}
		if err := access.Account(caller, in.Owner, "intent owner"); err != nil {
			return err
		}
		if err := tx.DeleteIntent(ctx, hash); err != nil {
			return err
		}
		if err := prm.escrow.UnlockFunds(ctx, o.address, in.DepositID, hash); err != nil {
			return err
		}
		o.emit(tx, events.IntentCancelled, map[string]any{
			"intentHash": hash.Hex(),
			"owner":      caller.Hex(),
			"depositId":  in.DepositID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	o.log.Info("intent cancelled", zap.String("intent_hash", hash.Hex()), zap.String("owner", caller.Hex()))
	return nil
}

// PruneIntents drops intents whose locks the escrow has already reclaimed.
// Zero and unknown hashes are skipped.
func (o *Orchestrator) PruneIntents(ctx context.Context, caller common.Address, hashes []common.Hash) error {
	prm := o.snapshot()
	if err := access.Account(caller, prm.escrow.Address(), "escrow"); err != nil {
		return err
	}
	return o.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		for _, h := range hashes {
			if h == (common.Hash{}) {
				continue
			}
			in, err := tx.Intent(ctx, h)
			if errors.Is(err, ledger.ErrIntentNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := tx.DeleteIntent(ctx, h); err != nil {
				return err
			}
			o.emit(tx, events.IntentPruned, map[string]any{
				"intentHash": h.Hex(),
				"owner":      in.Owner.Hex(),
				"depositId":  in.DepositID,
			})
		}
		return nil
	})
}

func (o *Orchestrator) Intent(ctx context.Context, hash common.Hash) (*ledger.Intent, error) {
	var in *ledger.Intent
	err := o.store.View(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		in, err = tx.Intent(ctx, hash)
		return err
	})
	return in, err
}

// AccountIntents returns the live intents owned by account, oldest first.
func (o *Orchestrator) AccountIntents(ctx context.Context, account common.Address) ([]*ledger.Intent, error) {
	var out []*ledger.Intent
	err := o.store.View(ctx, func(ctx context.Context, tx ledger.Tx) error {
		hashes, err := tx.IntentHashes(ctx, account)
		if err != nil {
			return err
		}
		out = make([]*ledger.Intent, 0, len(hashes))
		for _, h := range hashes {
			in, err := tx.Intent(ctx, h)
			if err != nil {
				return err
			}
			out = append(out, in)
		}
		return nil
	})
	return out, err
}
