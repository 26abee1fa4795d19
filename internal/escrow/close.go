package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/events"
	"p2pramp/internal/ledger"
)

// expiredLocks returns the expired locks of d ordered by signal time and
// their total amount.
func (e *Escrow) expiredLocks(d *ledger.Deposit) ([]common.Hash, *big.Int) {
	now := e.now()
	var hashes []common.Hash
	total := new(big.Int)
	for _, h := range d.IntentHashes() {
		l := d.Intents[h]
		if l.Expired(now) {
			hashes = append(hashes, h)
			total.Add(total, l.Amount)
		}
	}
	return hashes, total
}

// pruneExpired releases every expired lock on d back into its remaining
// liquidity and tells the orchestrator to drop the matching intents. d is
// modified in place; the caller persists it.
func (e *Escrow) pruneExpired(ctx context.Context, tx ledger.Tx, d *ledger.Deposit, prm params) ([]common.Hash, *big.Int, error) {
	hashes, reclaimed := e.expiredLocks(d)
	if len(hashes) == 0 {
		return nil, reclaimed, nil
	}
	for _, h := range hashes {
		l := d.Intents[h]
		d.RemainingDeposits.Add(d.RemainingDeposits, l.Amount)
		d.OutstandingIntentAmount.Sub(d.OutstandingIntentAmount, l.Amount)
		delete(d.Intents, h)
		e.emit(tx, events.FundsUnlocked, map[string]any{
			"depositId":  d.ID,
			"intentHash": h.Hex(),
			"amount":     l.Amount.String(),
			"expired":    true,
		})
	}
	if prm.pruner != nil {
		if err := prm.pruner.PruneIntents(ctx, e.address, hashes); err != nil {
			return nil, nil, fmt.Errorf("prune orchestrator intents: %w", err)
		}
	}
	e.log.Debug("expired intents pruned",
		zap.Uint64("deposit_id", d.ID),
		zap.Int("count", len(hashes)),
		zap.String("reclaimed", reclaimed.String()))
	return hashes, reclaimed, nil
}

// drained reports whether d can no longer back any intent and has nothing
// outstanding.
func drained(d *ledger.Deposit, dustThreshold *big.Int) bool {
	if d.OutstandingIntentAmount.Sign() != 0 {
		return false
	}
	if d.RemainingDeposits.Sign() == 0 {
		return true
	}
	return dustThreshold.Sign() > 0 &&
		d.RemainingDeposits.Cmp(dustThreshold) <= 0 &&
		d.RemainingDeposits.Cmp(d.IntentAmountRange.Min) < 0
}

// settle persists d, or closes it when it is drained. Closing deletes the
// deposit, pays accrued maker fees to the fee recipient and sweeps what is
// left either as dust or back to the depositor.
func (e *Escrow) settle(ctx context.Context, tx ledger.Tx, d *ledger.Deposit, prm params) error {
	if !drained(d, prm.dustThreshold) {
		return tx.PutDeposit(ctx, d)
	}

	if err := tx.DeleteDeposit(ctx, d.ID); err != nil {
		return err
	}
	tok, err := e.token(d.Token)
	if err != nil {
		return err
	}

	fees := new(big.Int).Set(d.AccruedMakerFees)
	residual := new(big.Int).Add(d.RemainingDeposits, d.UnearnedMakerFees())

	if fees.Sign() > 0 {
		e.emit(tx, events.MakerFeesCollected, map[string]any{
			"depositId":    d.ID,
			"amount":       fees.String(),
			"feeRecipient": prm.feeRecipient.Hex(),
		})
	}
	dustTo := d.Depositor
	if residual.Sign() > 0 && residual.Cmp(prm.dustThreshold) <= 0 {
		dustTo = prm.feeRecipient
		e.emit(tx, events.DustCollected, map[string]any{
			"depositId":    d.ID,
			"amount":       residual.String(),
			"feeRecipient": prm.feeRecipient.Hex(),
		})
	}
	e.emit(tx, events.DepositClosed, map[string]any{
		"depositId": d.ID,
		"depositor": d.Depositor.Hex(),
	})

	if fees.Sign() > 0 {
		if err := tok.Transfer(ctx, e.address, prm.feeRecipient, fees); err != nil {
			return fmt.Errorf("collect maker fees on deposit %d: %w", d.ID, err)
		}
	}
	if residual.Sign() > 0 {
		if err := tok.Transfer(ctx, e.address, dustTo, residual); err != nil {
			return fmt.Errorf("sweep residual on deposit %d: %w", d.ID, err)
		}
	}

	e.log.Info("deposit closed",
		zap.Uint64("deposit_id", d.ID),
		zap.String("maker_fees", fees.String()),
		zap.String("residual", residual.String()),
		zap.String("residual_to", dustTo.Hex()))
	return nil
}
