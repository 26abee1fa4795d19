package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"p2pramp/internal/ledger"
)

func (e *Escrow) Deposit(ctx context.Context, depositID uint64) (*ledger.Deposit, error) {
	var d *ledger.Deposit
	err := e.store.View(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		d, err = tx.Deposit(ctx, depositID)
		return err
	})
	return d, err
}

// DepositsOf returns the live deposits of depositor ordered by id.
func (e *Escrow) DepositsOf(ctx context.Context, depositor common.Address) ([]*ledger.Deposit, error) {
	var out []*ledger.Deposit
	err := e.store.View(ctx, func(ctx context.Context, tx ledger.Tx) error {
		ids, err := tx.DepositIDs(ctx, depositor)
		if err != nil {
			return err
		}
		out = make([]*ledger.Deposit, 0, len(ids))
		for _, id := range ids {
			d, err := tx.Deposit(ctx, id)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}

func (e *Escrow) DepositIntentHashes(ctx context.Context, depositID uint64) ([]common.Hash, error) {
	d, err := e.Deposit(ctx, depositID)
	if err != nil {
		return nil, err
	}
	return d.IntentHashes(), nil
}
