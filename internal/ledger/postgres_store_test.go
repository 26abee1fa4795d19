package ledger

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	var id uint64
	var nonce uint64
	err = store.Update(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		if id, err = tx.NextDepositID(ctx); err != nil {
			return err
		}
		d := newTestDeposit(id)
		d.Currencies[PaymentMethodID("venmo")] = map[common.Hash]*big.Int{CurrencyCode("USD"): big.NewInt(1)}
		if err := tx.PutDeposit(ctx, d); err != nil {
			return err
		}
		if nonce, err = tx.NextIntentNonce(ctx); err != nil {
			return err
		}
		return tx.PutIntent(ctx, &Intent{Hash: IntentHash(alice, nonce), Nonce: nonce, Owner: alice, DepositID: id, Amount: big.NewInt(3)})
	})
	require.NoError(t, err)

	err = store.View(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.Deposit(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(1), d.MinConversionRate(PaymentMethodID("venmo"), CurrencyCode("USD")).Int64())

		in, err := tx.Intent(ctx, IntentHash(alice, nonce))
		require.NoError(t, err)
		require.Equal(t, id, in.DepositID)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.DeleteDeposit(ctx, id))
		return errors.New("rollback")
	})
	require.Error(t, err)

	err = store.Update(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Deposit(ctx, id); err != nil {
			return err
		}
		require.NoError(t, tx.DeleteIntent(ctx, IntentHash(alice, nonce)))
		return tx.DeleteDeposit(ctx, id)
	})
	require.NoError(t, err)
}
