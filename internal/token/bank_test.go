package token

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"p2pramp/internal/ledger"
)

var (
	usdc    = common.HexToAddress("0x00000000000000000000000000000000000005dc")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	escrow  = common.HexToAddress("0x000000000000000000000000000000000000e5c0")
	someone = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestBankTransferFromConsumesAllowance(t *testing.T) {
	bank := NewBank()
	bank.Mint(usdc, alice, big.NewInt(100))
	bank.Approve(usdc, alice, escrow, big.NewInt(60))

	tok, err := bank.Token(usdc)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, tok.TransferFrom(ctx, escrow, alice, escrow, big.NewInt(40)))
	require.ErrorIs(t, tok.TransferFrom(ctx, escrow, alice, escrow, big.NewInt(40)), ErrInsufficientAllowance)

	bal, err := tok.BalanceOf(ctx, escrow)
	require.NoError(t, err)
	require.Equal(t, int64(40), bal.Int64())
	require.Equal(t, int64(60), bank.Balance(usdc, alice).Int64())
}

func TestBankTransferChecksBalanceAndBlockedReceivers(t *testing.T) {
	bank := NewBank()
	bank.Mint(usdc, escrow, big.NewInt(10))
	tok, err := bank.Token(usdc)
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, tok.Transfer(ctx, escrow, someone, big.NewInt(11)), ErrInsufficientBalance)

	bank.Block(someone)
	require.ErrorIs(t, tok.Transfer(ctx, escrow, someone, big.NewInt(1)), ErrTransferRejected)
	require.Equal(t, int64(10), bank.Balance(usdc, escrow).Int64())
}

func TestBankUnknownToken(t *testing.T) {
	_, err := NewBank().Token(usdc)
	require.ErrorIs(t, err, ErrUnknownToken)
}

func TestBankMovesRevertWithLedgerTransaction(t *testing.T) {
	bank := NewBank()
	bank.Mint(usdc, alice, big.NewInt(100))
	bank.Approve(usdc, alice, escrow, big.NewInt(100))
	bank.Block(someone)
	tok, err := bank.Token(usdc)
	require.NoError(t, err)

	store := ledger.NewMemoryStore()
	err = store.Update(context.Background(), func(ctx context.Context, _ ledger.Tx) error {
		require.NoError(t, tok.TransferFrom(ctx, escrow, alice, escrow, big.NewInt(70)))
		require.NoError(t, tok.Transfer(ctx, escrow, alice, big.NewInt(20)))
		return tok.Transfer(ctx, escrow, someone, big.NewInt(50))
	})
	require.ErrorIs(t, err, ErrTransferRejected)

	require.Equal(t, int64(100), bank.Balance(usdc, alice).Int64())
	require.Zero(t, bank.Balance(usdc, escrow).Sign())
	// The allowance consumed by the rolled back pull is restored.
	require.NoError(t, tok.TransferFrom(context.Background(), escrow, alice, escrow, big.NewInt(100)))

	require.NoError(t, store.Update(context.Background(), func(ctx context.Context, _ ledger.Tx) error {
		return tok.Transfer(ctx, escrow, alice, big.NewInt(30))
	}))
	require.Equal(t, int64(70), bank.Balance(usdc, escrow).Int64())
}
