package hook

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

func TestForwarderRoutesToDataAddress(t *testing.T) {
	usdc := common.HexToAddress("0x05dc")
	hookAcct := common.HexToAddress("0x400c")
	dest := common.HexToAddress("0xde57")

	bank := token.NewBank()
	bank.Mint(usdc, hookAcct, big.NewInt(30))

	f := &Forwarder{Account: hookAcct, Tokens: bank}
	err := f.Execute(context.Background(), Execution{
		Intent: ledger.Intent{To: common.HexToAddress("0x70")},
		Token:  usdc,
		Amount: big.NewInt(30),
		Data:   dest.Bytes(),
	})
	require.NoError(t, err)
	require.Equal(t, int64(30), bank.Balance(usdc, dest).Int64())
	require.Zero(t, bank.Balance(usdc, hookAcct).Sign())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	addr := common.HexToAddress("0x400c")
	require.False(t, r.IsWhitelisted(addr))

	r.Register(addr, &Forwarder{})
	require.True(t, r.IsWhitelisted(addr))

	r.Unregister(addr)
	_, err := r.Hook(addr)
	require.ErrorIs(t, err, ledger.ErrHookNotWhitelisted)
}
