package access

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"p2pramp/internal/ledger"
)

func TestDepositCapabilities(t *testing.T) {
	depositor := common.HexToAddress("0x01")
	delegate := common.HexToAddress("0x02")
	guardian := common.HexToAddress("0x03")
	stranger := common.HexToAddress("0x04")

	d := &ledger.Deposit{ID: 9, Depositor: depositor, Delegate: delegate, IntentGuardian: guardian}

	require.NoError(t, Depositor(depositor, d))
	require.ErrorIs(t, Depositor(delegate, d), ledger.ErrUnauthorizedCaller)

	require.NoError(t, DepositorOrDelegate(depositor, d))
	require.NoError(t, DepositorOrDelegate(delegate, d))
	require.ErrorIs(t, DepositorOrDelegate(stranger, d), ledger.ErrUnauthorizedCallerOrDelegate)

	require.NoError(t, Guardian(guardian, d))
	require.ErrorIs(t, Guardian(depositor, d), ledger.ErrUnauthorizedCaller)

	d.IntentGuardian = common.Address{}
	require.ErrorIs(t, Guardian(guardian, d), ledger.ErrGuardianNotSet)
}

func TestAccountRejectsZeroAddress(t *testing.T) {
	require.ErrorIs(t, Account(common.Address{}, common.Address{}, "orchestrator"), ledger.ErrUnauthorizedCaller)
	require.NoError(t, Account(common.HexToAddress("0x05"), common.HexToAddress("0x05"), "orchestrator"))
}

func TestDelegateUnsetDoesNotMatchZeroCaller(t *testing.T) {
	d := &ledger.Deposit{Depositor: common.HexToAddress("0x01")}
	require.ErrorIs(t, DepositorOrDelegate(common.Address{}, d), ledger.ErrUnauthorizedCallerOrDelegate)
}
