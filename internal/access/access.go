// Package access holds the caller capability checks shared by the escrow and
// the orchestrator. Every guarded operation calls exactly one of these at its
// top before touching state.
package access

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"p2pramp/internal/ledger"
)

// Account requires caller to be want (orchestrator-only, escrow-only,
// intent-owner and owner-only entry points).
func Account(caller, want common.Address, role string) error {
	if want == (common.Address{}) || caller != want {
		return fmt.Errorf("%w: %s is not %s", ledger.ErrUnauthorizedCaller, caller.Hex(), role)
	}
	return nil
}

// Depositor allows only the deposit's depositor.
func Depositor(caller common.Address, d *ledger.Deposit) error {
	return Account(caller, d.Depositor, "depositor")
}

// DepositorOrDelegate allows the depositor or its configured delegate.
func DepositorOrDelegate(caller common.Address, d *ledger.Deposit) error {
	if caller == d.Depositor {
		return nil
	}
	if d.Delegate != (common.Address{}) && caller == d.Delegate {
		return nil
	}
	return fmt.Errorf("%w: %s on deposit %d", ledger.ErrUnauthorizedCallerOrDelegate, caller.Hex(), d.ID)
}

// Guardian allows only the deposit's intent guardian. Deposits created
// without a guardian reject everyone.
func Guardian(caller common.Address, d *ledger.Deposit) error {
	if d.IntentGuardian == (common.Address{}) {
		return fmt.Errorf("%w: deposit %d", ledger.ErrGuardianNotSet, d.ID)
	}
	return Account(caller, d.IntentGuardian, "intent guardian")
}
