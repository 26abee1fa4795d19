package hook

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

// Execution describes a settled intent whose net payout was delivered to the
// hook's account.
type Execution struct {
	Intent ledger.Intent
	Token  common.Address
	Amount *big.Int
	Data   []byte
}

// Hook routes funds onward after fulfillment. Implementations must not call
// back into signal or lock paths.
type Hook interface {
	Execute(ctx context.Context, exec Execution) error
}

// Registry is the post-intent hook whitelist. Only registered hooks can be
// attached to intents.
type Registry struct {
	mu    sync.RWMutex
	hooks map[common.Address]Hook
}

func NewRegistry() *Registry {
	return &Registry{hooks: make(map[common.Address]Hook)}
}

func (r *Registry) Register(address common.Address, h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[address] = h
}

func (r *Registry) Unregister(address common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hooks, address)
}

func (r *Registry) IsWhitelisted(address common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.hooks[address]
	return ok
}

func (r *Registry) Hook(address common.Address) (Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrHookNotWhitelisted, address.Hex())
	}
	return h, nil
}

// Forwarder sends everything it receives to the 20-byte address carried in
// the intent's hook data, falling back to the intent's To.
type Forwarder struct {
	Account common.Address
	Tokens  token.Provider
}

func (f *Forwarder) Execute(ctx context.Context, exec Execution) error {
	dest := exec.Intent.To
	if len(exec.Data) == common.AddressLength {
		dest = common.BytesToAddress(exec.Data)
	}
	if dest == (common.Address{}) {
		return fmt.Errorf("%w: forward destination", ledger.ErrZeroAddress)
	}
	tok, err := f.Tokens.Token(exec.Token)
	if err != nil {
		return err
	}
	if err := tok.Transfer(ctx, f.Account, dest, exec.Amount); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	return nil
}
