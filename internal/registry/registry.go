// Package registry holds the whitelists the escrow and orchestrator consult:
// payment methods with their verifiers and currencies, and plain account
// whitelists for relayers.
package registry

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"p2pramp/internal/ledger"
	"p2pramp/internal/verifier"
)

// Whitelist is an account allow-list with an accept-all override.
type Whitelist struct {
	mu        sync.RWMutex
	accounts  map[common.Address]bool
	acceptAll bool
}

func NewWhitelist(accounts ...common.Address) *Whitelist {
	w := &Whitelist{accounts: make(map[common.Address]bool)}
	for _, a := range accounts {
		w.accounts[a] = true
	}
	return w
}

func (w *Whitelist) Add(a common.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accounts[a] = true
}

func (w *Whitelist) Remove(a common.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.accounts, a)
}

func (w *Whitelist) SetAcceptAll(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.acceptAll = v
}

func (w *Whitelist) IsWhitelisted(a common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.acceptAll || w.accounts[a]
}

type paymentMethod struct {
	verifier   verifier.PaymentVerifier
	currencies map[common.Hash]bool
}

// PaymentVerifiers maps payment methods to the verifier that checks their
// proofs and the fiat currencies that verifier understands.
type PaymentVerifiers struct {
	mu        sync.RWMutex
	methods   map[common.Hash]*paymentMethod
	acceptAll bool
}

func NewPaymentVerifiers() *PaymentVerifiers {
	return &PaymentVerifiers{methods: make(map[common.Hash]*paymentMethod)}
}

func (r *PaymentVerifiers) AddPaymentMethod(method common.Hash, v verifier.PaymentVerifier, currencies []common.Hash) error {
	if method == (common.Hash{}) {
		return fmt.Errorf("%w: payment method", ledger.ErrZeroValue)
	}
	if v == nil {
		return fmt.Errorf("%w: verifier", ledger.ErrZeroAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[method]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrDuplicatePaymentMethod, method.Hex())
	}
	pm := &paymentMethod{verifier: v, currencies: make(map[common.Hash]bool)}
	for _, c := range currencies {
		pm.currencies[c] = true
	}
	r.methods[method] = pm
	return nil
}

func (r *PaymentVerifiers) RemovePaymentMethod(method common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.methods, method)
}

func (r *PaymentVerifiers) AddCurrencies(method common.Hash, currencies ...common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.methods[method]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrPaymentMethodNotWhitelisted, method.Hex())
	}
	for _, c := range currencies {
		pm.currencies[c] = true
	}
	return nil
}

func (r *PaymentVerifiers) RemoveCurrency(method, currency common.Hash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pm, ok := r.methods[method]; ok {
		delete(pm.currencies, currency)
	}
}

func (r *PaymentVerifiers) SetAcceptAll(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acceptAll = v
}

// IsWhitelisted reports whether deposits may list method.
func (r *PaymentVerifiers) IsWhitelisted(method common.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.methods[method]
	return ok || r.acceptAll
}

// IsCurrency reports whether the verifier for method supports currency.
func (r *PaymentVerifiers) IsCurrency(method, currency common.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pm, ok := r.methods[method]
	return ok && pm.currencies[currency]
}

func (r *PaymentVerifiers) Verifier(method common.Hash) (verifier.PaymentVerifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pm, ok := r.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: no verifier for %s", ledger.ErrPaymentMethodNotWhitelisted, method.Hex())
	}
	return pm.verifier, nil
}
