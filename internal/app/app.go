// Package app assembles the escrow and orchestrator engines and their
// registries from the loaded configuration.
package app

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/config"
	"p2pramp/internal/escrow"
	"p2pramp/internal/events"
	"p2pramp/internal/hook"
	"p2pramp/internal/ledger"
	"p2pramp/internal/orchestrator"
	"p2pramp/internal/registry"
	"p2pramp/internal/token"
	"p2pramp/internal/verifier"
)

// App holds the wired engines. The registries are exposed so operators and
// tests can adjust whitelists at runtime.
type App struct {
	Escrow       *escrow.Escrow
	Orchestrator *orchestrator.Orchestrator
	Verifiers    *registry.PaymentVerifiers
	Hooks        *hook.Registry
	Relayers     *registry.Whitelist
}

// Build wires both engines over a shared ledger store and token provider and
// links the escrow to its orchestrator.
func Build(cfg *config.AppConfig, store ledger.Store, tokens token.Provider, publisher events.Publisher, log *zap.Logger) (*App, error) {
	p := cfg.Params

	verifiers, err := paymentVerifiers(cfg.Protocol.PaymentMethods)
	if err != nil {
		return nil, err
	}

	hooks := hook.NewRegistry()
	if p.ForwarderHook != (common.Address{}) {
		hooks.Register(p.ForwarderHook, &hook.Forwarder{Account: p.ForwarderHook, Tokens: tokens})
	}
	relayers := registry.NewWhitelist(p.Relayers...)

	esc, err := escrow.New(escrow.Config{
		Address:                p.Escrow,
		Owner:                  p.Owner,
		FeeRecipient:           p.FeeRecipient,
		MakerProtocolFee:       p.MakerProtocolFee,
		DustThreshold:          p.DustThreshold,
		IntentExpirationPeriod: p.IntentExpirationPeriod,
		MaxIntentsPerDeposit:   p.MaxIntentsPerDeposit,
	}, store, tokens, verifiers, publisher, log.Named("escrow"))
	if err != nil {
		return nil, fmt.Errorf("escrow: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Address:              p.Orchestrator,
		Owner:                p.Owner,
		ProtocolFee:          p.ProtocolFee,
		ProtocolFeeRecipient: p.ProtocolFeeRecipient,
		AllowMultipleIntents: cfg.Protocol.Orchestrator.AllowMultipleIntents,
		ChainID:              p.ChainID,
	}, store, esc, tokens, orchestrator.Registries{
		Verifiers: verifiers,
		Hooks:     hooks,
		Relayers:  relayers,
	}, publisher, log.Named("orchestrator"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	if err := esc.SetOrchestrator(p.Owner, p.Orchestrator, orch); err != nil {
		return nil, fmt.Errorf("link escrow: %w", err)
	}

	log.Info("engines ready",
		zap.String("escrow", p.Escrow.Hex()),
		zap.String("orchestrator", p.Orchestrator.Hex()),
		zap.Int("payment_methods", len(cfg.Protocol.PaymentMethods)),
		zap.Int("relayers", len(p.Relayers)))

	return &App{
		Escrow:       esc,
		Orchestrator: orch,
		Verifiers:    verifiers,
		Hooks:        hooks,
		Relayers:     relayers,
	}, nil
}

func paymentVerifiers(methods []config.PaymentMethodConfig) (*registry.PaymentVerifiers, error) {
	out := registry.NewPaymentVerifiers()
	for _, m := range methods {
		v, err := verifierFor(m.Verifier)
		if err != nil {
			return nil, fmt.Errorf("payment method %s: %w", m.Name, err)
		}
		codes := make([]common.Hash, 0, len(m.Currencies))
		for _, c := range m.Currencies {
			codes = append(codes, ledger.CurrencyCode(c))
		}
		if err := out.AddPaymentMethod(ledger.PaymentMethodID(m.Name), v, codes); err != nil {
			return nil, fmt.Errorf("payment method %s: %w", m.Name, err)
		}
	}
	return out, nil
}

func verifierFor(kind string) (verifier.PaymentVerifier, error) {
	switch kind {
	case "", "fake":
		return verifier.Fake{}, nil
	default:
		return nil, fmt.Errorf("unknown verifier %q", kind)
	}
}

// NewDevBank returns an in-memory token bank holding the deployment token,
// with every devBank account funded and its escrow allowance set.
func NewDevBank(p config.Params) (*token.Bank, error) {
	bank := token.NewBank()
	if p.Token == (common.Address{}) {
		if len(p.DevAccounts) > 0 {
			return nil, fmt.Errorf("devBank accounts need contracts.Token")
		}
		return bank, nil
	}
	bank.Register(p.Token)
	for _, a := range p.DevAccounts {
		if a.Balance.Sign() > 0 {
			bank.Mint(p.Token, a.Address, a.Balance)
		}
		if a.Allowance.Sign() > 0 {
			bank.Approve(p.Token, a.Address, p.Escrow, a.Allowance)
		}
	}
	return bank, nil
}
