// Package orchestrator runs the intent lifecycle: admission of new intents
// against escrow liquidity, proof verification and settlement, manual
// release, cancellation and cleanup of pruned intents.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/access"
	"p2pramp/internal/events"
	"p2pramp/internal/hook"
	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
	"p2pramp/internal/verifier"
)

// Escrow is the part of the escrow engine the orchestrator drives.
type Escrow interface {
	Address() common.Address
	Deposit(ctx context.Context, depositID uint64) (*ledger.Deposit, error)
	LockFunds(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash, amount *big.Int) error
	UnlockFunds(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash) error
	UnlockAndTransferFunds(ctx context.Context, caller common.Address, depositID uint64, intent common.Hash, amount *big.Int, to common.Address) error
	RecordReferrerFee(ctx context.Context, caller common.Address, depositID uint64, amount *big.Int) error
	PruneExpiredIntents(ctx context.Context, depositID uint64) ([]common.Hash, *big.Int, error)
}

type PaymentVerifierRegistry interface {
	IsWhitelisted(method common.Hash) bool
	IsCurrency(method, currency common.Hash) bool
	Verifier(method common.Hash) (verifier.PaymentVerifier, error)
}

type HookRegistry interface {
	IsWhitelisted(address common.Address) bool
	Hook(address common.Address) (hook.Hook, error)
}

type RelayerRegistry interface {
	IsWhitelisted(address common.Address) bool
}

type Config struct {
	// Address is the orchestrator's custody account; settled funds pass
	// through it on their way to the taker, the hook and fee recipients.
	Address              common.Address
	Owner                common.Address
	ProtocolFee          *big.Int
	ProtocolFeeRecipient common.Address
	AllowMultipleIntents bool
	// ChainID is bound into gating signatures.
	ChainID *big.Int
	Now     func() time.Time
}

// Registries bundles the whitelists the orchestrator consults.
type Registries struct {
	Verifiers PaymentVerifierRegistry
	Hooks     HookRegistry
	Relayers  RelayerRegistry
}

type params struct {
	owner         common.Address
	escrow        Escrow
	verifiers     PaymentVerifierRegistry
	hooks         HookRegistry
	relayers      RelayerRegistry
	protocolFee   *big.Int
	feeRecipient  common.Address
	allowMultiple bool
	paused        bool
}

type Orchestrator struct {
	address   common.Address
	chainID   *big.Int
	store     ledger.Store
	tokens    token.Provider
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	params params
}

func New(cfg Config, store ledger.Store, escrow Escrow, tokens token.Provider, regs Registries, publisher events.Publisher, log *zap.Logger) (*Orchestrator, error) {
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: orchestrator address and owner are required", ledger.ErrZeroAddress)
	}
	fee := cfg.ProtocolFee
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Sign() < 0 || fee.Cmp(ledger.MaxProtocolFee) > 0 {
		return nil, fmt.Errorf("%w: protocol fee %s", ledger.ErrFeeExceedsMaximum, fee)
	}
	if fee.Sign() > 0 && cfg.ProtocolFeeRecipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: protocol fee recipient", ledger.ErrZeroAddress)
	}
	if escrow == nil || regs.Verifiers == nil || regs.Hooks == nil || regs.Relayers == nil {
		return nil, fmt.Errorf("orchestrator: escrow and registries are required")
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	chainID := cfg.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}

	return &Orchestrator{
		address:   cfg.Address,
		chainID:   new(big.Int).Set(chainID),
		store:     store,
		tokens:    tokens,
		publisher: publisher,
		log:       log,
		now:       now,
		params: params{
			owner:         cfg.Owner,
			escrow:        escrow,
			verifiers:     regs.Verifiers,
			hooks:         regs.Hooks,
			relayers:      regs.Relayers,
			protocolFee:   new(big.Int).Set(fee),
			feeRecipient:  cfg.ProtocolFeeRecipient,
			allowMultiple: cfg.AllowMultipleIntents,
		},
	}, nil
}

func (o *Orchestrator) Address() common.Address { return o.address }

func (o *Orchestrator) snapshot() params {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := o.params
	p.protocolFee = new(big.Int).Set(o.params.protocolFee)
	return p
}

func (p params) whenNotPaused() error {
	if p.paused {
		return fmt.Errorf("%w: orchestrator", ledger.ErrPaused)
	}
	return nil
}

type Params struct {
	Owner                common.Address
	Escrow               common.Address
	ProtocolFee          *big.Int
	ProtocolFeeRecipient common.Address
	AllowMultipleIntents bool
	Paused               bool
}

func (o *Orchestrator) Params() Params {
	p := o.snapshot()
	return Params{
		Owner:                p.owner,
		Escrow:               p.escrow.Address(),
		ProtocolFee:          p.protocolFee,
		ProtocolFeeRecipient: p.feeRecipient,
		AllowMultipleIntents: p.allowMultiple,
		Paused:               p.paused,
	}
}

func (o *Orchestrator) emit(tx ledger.Tx, typ string, payload map[string]any) {
	ev := events.Event{Type: typ, Payload: payload, OccurredAt: o.now().UTC()}
	tx.AfterCommit(func() {
		if err := o.publisher.Publish(context.Background(), ev); err != nil {
			o.log.Warn("publish event failed", zap.String("event", typ), zap.Error(err))
		}
	})
}

func (o *Orchestrator) govern(caller common.Address, param string, value any, fn func(p *params) error) error {
	o.mu.Lock()
	if err := access.Account(caller, o.params.owner, "orchestrator owner"); err != nil {
		o.mu.Unlock()
		return err
	}
	if err := fn(&o.params); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.log.Info("orchestrator parameter updated", zap.String("param", param), zap.Any("value", value))
	ev := events.Event{
		Type:       events.OrchestratorParamsUpdated,
		Payload:    map[string]any{"param": param, "value": fmt.Sprint(value)},
		OccurredAt: o.now().UTC(),
	}
	if err := o.publisher.Publish(context.Background(), ev); err != nil {
		o.log.Warn("publish event failed", zap.String("event", ev.Type), zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) SetEscrow(caller common.Address, escrow Escrow) error {
	if escrow == nil || escrow.Address() == (common.Address{}) {
		return fmt.Errorf("%w: escrow", ledger.ErrZeroAddress)
	}
	return o.govern(caller, "escrow", escrow.Address().Hex(), func(p *params) error {
		p.escrow = escrow
		return nil
	})
}

func (o *Orchestrator) SetPaymentVerifierRegistry(caller common.Address, r PaymentVerifierRegistry) error {
	if r == nil {
		return fmt.Errorf("%w: payment verifier registry", ledger.ErrZeroAddress)
	}
	return o.govern(caller, "paymentVerifierRegistry", "updated", func(p *params) error {
		p.verifiers = r
		return nil
	})
}

func (o *Orchestrator) SetPostIntentHookRegistry(caller common.Address, r HookRegistry) error {
	if r == nil {
		return fmt.Errorf("%w: post intent hook registry", ledger.ErrZeroAddress)
	}
	return o.govern(caller, "postIntentHookRegistry", "updated", func(p *params) error {
		p.hooks = r
		return nil
	})
}

func (o *Orchestrator) SetRelayerRegistry(caller common.Address, r RelayerRegistry) error {
	if r == nil {
		return fmt.Errorf("%w: relayer registry", ledger.ErrZeroAddress)
	}
	return o.govern(caller, "relayerRegistry", "updated", func(p *params) error {
		p.relayers = r
		return nil
	})
}

func (o *Orchestrator) SetProtocolFee(caller common.Address, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 || fee.Cmp(ledger.MaxProtocolFee) > 0 {
		return fmt.Errorf("%w: protocol fee %v", ledger.ErrFeeExceedsMaximum, fee)
	}
	return o.govern(caller, "protocolFee", fee.String(), func(p *params) error {
		if fee.Sign() > 0 && p.feeRecipient == (common.Address{}) {
			return fmt.Errorf("%w: protocol fee recipient", ledger.ErrZeroAddress)
		}
		p.protocolFee = new(big.Int).Set(fee)
		return nil
	})
}

func (o *Orchestrator) SetProtocolFeeRecipient(caller, recipient common.Address) error {
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: protocol fee recipient", ledger.ErrZeroAddress)
	}
	return o.govern(caller, "protocolFeeRecipient", recipient.Hex(), func(p *params) error {
		p.feeRecipient = recipient
		return nil
	})
}

func (o *Orchestrator) SetAllowMultipleIntents(caller common.Address, allow bool) error {
	return o.govern(caller, "allowMultipleIntents", allow, func(p *params) error {
		p.allowMultiple = allow
		return nil
	})
}

func (o *Orchestrator) Pause(caller common.Address) error {
	return o.govern(caller, "paused", true, func(p *params) error {
		p.paused = true
		return nil
	})
}

func (o *Orchestrator) Unpause(caller common.Address) error {
	return o.govern(caller, "paused", false, func(p *params) error {
		p.paused = false
		return nil
	})
}
