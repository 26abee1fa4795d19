// Package escrow holds depositor liquidity and the per-intent locks placed
// against it. Fund-moving entry points for intents are reserved for the
// orchestrator; depositor entry points are open to depositors and delegates.
package escrow

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
	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

// PaymentMethodRegistry is the escrow's view of the payment verifier registry.
type PaymentMethodRegistry interface {
	IsWhitelisted(method common.Hash) bool
	IsCurrency(method, currency common.Hash) bool
}

// IntentPruner is notified when the escrow prunes expired intents so it can
// drop its own records.
type IntentPruner interface {
	PruneIntents(ctx context.Context, caller common.Address, hashes []common.Hash) error
}

type Config struct {
	// Address is the escrow's custody account.
	Address                common.Address
	Owner                  common.Address
	FeeRecipient           common.Address
	MakerProtocolFee       *big.Int
	DustThreshold          *big.Int
	IntentExpirationPeriod time.Duration
	MaxIntentsPerDeposit   int
	Now                    func() time.Time
}

type params struct {
	owner         common.Address
	orchestrator  common.Address
	pruner        IntentPruner
	verifiers     PaymentMethodRegistry
	feeRecipient  common.Address
	makerFee      *big.Int
	dustThreshold *big.Int
	expiration    time.Duration
	maxIntents    int
	paused        bool
}

type Escrow struct {
	address   common.Address
	store     ledger.Store
	tokens    token.Provider
	publisher events.Publisher
	log       *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	params params
}

func New(cfg Config, store ledger.Store, tokens token.Provider, verifiers PaymentMethodRegistry, publisher events.Publisher, log *zap.Logger) (*Escrow, error) {
	if cfg.Address == (common.Address{}) || cfg.Owner == (common.Address{}) {
		return nil, fmt.Errorf("%w: escrow address and owner are required", ledger.ErrZeroAddress)
	}
	if cfg.FeeRecipient == (common.Address{}) {
		return nil, fmt.Errorf("%w: fee recipient", ledger.ErrZeroAddress)
	}
	makerFee := cfg.MakerProtocolFee
	if makerFee == nil {
		makerFee = new(big.Int)
	}
	if makerFee.Cmp(ledger.MaxMakerFee) > 0 {
		return nil, fmt.Errorf("%w: maker fee %s", ledger.ErrFeeExceedsMaximum, makerFee)
	}
	dust := cfg.DustThreshold
	if dust == nil {
		dust = new(big.Int)
	}
	if dust.Cmp(ledger.MaxDustThreshold) > 0 {
		return nil, fmt.Errorf("%w: dust threshold %s", ledger.ErrThresholdExceedsMaximum, dust)
	}
	if cfg.IntentExpirationPeriod <= 0 || cfg.MaxIntentsPerDeposit <= 0 {
		return nil, fmt.Errorf("%w: expiration period and max intents must be positive", ledger.ErrZeroValue)
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Escrow{
		address:   cfg.Address,
		store:     store,
		tokens:    tokens,
		publisher: publisher,
		log:       log,
		now:       now,
		params: params{
			owner:         cfg.Owner,
			verifiers:     verifiers,
			feeRecipient:  cfg.FeeRecipient,
			makerFee:      new(big.Int).Set(makerFee),
			dustThreshold: new(big.Int).Set(dust),
			expiration:    cfg.IntentExpirationPeriod,
			maxIntents:    cfg.MaxIntentsPerDeposit,
		},
	}, nil
}

func (e *Escrow) Address() common.Address { return e.address }

func (e *Escrow) snapshot() params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p := e.params
	p.makerFee = new(big.Int).Set(e.params.makerFee)
	p.dustThreshold = new(big.Int).Set(e.params.dustThreshold)
	return p
}

func (p params) whenNotPaused() error {
	if p.paused {
		return fmt.Errorf("%w: escrow", ledger.ErrPaused)
	}
	return nil
}

// Params is a read-only view of the governance parameters.
type Params struct {
	Owner                  common.Address
	Orchestrator           common.Address
	FeeRecipient           common.Address
	MakerProtocolFee       *big.Int
	DustThreshold          *big.Int
	IntentExpirationPeriod time.Duration
	MaxIntentsPerDeposit   int
	Paused                 bool
}

func (e *Escrow) Params() Params {
	p := e.snapshot()
	return Params{
		Owner:                  p.owner,
		Orchestrator:           p.orchestrator,
		FeeRecipient:           p.feeRecipient,
		MakerProtocolFee:       p.makerFee,
		DustThreshold:          p.dustThreshold,
		IntentExpirationPeriod: p.expiration,
		MaxIntentsPerDeposit:   p.maxIntents,
		Paused:                 p.paused,
	}
}

// emit publishes ev once the enclosing transaction commits.
func (e *Escrow) emit(tx ledger.Tx, typ string, payload map[string]any) {
	ev := events.Event{Type: typ, Payload: payload, OccurredAt: e.now().UTC()}
	tx.AfterCommit(func() {
		if err := e.publisher.Publish(context.Background(), ev); err != nil {
			e.log.Warn("publish event failed", zap.String("event", typ), zap.Error(err))
		}
	})
}

func (e *Escrow) govern(caller common.Address, param string, value any, fn func(p *params) error) error {
	e.mu.Lock()
	if err := access.Account(caller, e.params.owner, "escrow owner"); err != nil {
		e.mu.Unlock()
		return err
	}
	if err := fn(&e.params); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	e.log.Info("escrow parameter updated", zap.String("param", param), zap.Any("value", value))
	ev := events.Event{
		Type:       events.EscrowParamsUpdated,
		Payload:    map[string]any{"param": param, "value": fmt.Sprint(value)},
		OccurredAt: e.now().UTC(),
	}
	if err := e.publisher.Publish(context.Background(), ev); err != nil {
		e.log.Warn("publish event failed", zap.String("event", ev.Type), zap.Error(err))
	}
	return nil
}

func (e *Escrow) SetOrchestrator(caller, orchestrator common.Address, pruner IntentPruner) error {
	if orchestrator == (common.Address{}) {
		return fmt.Errorf("%w: orchestrator", ledger.ErrZeroAddress)
	}
	return e.govern(caller, "orchestrator", orchestrator.Hex(), func(p *params) error {
		p.orchestrator = orchestrator
		p.pruner = pruner
		return nil
	})
}

func (e *Escrow) SetPaymentVerifierRegistry(caller common.Address, r PaymentMethodRegistry) error {
	if r == nil {
		return fmt.Errorf("%w: payment verifier registry", ledger.ErrZeroAddress)
	}
	return e.govern(caller, "paymentVerifierRegistry", "updated", func(p *params) error {
		p.verifiers = r
		return nil
	})
}

func (e *Escrow) SetMakerProtocolFee(caller common.Address, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 || fee.Cmp(ledger.MaxMakerFee) > 0 {
		return fmt.Errorf("%w: maker fee %v", ledger.ErrFeeExceedsMaximum, fee)
	}
	return e.govern(caller, "makerProtocolFee", fee.String(), func(p *params) error {
		p.makerFee = new(big.Int).Set(fee)
		return nil
	})
}

func (e *Escrow) SetFeeRecipient(caller, recipient common.Address) error {
	if recipient == (common.Address{}) {
		return fmt.Errorf("%w: fee recipient", ledger.ErrZeroAddress)
	}
	return e.govern(caller, "feeRecipient", recipient.Hex(), func(p *params) error {
		p.feeRecipient = recipient
		return nil
	})
}

func (e *Escrow) SetDustThreshold(caller common.Address, threshold *big.Int) error {
	if threshold == nil || threshold.Sign() < 0 || threshold.Cmp(ledger.MaxDustThreshold) > 0 {
		return fmt.Errorf("%w: dust threshold %v", ledger.ErrThresholdExceedsMaximum, threshold)
	}
	return e.govern(caller, "dustThreshold", threshold.String(), func(p *params) error {
		p.dustThreshold = new(big.Int).Set(threshold)
		return nil
	})
}

func (e *Escrow) SetIntentExpirationPeriod(caller common.Address, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("%w: intent expiration period", ledger.ErrZeroValue)
	}
	return e.govern(caller, "intentExpirationPeriod", period.String(), func(p *params) error {
		p.expiration = period
		return nil
	})
}

func (e *Escrow) SetMaxIntentsPerDeposit(caller common.Address, max int) error {
	if max <= 0 {
		return fmt.Errorf("%w: max intents per deposit", ledger.ErrZeroValue)
	}
	return e.govern(caller, "maxIntentsPerDeposit", max, func(p *params) error {
		p.maxIntents = max
		return nil
	})
}

func (e *Escrow) Pause(caller common.Address) error {
	return e.govern(caller, "paused", true, func(p *params) error {
		p.paused = true
		return nil
	})
}

func (e *Escrow) Unpause(caller common.Address) error {
	return e.govern(caller, "paused", false, func(p *params) error {
		p.paused = false
		return nil
	})
}
