package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Escrow events.
const (
	DepositReceived            = "deposit_received"
	DepositFundsAdded          = "deposit_funds_added"
	DepositWithdrawn           = "deposit_withdrawn"
	DepositClosed              = "deposit_closed"
	DepositPaymentMethodAdded  = "deposit_payment_method_added"
	DepositPaymentMethodActive = "deposit_payment_method_active"
	DepositCurrencyAdded       = "deposit_currency_added"
	DepositCurrencyRemoved     = "deposit_currency_removed"
	DepositMinRateUpdated      = "deposit_min_conversion_rate_updated"
	DepositRangeUpdated        = "deposit_intent_amount_range_updated"
	DepositAcceptingIntents    = "deposit_accepting_intents_updated"
	DepositDelegateSet         = "deposit_delegate_set"
	DepositDelegateRemoved     = "deposit_delegate_removed"
	FundsLocked                = "funds_locked"
	FundsUnlocked              = "funds_unlocked"
	FundsUnlockedAndTransfered = "funds_unlocked_and_transferred"
	IntentExpiryExtended       = "intent_expiry_extended"
	MakerFeesCollected         = "maker_fees_collected"
	DustCollected              = "dust_collected"
	EscrowParamsUpdated        = "escrow_params_updated"
)

// Orchestrator events.
const (
	IntentSignaled            = "intent_signaled"
	IntentFulfilled           = "intent_fulfilled"
	IntentCancelled           = "intent_cancelled"
	IntentPruned              = "intent_pruned"
	OrchestratorParamsUpdated = "orchestrator_params_updated"
)

type Event struct {
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type, in order.
func (r *Recorder) OfType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// LogPublisher mirrors events into the structured log.
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, event Event) error {
	fields := make([]zap.Field, 0, len(event.Payload)+1)
	fields = append(fields, zap.String("event", event.Type))
	for k, v := range event.Payload {
		fields = append(fields, zap.Any(k, v))
	}
	p.Log.Info("ledger event", fields...)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
