package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/access"
	"p2pramp/internal/events"
	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

type CreateDepositParams struct {
	Token             common.Address
	Amount            *big.Int
	IntentAmountRange ledger.Range
	PaymentMethods    []common.Hash
	PaymentMethodData []ledger.PaymentMethodData
	Currencies        [][]ledger.Currency
	Delegate          common.Address
	IntentGuardian    common.Address
	Referrer          common.Address
	ReferrerFee       *big.Int
}

func (e *Escrow) token(addr common.Address) (token.Token, error) {
	tok, err := e.tokens.Token(addr)
	if err != nil {
		return nil, fmt.Errorf("resolve token %s: %w", addr.Hex(), err)
	}
	return tok, nil
}

// CreateDeposit pulls Amount of Token from caller into custody and opens a
// deposit. The returned id is never reused.
func (e *Escrow) CreateDeposit(ctx context.Context, caller common.Address, p CreateDepositParams) (uint64, error) {
	prm := e.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return 0, err
	}
	if !positive(p.Amount) {
		return 0, fmt.Errorf("%w: deposit amount", ledger.ErrZeroValue)
	}
	if p.Token == (common.Address{}) {
		return 0, fmt.Errorf("%w: token", ledger.ErrZeroAddress)
	}
	if err := p.IntentAmountRange.Validate(); err != nil {
		return 0, err
	}
	if len(p.PaymentMethods) != len(p.PaymentMethodData) || len(p.PaymentMethods) != len(p.Currencies) {
		return 0, fmt.Errorf("%w: %d methods, %d data, %d currency lists", ledger.ErrArrayLengthMismatch,
			len(p.PaymentMethods), len(p.PaymentMethodData), len(p.Currencies))
	}
	if err := validateReferrer(p.Referrer, p.ReferrerFee); err != nil {
		return 0, err
	}

	methods := make(map[common.Hash]*ledger.PaymentMethodData, len(p.PaymentMethods))
	currencies := make(map[common.Hash]map[common.Hash]*big.Int, len(p.PaymentMethods))
	for i, m := range p.PaymentMethods {
		if _, dup := methods[m]; dup {
			return 0, fmt.Errorf("%w: %s", ledger.ErrDuplicatePaymentMethod, m.Hex())
		}
		rates, err := validateMethod(prm.verifiers, m, p.PaymentMethodData[i], p.Currencies[i])
		if err != nil {
			return 0, err
		}
		pm := p.PaymentMethodData[i]
		pm.Data = append([]byte(nil), pm.Data...)
		pm.Active = true
		methods[m] = &pm
		currencies[m] = rates
	}

	reserved := ledger.MulPrecise(p.Amount, prm.makerFee)
	remaining := new(big.Int).Sub(p.Amount, reserved)
	if remaining.Cmp(p.IntentAmountRange.Min) < 0 {
		return 0, fmt.Errorf("%w: net deposit %s below intent min %s", ledger.ErrAmountBelowMin, remaining, p.IntentAmountRange.Min)
	}

	tok, err := e.token(p.Token)
	if err != nil {
		return 0, err
	}

	var id uint64
	err = e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		var err error
		if id, err = tx.NextDepositID(ctx); err != nil {
			return err
		}
		d := &ledger.Deposit{
			ID:                      id,
			Depositor:               caller,
			Delegate:                p.Delegate,
			Token:                   p.Token,
			Amount:                  new(big.Int).Set(p.Amount),
			IntentAmountRange:       ledger.Range{Min: new(big.Int).Set(p.IntentAmountRange.Min), Max: new(big.Int).Set(p.IntentAmountRange.Max)},
			AcceptingIntents:        true,
			RemainingDeposits:       remaining,
			OutstandingIntentAmount: new(big.Int),
			MakerProtocolFee:        prm.makerFee,
			ReservedMakerFees:       reserved,
			AccruedMakerFees:        new(big.Int),
			AccruedReferrerFees:     new(big.Int),
			IntentGuardian:          p.IntentGuardian,
			Referrer:                p.Referrer,
			ReferrerFee:             orZero(p.ReferrerFee),
			PaymentMethods:          methods,
			Currencies:              currencies,
			Intents:                 make(map[common.Hash]*ledger.Lock),
		}
		if err := tx.PutDeposit(ctx, d); err != nil {
			return err
		}

		e.emit(tx, events.DepositReceived, map[string]any{
			"depositId":    id,
			"depositor":    caller.Hex(),
			"token":        p.Token.Hex(),
			"amount":       p.Amount.String(),
			"intentMin":    d.IntentAmountRange.Min.String(),
			"intentMax":    d.IntentAmountRange.Max.String(),
			"delegate":     p.Delegate.Hex(),
			"reservedFees": reserved.String(),
		})
		for _, m := range p.PaymentMethods {
			e.emitMethodAdded(tx, d, m)
		}

		return tok.TransferFrom(ctx, e.address, caller, e.address, p.Amount)
	})
	if err != nil {
		return 0, err
	}

	e.log.Info("deposit created",
		zap.Uint64("deposit_id", id),
		zap.String("depositor", caller.Hex()),
		zap.String("amount", p.Amount.String()))
	return id, nil
}

func (e *Escrow) emitMethodAdded(tx ledger.Tx, d *ledger.Deposit, m common.Hash) {
	pm := d.PaymentMethods[m]
	e.emit(tx, events.DepositPaymentMethodAdded, map[string]any{
		"depositId":           d.ID,
		"paymentMethod":       m.Hex(),
		"payeeDetails":        pm.PayeeDetails.Hex(),
		"intentGatingService": pm.IntentGatingService.Hex(),
	})
	for _, c := range d.CurrencyList(m) {
		e.emit(tx, events.DepositCurrencyAdded, map[string]any{
			"depositId":         d.ID,
			"paymentMethod":     m.Hex(),
			"currency":          c.Code.Hex(),
			"minConversionRate": c.MinConversionRate.String(),
		})
	}
}

// AddFunds tops up a deposit using the fee rate captured at creation.
func (e *Escrow) AddFunds(ctx context.Context, caller common.Address, depositID uint64, amount *big.Int) error {
	prm := e.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return err
	}
	if !positive(amount) {
		return fmt.Errorf("%w: amount", ledger.ErrZeroValue)
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := access.Depositor(caller, d); err != nil {
			return err
		}
		tok, err := e.token(d.Token)
		if err != nil {
			return err
		}

		fee := ledger.MulPrecise(amount, d.MakerProtocolFee)
		d.ReservedMakerFees.Add(d.ReservedMakerFees, fee)
		d.RemainingDeposits.Add(d.RemainingDeposits, new(big.Int).Sub(amount, fee))
		d.Amount.Add(d.Amount, amount)
		if err := tx.PutDeposit(ctx, d); err != nil {
			return err
		}
		e.emit(tx, events.DepositFundsAdded, map[string]any{
			"depositId": depositID,
			"depositor": caller.Hex(),
			"amount":    amount.String(),
		})
		return tok.TransferFrom(ctx, e.address, caller, e.address, amount)
	})
}

// RemoveFunds returns part of the unlocked liquidity to the depositor after
// reclaiming expired intents.
func (e *Escrow) RemoveFunds(ctx context.Context, caller common.Address, depositID uint64, amount *big.Int) error {
	prm := e.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return err
	}
	if !positive(amount) {
		return fmt.Errorf("%w: amount", ledger.ErrZeroValue)
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := access.Depositor(caller, d); err != nil {
			return err
		}
		tok, err := e.token(d.Token)
		if err != nil {
			return err
		}
		if _, _, err := e.pruneExpired(ctx, tx, d, prm); err != nil {
			return err
		}
		if amount.Cmp(d.RemainingDeposits) > 0 {
			return fmt.Errorf("%w: deposit %d has %s, asked %s", ledger.ErrInsufficientDepositLiquidity,
				depositID, d.RemainingDeposits, amount)
		}

		d.RemainingDeposits.Sub(d.RemainingDeposits, amount)
		d.Amount.Sub(d.Amount, amount)
		if d.Amount.Sign() < 0 {
			d.Amount.SetInt64(0)
		}
		if d.RemainingDeposits.Cmp(d.IntentAmountRange.Min) < 0 {
			d.AcceptingIntents = false
		}
		e.emit(tx, events.DepositWithdrawn, map[string]any{
			"depositId": depositID,
			"depositor": caller.Hex(),
			"amount":    amount.String(),
			"accepting": d.AcceptingIntents,
		})
		if err := e.settle(ctx, tx, d, prm); err != nil {
			return err
		}
		return tok.Transfer(ctx, e.address, caller, amount)
	})
}

// WithdrawDeposit returns all unlocked liquidity plus the fee headroom that
// outstanding intents can no longer earn. It works while paused.
func (e *Escrow) WithdrawDeposit(ctx context.Context, caller common.Address, depositID uint64) error {
	prm := e.snapshot()

	var payout *big.Int
	err := e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := access.Depositor(caller, d); err != nil {
			return err
		}
		tok, err := e.token(d.Token)
		if err != nil {
			return err
		}
		if _, _, err := e.pruneExpired(ctx, tx, d, prm); err != nil {
			return err
		}

		pending := ledger.MulPrecise(d.OutstandingIntentAmount, d.MakerProtocolFee)
		refundFees := new(big.Int).Sub(d.UnearnedMakerFees(), pending)
		if refundFees.Sign() < 0 {
			refundFees.SetInt64(0)
		}
		payout = new(big.Int).Add(d.RemainingDeposits, refundFees)

		d.RemainingDeposits.SetInt64(0)
		d.ReservedMakerFees.Sub(d.ReservedMakerFees, refundFees)
		d.AcceptingIntents = false
		e.emit(tx, events.DepositWithdrawn, map[string]any{
			"depositId": depositID,
			"depositor": caller.Hex(),
			"amount":    payout.String(),
			"accepting": false,
		})
		if err := e.settle(ctx, tx, d, prm); err != nil {
			return err
		}
		if payout.Sign() == 0 {
			return nil
		}
		return tok.Transfer(ctx, e.address, caller, payout)
	})
	if err != nil {
		return err
	}

	e.log.Info("deposit withdrawn",
		zap.Uint64("deposit_id", depositID),
		zap.String("amount", payout.String()))
	return nil
}

// SetAcceptingIntents toggles whether new intents may lock against the deposit.
func (e *Escrow) SetAcceptingIntents(ctx context.Context, caller common.Address, depositID uint64, accepting bool) error {
	return e.updateDeposit(ctx, caller, depositID, func(d *ledger.Deposit) (string, map[string]any, error) {
		if d.AcceptingIntents == accepting {
			return "", nil, fmt.Errorf("%w: accepting=%t", ledger.ErrDepositAlreadyInState, accepting)
		}
		if accepting && d.RemainingDeposits.Cmp(d.IntentAmountRange.Min) < 0 {
			return "", nil, fmt.Errorf("%w: remaining %s below intent min %s", ledger.ErrAmountBelowMin,
				d.RemainingDeposits, d.IntentAmountRange.Min)
		}
		d.AcceptingIntents = accepting
		return events.DepositAcceptingIntents, map[string]any{"accepting": accepting}, nil
	})
}

func (e *Escrow) UpdateIntentAmountRange(ctx context.Context, caller common.Address, depositID uint64, r ledger.Range) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return e.updateDeposit(ctx, caller, depositID, func(d *ledger.Deposit) (string, map[string]any, error) {
		d.IntentAmountRange = ledger.Range{Min: new(big.Int).Set(r.Min), Max: new(big.Int).Set(r.Max)}
		return events.DepositRangeUpdated, map[string]any{"min": r.Min.String(), "max": r.Max.String()}, nil
	})
}

func (e *Escrow) UpdateMinConversionRate(ctx context.Context, caller common.Address, depositID uint64, method, currency common.Hash, rate *big.Int) error {
	if !positive(rate) {
		return fmt.Errorf("%w: min conversion rate", ledger.ErrZeroValue)
	}
	return e.updateDeposit(ctx, caller, depositID, func(d *ledger.Deposit) (string, map[string]any, error) {
		if d.MinConversionRate(method, currency) == nil {
			return "", nil, fmt.Errorf("%w: %s on %s", ledger.ErrCurrencyNotSupported, currency.Hex(), method.Hex())
		}
		d.Currencies[method][currency] = new(big.Int).Set(rate)
		return events.DepositMinRateUpdated, map[string]any{
			"paymentMethod":     method.Hex(),
			"currency":          currency.Hex(),
			"minConversionRate": rate.String(),
		}, nil
	})
}

// AddPaymentMethods configures new methods on a deposit. A method that was
// previously removed is reactivated with the new data and its currency
// table is merged with the given rates.
func (e *Escrow) AddPaymentMethods(ctx context.Context, caller common.Address, depositID uint64, methods []common.Hash, data []ledger.PaymentMethodData, currencies [][]ledger.Currency) error {
	prm := e.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return err
	}
	if len(methods) == 0 || len(methods) != len(data) || len(methods) != len(currencies) {
		return fmt.Errorf("%w: %d methods, %d data, %d currency lists", ledger.ErrArrayLengthMismatch,
			len(methods), len(data), len(currencies))
	}

	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := access.DepositorOrDelegate(caller, d); err != nil {
			return err
		}

		seen := make(map[common.Hash]bool, len(methods))
		for i, m := range methods {
			if seen[m] || d.SupportsPaymentMethod(m) {
				return fmt.Errorf("%w: %s", ledger.ErrDuplicatePaymentMethod, m.Hex())
			}
			seen[m] = true
			rates, err := validateMethod(prm.verifiers, m, data[i], currencies[i])
			if err != nil {
				return err
			}
			pm := data[i]
			pm.Data = append([]byte(nil), pm.Data...)
			pm.Active = true
			d.PaymentMethods[m] = &pm
			if d.Currencies[m] == nil {
				d.Currencies[m] = make(map[common.Hash]*big.Int, len(rates))
			}
			for c, r := range rates {
				d.Currencies[m][c] = r
			}
			e.emitMethodAdded(tx, d, m)
		}
		return tx.PutDeposit(ctx, d)
	})
}

// RemovePaymentMethod deactivates method. Its currency table is kept so that
// live intents on the method still resolve their rates.
func (e *Escrow) RemovePaymentMethod(ctx context.Context, caller common.Address, depositID uint64, method common.Hash) error {
	return e.updateDeposit(ctx, caller, depositID, func(d *ledger.Deposit) (string, map[string]any, error) {
		if !d.SupportsPaymentMethod(method) {
			return "", nil, fmt.Errorf("%w: %s", ledger.ErrPaymentMethodNotSupported, method.Hex())
		}
		d.PaymentMethods[method].Active = false
		return events.DepositPaymentMethodActive, map[string]any{"paymentMethod": method.Hex(), "active": false}, nil
	})
}

func (e *Escrow) AddCurrencies(ctx context.Context, caller common.Address, depositID uint64, method common.Hash, currencies []ledger.Currency) error {
	prm := e.snapshot()
	if len(currencies) == 0 {
		return fmt.Errorf("%w: no currencies", ledger.ErrArrayLengthMismatch)
	}
	rates, err := validateCurrencies(prm.verifiers, method, currencies)
	if err != nil {
		return err
	}
	return e.updateDeposit(ctx, caller, depositID, func(d *ledger.Deposit) (string, map[string]any, error) {
		if !d.SupportsPaymentMethod(method) {
			return "", nil, fmt.Errorf("%w: %s", ledger.ErrPaymentMethodNotSupported, method.Hex())
		}
		if d.Currencies[method] == nil {
			d.Currencies[method] = make(map[common.Hash]*big.Int, len(rates))
		}
		codes := make([]string, 0, len(currencies))
		for _, c := range currencies {
			if _, ok := d.Currencies[method][c.Code]; ok {
				return "", nil, fmt.Errorf("%w: %s on %s", ledger.ErrDuplicateCurrency, c.Code.Hex(), method.Hex())
			}
			d.Currencies[method][c.Code] = rates[c.Code]
			codes = append(codes, c.Code.Hex())
		}
		return events.DepositCurrencyAdded, map[string]any{"paymentMethod": method.Hex(), "currencies": codes}, nil
	})
}

func (e *Escrow) RemoveCurrency(ctx context.Context, caller common.Address, depositID uint64, method, currency common.Hash) error {
	return e.updateDeposit(ctx, caller, depositID, func(d *ledger.Deposit) (string, map[string]any, error) {
		if d.MinConversionRate(method, currency) == nil {
			return "", nil, fmt.Errorf("%w: %s on %s", ledger.ErrCurrencyNotSupported, currency.Hex(), method.Hex())
		}
		delete(d.Currencies[method], currency)
		return events.DepositCurrencyRemoved, map[string]any{"paymentMethod": method.Hex(), "currency": currency.Hex()}, nil
	})
}

func (e *Escrow) SetDelegate(ctx context.Context, caller common.Address, depositID uint64, delegate common.Address) error {
	if delegate == (common.Address{}) {
		return fmt.Errorf("%w: delegate", ledger.ErrZeroAddress)
	}
	return e.updateDepositAs(ctx, caller, depositID, access.Depositor, func(d *ledger.Deposit) (string, map[string]any, error) {
		d.Delegate = delegate
		return events.DepositDelegateSet, map[string]any{"delegate": delegate.Hex()}, nil
	})
}

func (e *Escrow) RemoveDelegate(ctx context.Context, caller common.Address, depositID uint64) error {
	return e.updateDepositAs(ctx, caller, depositID, access.Depositor, func(d *ledger.Deposit) (string, map[string]any, error) {
		d.Delegate = common.Address{}
		return events.DepositDelegateRemoved, map[string]any{}, nil
	})
}

type depositCheck func(caller common.Address, d *ledger.Deposit) error

// updateDeposit applies a configuration change open to the depositor and
// its delegate.
func (e *Escrow) updateDeposit(ctx context.Context, caller common.Address, depositID uint64, fn func(d *ledger.Deposit) (string, map[string]any, error)) error {
	return e.updateDepositAs(ctx, caller, depositID, access.DepositorOrDelegate, fn)
}

func (e *Escrow) updateDepositAs(ctx context.Context, caller common.Address, depositID uint64, check depositCheck, fn func(d *ledger.Deposit) (string, map[string]any, error)) error {
	if err := e.snapshot().whenNotPaused(); err != nil {
		return err
	}
	return e.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := tx.Deposit(ctx, depositID)
		if err != nil {
			return err
		}
		if err := check(caller, d); err != nil {
			return err
		}
		typ, payload, err := fn(d)
		if err != nil {
			return err
		}
		if err := tx.PutDeposit(ctx, d); err != nil {
			return err
		}
		payload["depositId"] = depositID
		e.emit(tx, typ, payload)
		return nil
	})
}

func validateReferrer(referrer common.Address, fee *big.Int) error {
	if isZero(fee) {
		return nil
	}
	if fee.Sign() < 0 || fee.Cmp(ledger.MaxReferrerFee) > 0 {
		return fmt.Errorf("%w: referrer fee %s", ledger.ErrFeeExceedsMaximum, fee)
	}
	if referrer == (common.Address{}) {
		return ledger.ErrInvalidReferrerFee
	}
	return nil
}

func validateMethod(verifiers PaymentMethodRegistry, m common.Hash, data ledger.PaymentMethodData, currencies []ledger.Currency) (map[common.Hash]*big.Int, error) {
	if verifiers == nil || !verifiers.IsWhitelisted(m) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrPaymentMethodNotWhitelisted, m.Hex())
	}
	if data.PayeeDetails == (common.Hash{}) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEmptyPayeeDetails, m.Hex())
	}
	return validateCurrencies(verifiers, m, currencies)
}

func validateCurrencies(verifiers PaymentMethodRegistry, m common.Hash, currencies []ledger.Currency) (map[common.Hash]*big.Int, error) {
	rates := make(map[common.Hash]*big.Int, len(currencies))
	for _, c := range currencies {
		if verifiers == nil || !verifiers.IsCurrency(m, c.Code) {
			return nil, fmt.Errorf("%w: %s on %s", ledger.ErrCurrencyNotSupported, c.Code.Hex(), m.Hex())
		}
		if !positive(c.MinConversionRate) {
			return nil, fmt.Errorf("%w: min conversion rate for %s", ledger.ErrZeroValue, c.Code.Hex())
		}
		if _, dup := rates[c.Code]; dup {
			return nil, fmt.Errorf("%w: %s on %s", ledger.ErrDuplicateCurrency, c.Code.Hex(), m.Hex())
		}
		rates[c.Code] = new(big.Int).Set(c.MinConversionRate)
	}
	return rates, nil
}

func isZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }

func positive(v *big.Int) bool { return v != nil && v.Sign() > 0 }

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
