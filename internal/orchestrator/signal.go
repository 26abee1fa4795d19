package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/events"
	"p2pramp/internal/gating"
	"p2pramp/internal/ledger"
)

type SignalIntentParams struct {
	DepositID      uint64
	Amount         *big.Int
	To             common.Address
	PaymentMethod  common.Hash
	FiatCurrency   common.Hash
	ConversionRate *big.Int
	Referrer       common.Address
	ReferrerFee    *big.Int
	// GatingSignature is required when the deposit's payment method names a
	// gating service; it must cover these terms and expire after now.
	GatingSignature     []byte
	SignatureExpiration time.Time
	PostIntentHook      common.Address
	Data                []byte
}

func (p SignalIntentParams) terms(chainID *big.Int) gating.Terms {
	return gating.Terms{
		DepositID:      p.DepositID,
		Amount:         p.Amount,
		To:             p.To,
		PaymentMethod:  p.PaymentMethod,
		FiatCurrency:   p.FiatCurrency,
		ConversionRate: p.ConversionRate,
		ChainID:        chainID,
		Expiration:     p.SignatureExpiration,
	}
}

// GatingTerms returns the terms a gating service signs for p.
func (o *Orchestrator) GatingTerms(p SignalIntentParams) gating.Terms {
	return p.terms(o.chainID)
}

// SignalIntent admits an intent for caller against a deposit and locks its
// amount in escrow. It returns the new intent hash.
func (o *Orchestrator) SignalIntent(ctx context.Context, caller common.Address, p SignalIntentParams) (common.Hash, error) {
	prm := o.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return common.Hash{}, err
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: intent amount", ledger.ErrZeroValue)
	}
	if p.To == (common.Address{}) {
		return common.Hash{}, fmt.Errorf("%w: intent recipient", ledger.ErrZeroAddress)
	}
	if p.ConversionRate == nil || p.ConversionRate.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("%w: conversion rate", ledger.ErrZeroValue)
	}
	if err := checkReferrer(p.Referrer, p.ReferrerFee); err != nil {
		return common.Hash{}, err
	}
	if p.PostIntentHook != (common.Address{}) && !prm.hooks.IsWhitelisted(p.PostIntentHook) {
		return common.Hash{}, fmt.Errorf("%w: %s", ledger.ErrHookNotWhitelisted, p.PostIntentHook.Hex())
	}

	var hash common.Hash
	err := o.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		d, err := prm.escrow.Deposit(ctx, p.DepositID)
		if err != nil {
			return err
		}
		if err := o.checkTerms(prm, d, p); err != nil {
			return err
		}
		if !prm.allowMultiple && !prm.relayers.IsWhitelisted(caller) {
			if err := o.requireNoActiveIntent(ctx, tx, prm, caller); err != nil {
				return err
			}
		}

		referrer, referrerFee := p.Referrer, orZero(p.ReferrerFee)
		if referrer == (common.Address{}) && d.Referrer != (common.Address{}) {
			referrer, referrerFee = d.Referrer, orZero(d.ReferrerFee)
		}

		nonce, err := tx.NextIntentNonce(ctx)
		if err != nil {
			return err
		}
		hash = ledger.IntentHash(o.address, nonce)
		if err := prm.escrow.LockFunds(ctx, o.address, p.DepositID, hash, p.Amount); err != nil {
			return err
		}

		in := &ledger.Intent{
			Hash:           hash,
			Nonce:          nonce,
			Owner:          caller,
			To:             p.To,
			Escrow:         prm.escrow.Address(),
			DepositID:      p.DepositID,
			Amount:         new(big.Int).Set(p.Amount),
			Timestamp:      o.now(),
			PaymentMethod:  p.PaymentMethod,
			FiatCurrency:   p.FiatCurrency,
			ConversionRate: new(big.Int).Set(p.ConversionRate),
			Referrer:       referrer,
			ReferrerFee:    referrerFee,
			PostIntentHook: p.PostIntentHook,
			Data:           append([]byte(nil), p.Data...),
		}
		if err := tx.PutIntent(ctx, in); err != nil {
			return err
		}
		o.emit(tx, events.IntentSignaled, map[string]any{
			"intentHash":     hash.Hex(),
			"owner":          caller.Hex(),
			"to":             p.To.Hex(),
			"escrow":         in.Escrow.Hex(),
			"depositId":      p.DepositID,
			"amount":         p.Amount.String(),
			"paymentMethod":  p.PaymentMethod.Hex(),
			"fiatCurrency":   p.FiatCurrency.Hex(),
			"conversionRate": p.ConversionRate.String(),
			"referrer":       referrer.Hex(),
			"referrerFee":    referrerFee.String(),
			"postIntentHook": p.PostIntentHook.Hex(),
			"timestamp":      in.Timestamp.Unix(),
		})
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}

	o.log.Info("intent signaled",
		zap.String("intent_hash", hash.Hex()),
		zap.String("owner", caller.Hex()),
		zap.Uint64("deposit_id", p.DepositID),
		zap.String("amount", p.Amount.String()))
	return hash, nil
}

// checkTerms validates the payment method, currency, rate and gating
// approval of p against deposit d.
func (o *Orchestrator) checkTerms(prm params, d *ledger.Deposit, p SignalIntentParams) error {
	if !prm.verifiers.IsWhitelisted(p.PaymentMethod) {
		return fmt.Errorf("%w: %s", ledger.ErrPaymentMethodNotWhitelisted, p.PaymentMethod.Hex())
	}
	if !d.SupportsPaymentMethod(p.PaymentMethod) {
		return fmt.Errorf("%w: %s on deposit %d", ledger.ErrPaymentMethodNotSupported, p.PaymentMethod.Hex(), d.ID)
	}
	minRate := d.MinConversionRate(p.PaymentMethod, p.FiatCurrency)
	if minRate == nil || !prm.verifiers.IsCurrency(p.PaymentMethod, p.FiatCurrency) {
		return fmt.Errorf("%w: %s on %s", ledger.ErrCurrencyNotSupported, p.FiatCurrency.Hex(), p.PaymentMethod.Hex())
	}
	if p.ConversionRate.Cmp(minRate) < 0 {
		return fmt.Errorf("%w: %s < %s", ledger.ErrRateBelowMinimum, p.ConversionRate, minRate)
	}

	signer := d.PaymentMethods[p.PaymentMethod].IntentGatingService
	if signer == (common.Address{}) {
		return nil
	}
	return gating.Verify(p.terms(o.chainID), p.GatingSignature, signer, o.now())
}

// requireNoActiveIntent fails when caller still has a live intent after the
// deposits backing its intents have been pruned of expired locks.
func (o *Orchestrator) requireNoActiveIntent(ctx context.Context, tx ledger.Tx, prm params, caller common.Address) error {
	hashes, err := tx.IntentHashes(ctx, caller)
	if err != nil || len(hashes) == 0 {
		return err
	}

	pruned := make(map[uint64]bool)
	for _, h := range hashes {
		in, err := tx.Intent(ctx, h)
		if err != nil {
			return err
		}
		if pruned[in.DepositID] {
			continue
		}
		pruned[in.DepositID] = true
		if _, _, err := prm.escrow.PruneExpiredIntents(ctx, in.DepositID); err != nil {
			return fmt.Errorf("prune deposit %d: %w", in.DepositID, err)
		}
	}

	if hashes, err = tx.IntentHashes(ctx, caller); err != nil {
		return err
	}
	if len(hashes) > 0 {
		return fmt.Errorf("%w: %s", ledger.ErrAccountHasActiveIntent, hashes[0].Hex())
	}
	return nil
}

func checkReferrer(referrer common.Address, fee *big.Int) error {
	if fee == nil || fee.Sign() == 0 {
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

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
