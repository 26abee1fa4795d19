package orchestrator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"p2pramp/internal/access"
	"p2pramp/internal/events"
	"p2pramp/internal/hook"
	"p2pramp/internal/ledger"
	"p2pramp/internal/verifier"
)

// Settlement is the split of a released amount.
type Settlement struct {
	IntentHash  common.Hash
	Release     *big.Int
	ProtocolFee *big.Int
	ReferrerFee *big.Int
	Net         *big.Int
	Destination common.Address
}

// FulfillIntent verifies proof with the payment method's verifier and settles
// the intent for the amount the verifier releases.
func (o *Orchestrator) FulfillIntent(ctx context.Context, hash common.Hash, proof, hookData []byte) (Settlement, error) {
	prm := o.snapshot()
	if err := prm.whenNotPaused(); err != nil {
		return Settlement{}, err
	}

	var s Settlement
	err := o.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		in, err := tx.Intent(ctx, hash)
		if err != nil {
			return err
		}
		d, err := prm.escrow.Deposit(ctx, in.DepositID)
		if err != nil {
			return err
		}
		v, err := prm.verifiers.Verifier(in.PaymentMethod)
		if err != nil {
			return err
		}

		var payee common.Hash
		var depositData []byte
		if pm, ok := d.PaymentMethods[in.PaymentMethod]; ok {
			payee, depositData = pm.PayeeDetails, pm.Data
		}
		res, err := v.VerifyPayment(ctx, verifier.VerifyPaymentData{
			IntentHash:      in.Hash,
			IntentAmount:    in.Amount,
			IntentTimestamp: in.Timestamp,
			PayeeDetails:    payee,
			FiatCurrency:    in.FiatCurrency,
			ConversionRate:  in.ConversionRate,
			DepositData:     depositData,
			Proof:           proof,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ledger.ErrPaymentVerificationFailed, err)
		}
		if !res.Success {
			return fmt.Errorf("%w: intent %s", ledger.ErrPaymentVerificationFailed, hash.Hex())
		}
		if res.IntentHash != hash {
			return fmt.Errorf("%w: proof pays %s, want %s", ledger.ErrHashMismatch, res.IntentHash.Hex(), hash.Hex())
		}
		if res.ReleaseAmount == nil || res.ReleaseAmount.Sign() <= 0 {
			return fmt.Errorf("%w: release amount", ledger.ErrZeroValue)
		}
		if res.ReleaseAmount.Cmp(in.Amount) > 0 {
			return fmt.Errorf("%w: release %s exceeds intent %s", ledger.ErrAmountExceedsAvailable, res.ReleaseAmount, in.Amount)
		}

		s, err = o.settle(ctx, tx, prm, in, d.Token, res.ReleaseAmount, hookData, false)
		return err
	})
	if err != nil {
		return Settlement{}, err
	}

	o.log.Info("intent fulfilled",
		zap.String("intent_hash", hash.Hex()),
		zap.String("release", s.Release.String()),
		zap.String("net", s.Net.String()))
	return s, nil
}

// ReleaseFundsToPayer lets the depositor settle an intent without a proof,
// for any amount up to the intent amount. It stays available while the
// orchestrator is paused.
func (o *Orchestrator) ReleaseFundsToPayer(ctx context.Context, caller common.Address, hash common.Hash, amount *big.Int, releaseData []byte) (Settlement, error) {
	prm := o.snapshot()
	if amount == nil || amount.Sign() <= 0 {
		return Settlement{}, fmt.Errorf("%w: release amount", ledger.ErrZeroValue)
	}

	var s Settlement
	err := o.store.Update(ctx, func(ctx context.Context, tx ledger.Tx) error {
		in, err := tx.Intent(ctx, hash)
		if err != nil {
			return err
		}
		d, err := prm.escrow.Deposit(ctx, in.DepositID)
		if err != nil {
			return err
		}
		if err := access.Depositor(caller, d); err != nil {
			return err
		}
		if amount.Cmp(in.Amount) > 0 {
			return fmt.Errorf("%w: release %s exceeds intent %s", ledger.ErrAmountExceedsAvailable, amount, in.Amount)
		}
		s, err = o.settle(ctx, tx, prm, in, d.Token, amount, releaseData, true)
		return err
	})
	if err != nil {
		return Settlement{}, err
	}

	o.log.Info("funds released to payer",
		zap.String("intent_hash", hash.Hex()),
		zap.String("depositor", caller.Hex()),
		zap.String("release", s.Release.String()))
	return s, nil
}

// settle deletes the intent, pulls release out of escrow into the
// orchestrator's account and pays out fees and the net amount. All ledger
// changes are staged before the first outbound transfer.
func (o *Orchestrator) settle(ctx context.Context, tx ledger.Tx, prm params, in *ledger.Intent, tokenAddr common.Address, release *big.Int, hookData []byte, manual bool) (Settlement, error) {
	protocolFee := ledger.MulPrecise(release, prm.protocolFee)
	referrerFee := new(big.Int)
	if in.Referrer != (common.Address{}) {
		referrerFee = ledger.MulPrecise(release, in.ReferrerFee)
	}
	net := new(big.Int).Sub(release, protocolFee)
	net.Sub(net, referrerFee)

	s := Settlement{
		IntentHash:  in.Hash,
		Release:     new(big.Int).Set(release),
		ProtocolFee: protocolFee,
		ReferrerFee: referrerFee,
		Net:         net,
		Destination: in.To,
	}
	var h hook.Hook
	if in.PostIntentHook != (common.Address{}) {
		var err error
		if h, err = prm.hooks.Hook(in.PostIntentHook); err != nil {
			return Settlement{}, err
		}
		s.Destination = in.PostIntentHook
	}

	if err := tx.DeleteIntent(ctx, in.Hash); err != nil {
		return Settlement{}, err
	}
	if referrerFee.Sign() > 0 {
		if err := prm.escrow.RecordReferrerFee(ctx, o.address, in.DepositID, referrerFee); err != nil {
			return Settlement{}, err
		}
	}
	o.emit(tx, events.IntentFulfilled, map[string]any{
		"intentHash":      in.Hash.Hex(),
		"depositId":       in.DepositID,
		"owner":           in.Owner.Hex(),
		"to":              s.Destination.Hex(),
		"amount":          release.String(),
		"protocolFee":     protocolFee.String(),
		"referrerFee":     referrerFee.String(),
		"netAmount":       net.String(),
		"isManualRelease": manual,
	})

	if err := prm.escrow.UnlockAndTransferFunds(ctx, o.address, in.DepositID, in.Hash, release, o.address); err != nil {
		return Settlement{}, err
	}

	tok, err := o.tokens.Token(tokenAddr)
	if err != nil {
		return Settlement{}, err
	}
	if protocolFee.Sign() > 0 {
		if err := tok.Transfer(ctx, o.address, prm.feeRecipient, protocolFee); err != nil {
			return Settlement{}, fmt.Errorf("pay protocol fee: %w", err)
		}
	}
	if referrerFee.Sign() > 0 {
		if err := tok.Transfer(ctx, o.address, in.Referrer, referrerFee); err != nil {
			return Settlement{}, fmt.Errorf("pay referrer fee: %w", err)
		}
	}
	if net.Sign() > 0 {
		if err := tok.Transfer(ctx, o.address, s.Destination, net); err != nil {
			return Settlement{}, fmt.Errorf("pay out intent: %w", err)
		}
	}
	if h != nil {
		err := h.Execute(ledger.Seal(ctx), hook.Execution{Intent: *in, Token: tokenAddr, Amount: net, Data: hookData})
		if err != nil {
			return Settlement{}, fmt.Errorf("post intent hook %s: %w", in.PostIntentHook.Hex(), err)
		}
	}
	return s, nil
}
