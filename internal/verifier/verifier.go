package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// VerifyPaymentData is what the orchestrator hands a verifier alongside the proof.
type VerifyPaymentData struct {
	IntentHash      common.Hash
	IntentAmount    *big.Int
	IntentTimestamp time.Time
	PayeeDetails    common.Hash
	FiatCurrency    common.Hash
	ConversionRate  *big.Int
	DepositData     []byte
	Proof           []byte
}

// Result is a verifier's verdict: which intent the proof pays and how much
// of the intent's amount it releases.
type Result struct {
	Success       bool
	IntentHash    common.Hash
	ReleaseAmount *big.Int
}

// PaymentVerifier checks an off-chain payment proof for one payment method.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, data VerifyPaymentData) (Result, error)
}

// Func adapts a function to PaymentVerifier.
type Func func(ctx context.Context, data VerifyPaymentData) (Result, error)

func (f Func) VerifyPayment(ctx context.Context, data VerifyPaymentData) (Result, error) {
	return f(ctx, data)
}

// FakeProof is the proof format understood by Fake.
type FakeProof struct {
	IntentHash    common.Hash `json:"intentHash"`
	ReleaseAmount string      `json:"releaseAmount"`
}

// Fake trusts whatever the proof claims. It stands in for a real proof
// scheme in local runs and tests.
type Fake struct{}

func (Fake) VerifyPayment(_ context.Context, data VerifyPaymentData) (Result, error) {
	var proof FakeProof
	if err := json.Unmarshal(data.Proof, &proof); err != nil {
		return Result{}, fmt.Errorf("decode fake proof: %w", err)
	}
	amount, ok := new(big.Int).SetString(proof.ReleaseAmount, 10)
	if !ok {
		return Result{}, fmt.Errorf("invalid release amount %q", proof.ReleaseAmount)
	}
	return Result{Success: true, IntentHash: proof.IntentHash, ReleaseAmount: amount}, nil
}

// EncodeFakeProof builds a proof Fake accepts.
func EncodeFakeProof(intentHash common.Hash, releaseAmount *big.Int) []byte {
	b, _ := json.Marshal(FakeProof{IntentHash: intentHash, ReleaseAmount: releaseAmount.String()})
	return b
}
