// Package gating encodes, signs and recovers the off-chain gating service
// approval for an intent's terms.
package gating

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"p2pramp/internal/ledger"
)

// Terms are the intent parameters a gating service signs over.
type Terms struct {
	DepositID      uint64
	Amount         *big.Int
	To             common.Address
	PaymentMethod  common.Hash
	FiatCurrency   common.Hash
	ConversionRate *big.Int
	ChainID        *big.Int
	Expiration     time.Time
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

// Digest is keccak256 over the tightly packed terms.
func Digest(t Terms) common.Hash {
	return crypto.Keccak256Hash(
		word(new(big.Int).SetUint64(t.DepositID)),
		word(t.Amount),
		t.To.Bytes(),
		t.PaymentMethod.Bytes(),
		t.FiatCurrency.Bytes(),
		word(t.ConversionRate),
		word(t.ChainID),
		word(big.NewInt(t.Expiration.Unix())),
	)
}

// Sign produces an EIP-191 personal signature over Digest(t) with v in {27, 28}.
func Sign(key *ecdsa.PrivateKey, t Terms) ([]byte, error) {
	digest := Digest(t)
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("sign gating terms: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that signed t.
func Recover(t Terms, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ledger.ErrInvalidSignature, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	digest := Digest(t)
	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ledger.ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over t was produced by signer and has not expired at now.
func Verify(t Terms, sig []byte, signer common.Address, now time.Time) error {
	if !t.Expiration.After(now) {
		return fmt.Errorf("%w: expired at %s", ledger.ErrSignatureExpired, t.Expiration.UTC().Format(time.RFC3339))
	}
	got, err := Recover(t, sig)
	if err != nil {
		return err
	}
	if got != signer {
		return fmt.Errorf("%w: recovered %s, want %s", ledger.ErrInvalidSignature, got.Hex(), signer.Hex())
	}
	return nil
}
