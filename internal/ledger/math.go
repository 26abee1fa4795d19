package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PreciseUnit is the fixed-point scale for fee rates and conversion rates (1e18 == 100%).
var PreciseUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	// MaxMakerFee, MaxProtocolFee and MaxReferrerFee cap the respective rates at 5%.
	MaxMakerFee    = new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	MaxProtocolFee = new(big.Int).Set(MaxMakerFee)
	MaxReferrerFee = new(big.Int).Set(MaxMakerFee)
	// MaxDustThreshold is expressed in token base units.
	MaxDustThreshold = big.NewInt(1_000_000)
)

// circomField is the BN254 scalar field; intent hashes are reduced into it so
// that proof circuits can take them as a single field element.
var circomField, _ = new(big.Int).SetString("21888242871839275222246405745257275088548364400416034343698204186575808495617", 10)

// MulPrecise returns a * rate / PreciseUnit, rounded down.
func MulPrecise(a, rate *big.Int) *big.Int {
	if a == nil || rate == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, rate)
	return out.Quo(out, PreciseUnit)
}

// IntentHash derives the hash for the nonce-th intent signaled by orchestrator.
func IntentHash(orchestrator common.Address, nonce uint64) common.Hash {
	counter := new(big.Int).SetUint64(nonce)
	h := crypto.Keccak256(orchestrator.Bytes(), common.LeftPadBytes(counter.Bytes(), 32))
	reduced := new(big.Int).SetBytes(h)
	reduced.Mod(reduced, circomField)
	return common.BigToHash(reduced)
}

// PaymentMethodID is the identifier stored for a payment method name such as "venmo".
func PaymentMethodID(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// CurrencyCode is the identifier stored for an ISO currency code such as "USD".
func CurrencyCode(code string) common.Hash {
	return crypto.Keccak256Hash([]byte(code))
}

// PayeeDetailsHash commits to off-chain payee details (a handle, IBAN or
// similar) without storing them.
func PayeeDetailsHash(details string) common.Hash {
	return crypto.Keccak256Hash([]byte(details))
}

func isZero(v *big.Int) bool { return v == nil || v.Sign() == 0 }

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
