package ledger

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Range bounds the amount of any single intent against a deposit, inclusive.
type Range struct {
	Min *big.Int `json:"min"`
	Max *big.Int `json:"max"`
}

func (r Range) Validate() error {
	if isZero(r.Min) {
		return fmt.Errorf("%w: intent range min", ErrZeroValue)
	}
	if r.Max == nil || r.Min.Cmp(r.Max) > 0 {
		return fmt.Errorf("%w: min %s > max %s", ErrInvalidRange, r.Min, r.Max)
	}
	return nil
}

// Check reports whether amount lies within [Min, Max].
func (r Range) Check(amount *big.Int) error {
	if amount.Cmp(r.Min) < 0 {
		return fmt.Errorf("%w: %s < %s", ErrAmountBelowMin, amount, r.Min)
	}
	if amount.Cmp(r.Max) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrAmountAboveMax, amount, r.Max)
	}
	return nil
}

// PaymentMethodData is a deposit's configuration for one payment method.
type PaymentMethodData struct {
	IntentGatingService common.Address `json:"intentGatingService"`
	PayeeDetails        common.Hash    `json:"payeeDetails"`
	Data                []byte         `json:"data,omitempty"`
	Active              bool           `json:"active"`
}

// Currency pairs a currency code with the lowest conversion rate the depositor accepts.
type Currency struct {
	Code              common.Hash `json:"code"`
	MinConversionRate *big.Int    `json:"minConversionRate"`
}

// Lock is the escrow-side record of liquidity held for one live intent.
type Lock struct {
	IntentHash common.Hash `json:"intentHash"`
	Amount     *big.Int    `json:"amount"`
	Timestamp  time.Time   `json:"timestamp"`
	ExpiryTime time.Time   `json:"expiryTime"`
}

func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiryTime.After(now)
}

type Deposit struct {
	ID                      uint64         `json:"id"`
	Depositor               common.Address `json:"depositor"`
	Delegate                common.Address `json:"delegate"`
	Token                   common.Address `json:"token"`
	Amount                  *big.Int       `json:"amount"`
	IntentAmountRange       Range          `json:"intentAmountRange"`
	AcceptingIntents        bool           `json:"acceptingIntents"`
	RemainingDeposits       *big.Int       `json:"remainingDeposits"`
	OutstandingIntentAmount *big.Int       `json:"outstandingIntentAmount"`
	MakerProtocolFee        *big.Int       `json:"makerProtocolFee"`
	ReservedMakerFees       *big.Int       `json:"reservedMakerFees"`
	AccruedMakerFees        *big.Int       `json:"accruedMakerFees"`
	AccruedReferrerFees     *big.Int       `json:"accruedReferrerFees"`
	IntentGuardian          common.Address `json:"intentGuardian"`
	Referrer                common.Address `json:"referrer"`
	ReferrerFee             *big.Int       `json:"referrerFee"`

	PaymentMethods map[common.Hash]*PaymentMethodData       `json:"paymentMethods"`
	Currencies     map[common.Hash]map[common.Hash]*big.Int `json:"currencies"`
	Intents        map[common.Hash]*Lock                    `json:"intents"`
}

// UnearnedMakerFees is the reserved fee headroom not yet accrued.
func (d *Deposit) UnearnedMakerFees() *big.Int {
	out := new(big.Int).Sub(d.ReservedMakerFees, d.AccruedMakerFees)
	if out.Sign() < 0 {
		return new(big.Int)
	}
	return out
}

// MinConversionRate returns the rate configured for method/currency, or nil.
func (d *Deposit) MinConversionRate(method, currency common.Hash) *big.Int {
	rates, ok := d.Currencies[method]
	if !ok {
		return nil
	}
	return rates[currency]
}

// SupportsPaymentMethod reports whether method is configured and active.
func (d *Deposit) SupportsPaymentMethod(method common.Hash) bool {
	pm, ok := d.PaymentMethods[method]
	return ok && pm.Active
}

// ActivePaymentMethods returns the active methods in a stable order.
func (d *Deposit) ActivePaymentMethods() []common.Hash {
	out := make([]common.Hash, 0, len(d.PaymentMethods))
	for m, pm := range d.PaymentMethods {
		if pm.Active {
			out = append(out, m)
		}
	}
	sortHashes(out)
	return out
}

// CurrencyList returns the currencies configured for method ordered by code.
func (d *Deposit) CurrencyList(method common.Hash) []Currency {
	rates := d.Currencies[method]
	codes := make([]common.Hash, 0, len(rates))
	for c := range rates {
		codes = append(codes, c)
	}
	sortHashes(codes)
	out := make([]Currency, 0, len(codes))
	for _, c := range codes {
		out = append(out, Currency{Code: c, MinConversionRate: copyInt(rates[c])})
	}
	return out
}

// IntentHashes returns the live intent hashes ordered by signal time.
func (d *Deposit) IntentHashes() []common.Hash {
	locks := make([]*Lock, 0, len(d.Intents))
	for _, l := range d.Intents {
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool {
		if locks[i].Timestamp.Equal(locks[j].Timestamp) {
			return bytes.Compare(locks[i].IntentHash[:], locks[j].IntentHash[:]) < 0
		}
		return locks[i].Timestamp.Before(locks[j].Timestamp)
	})
	out := make([]common.Hash, len(locks))
	for i, l := range locks {
		out[i] = l.IntentHash
	}
	return out
}

// Clone returns a deep copy so that staged mutations never alias committed state.
func (d *Deposit) Clone() *Deposit {
	if d == nil {
		return nil
	}
	out := *d
	out.Amount = copyInt(d.Amount)
	out.IntentAmountRange = Range{Min: copyInt(d.IntentAmountRange.Min), Max: copyInt(d.IntentAmountRange.Max)}
	out.RemainingDeposits = copyInt(d.RemainingDeposits)
	out.OutstandingIntentAmount = copyInt(d.OutstandingIntentAmount)
	out.MakerProtocolFee = copyInt(d.MakerProtocolFee)
	out.ReservedMakerFees = copyInt(d.ReservedMakerFees)
	out.AccruedMakerFees = copyInt(d.AccruedMakerFees)
	out.AccruedReferrerFees = copyInt(d.AccruedReferrerFees)
	out.ReferrerFee = copyInt(d.ReferrerFee)

	out.PaymentMethods = make(map[common.Hash]*PaymentMethodData, len(d.PaymentMethods))
	for k, v := range d.PaymentMethods {
		pm := *v
		pm.Data = append([]byte(nil), v.Data...)
		out.PaymentMethods[k] = &pm
	}
	out.Currencies = make(map[common.Hash]map[common.Hash]*big.Int, len(d.Currencies))
	for m, rates := range d.Currencies {
		cp := make(map[common.Hash]*big.Int, len(rates))
		for c, r := range rates {
			cp[c] = copyInt(r)
		}
		out.Currencies[m] = cp
	}
	out.Intents = make(map[common.Hash]*Lock, len(d.Intents))
	for k, v := range d.Intents {
		l := *v
		l.Amount = copyInt(v.Amount)
		out.Intents[k] = &l
	}
	return &out
}

// Intent is the orchestrator's record of a signaled intent.
type Intent struct {
	Hash           common.Hash    `json:"hash"`
	Nonce          uint64         `json:"nonce"`
	Owner          common.Address `json:"owner"`
	To             common.Address `json:"to"`
	Escrow         common.Address `json:"escrow"`
	DepositID      uint64         `json:"depositId"`
	Amount         *big.Int       `json:"amount"`
	Timestamp      time.Time      `json:"timestamp"`
	PaymentMethod  common.Hash    `json:"paymentMethod"`
	FiatCurrency   common.Hash    `json:"fiatCurrency"`
	ConversionRate *big.Int       `json:"conversionRate"`
	Referrer       common.Address `json:"referrer"`
	ReferrerFee    *big.Int       `json:"referrerFee"`
	PostIntentHook common.Address `json:"postIntentHook"`
	Data           []byte         `json:"data,omitempty"`
}

func (in *Intent) Clone() *Intent {
	if in == nil {
		return nil
	}
	out := *in
	out.Amount = copyInt(in.Amount)
	out.ConversionRate = copyInt(in.ConversionRate)
	out.ReferrerFee = copyInt(in.ReferrerFee)
	out.Data = append([]byte(nil), in.Data...)
	return &out
}

func sortHashes(hs []common.Hash) {
	sort.Slice(hs, func(i, j int) bool { return bytes.Compare(hs[i][:], hs[j][:]) < 0 })
}
