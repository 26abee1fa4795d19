package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2pramp/internal/escrow"
	"p2pramp/internal/events"
	"p2pramp/internal/gating"
	"p2pramp/internal/hook"
	"p2pramp/internal/ledger"
	"p2pramp/internal/registry"
	"p2pramp/internal/token"
	"p2pramp/internal/verifier"
)

var (
	owner             = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	escrowAddr        = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	orchAddr          = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	makerFeeRecipient = common.HexToAddress("0x0000000000000000000000000000000000000a04")
	protocolRecipient = common.HexToAddress("0x0000000000000000000000000000000000000a05")
	depositor         = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	taker             = common.HexToAddress("0x0000000000000000000000000000000000000c01")
	taker2            = common.HexToAddress("0x0000000000000000000000000000000000000c02")
	taker3            = common.HexToAddress("0x0000000000000000000000000000000000000c03")
	referrer          = common.HexToAddress("0x0000000000000000000000000000000000000c04")
	relayer           = common.HexToAddress("0x0000000000000000000000000000000000000c05")
	hookAddr          = common.HexToAddress("0x0000000000000000000000000000000000000e01")
	finalDest         = common.HexToAddress("0x0000000000000000000000000000000000000e02")
	usdc              = common.HexToAddress("0x0000000000000000000000000000000000000d01")

	venmo   = ledger.PaymentMethodID("venmo")
	revolut = ledger.PaymentMethodID("revolut")
	wise    = ledger.PaymentMethodID("wise")
	usd     = ledger.CurrencyCode("USD")
	eur     = ledger.CurrencyCode("EUR")

	onePercent = new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil)
	unitRate   = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	chainID    = big.NewInt(8453)
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	orch     *Orchestrator
	escrow   *escrow.Escrow
	bank     *token.Bank
	events   *events.Recorder
	clock    *testClock
	relayers *registry.Whitelist
	hooks    *hook.Registry
	gateKey  *ecdsa.PrivateKey
	deposit  uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	bank := token.NewBank()
	bank.Mint(usdc, depositor, big.NewInt(1_000_000_000))
	bank.Approve(usdc, depositor, escrowAddr, big.NewInt(1_000_000_000))

	verifiers := registry.NewPaymentVerifiers()
	require.NoError(t, verifiers.AddPaymentMethod(venmo, verifier.Fake{}, []common.Hash{usd, eur}))
	require.NoError(t, verifiers.AddPaymentMethod(revolut, verifier.Fake{}, []common.Hash{eur}))
	require.NoError(t, verifiers.AddPaymentMethod(wise, verifier.Fake{}, []common.Hash{usd}))

	hooks := hook.NewRegistry()
	hooks.Register(hookAddr, &hook.Forwarder{Account: hookAddr, Tokens: bank})
	relayers := registry.NewWhitelist(relayer)

	store := ledger.NewMemoryStore()
	rec := &events.Recorder{}
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}

	esc, err := escrow.New(escrow.Config{
		Address:                escrowAddr,
		Owner:                  owner,
		FeeRecipient:           makerFeeRecipient,
		MakerProtocolFee:       onePercent,
		DustThreshold:          big.NewInt(1_000_000),
		IntentExpirationPeriod: time.Hour,
		MaxIntentsPerDeposit:   2,
		Now:                    clock.Now,
	}, store, bank, verifiers, rec, zap.NewNop())
	require.NoError(t, err)

	orch, err := New(Config{
		Address:              orchAddr,
		Owner:                owner,
		ProtocolFee:          onePercent,
		ProtocolFeeRecipient: protocolRecipient,
		ChainID:              chainID,
		Now:                  clock.Now,
	}, store, esc, bank, Registries{Verifiers: verifiers, Hooks: hooks, Relayers: relayers}, rec, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, esc.SetOrchestrator(owner, orchAddr, orch))

	id, err := esc.CreateDeposit(ctx, depositor, escrow.CreateDepositParams{
		Token:             usdc,
		Amount:            big.NewInt(100_000_000),
		IntentAmountRange: ledger.Range{Min: big.NewInt(1_000_000), Max: big.NewInt(50_000_000)},
		PaymentMethods:    []common.Hash{venmo, revolut},
		PaymentMethodData: []ledger.PaymentMethodData{
			{IntentGatingService: crypto.PubkeyToAddress(key.PublicKey), PayeeDetails: common.HexToHash("0x01")},
			{PayeeDetails: common.HexToHash("0x02")},
		},
		Currencies: [][]ledger.Currency{
			{{Code: usd, MinConversionRate: unitRate}},
			{{Code: eur, MinConversionRate: big.NewInt(9e17)}},
		},
	})
	require.NoError(t, err)

	return &fixture{
		orch:     orch,
		escrow:   esc,
		bank:     bank,
		events:   rec,
		clock:    clock,
		relayers: relayers,
		hooks:    hooks,
		gateKey:  key,
		deposit:  id,
	}
}

// params returns signed venmo/USD terms for amount paid out to taker.
func (f *fixture) params(t *testing.T, amount int64) SignalIntentParams {
	t.Helper()
	p := SignalIntentParams{
		DepositID:           f.deposit,
		Amount:              big.NewInt(amount),
		To:                  taker,
		PaymentMethod:       venmo,
		FiatCurrency:        usd,
		ConversionRate:      unitRate,
		SignatureExpiration: f.clock.Now().Add(10 * time.Minute),
	}
	f.sign(t, &p)
	return p
}

func (f *fixture) sign(t *testing.T, p *SignalIntentParams) {
	t.Helper()
	sig, err := gating.Sign(f.gateKey, f.orch.GatingTerms(*p))
	require.NoError(t, err)
	p.GatingSignature = sig
}

func (f *fixture) signal(t *testing.T, caller common.Address, amount int64) common.Hash {
	t.Helper()
	h, err := f.orch.SignalIntent(context.Background(), caller, f.params(t, amount))
	require.NoError(t, err)
	return h
}

func (f *fixture) depositState(t *testing.T) *ledger.Deposit {
	t.Helper()
	d, err := f.escrow.Deposit(context.Background(), f.deposit)
	require.NoError(t, err)
	return d
}

// requireCustody checks that the escrow holds exactly what the deposit
// accounts for and that the orchestrator keeps nothing between calls.
func (f *fixture) requireCustody(t *testing.T) {
	t.Helper()
	d := f.depositState(t)
	want := new(big.Int).Add(d.RemainingDeposits, d.OutstandingIntentAmount)
	want.Add(want, d.ReservedMakerFees)
	require.Equal(t, want.String(), f.bank.Balance(usdc, escrowAddr).String())
	requireAmount(t, 0, f.bank.Balance(usdc, orchAddr))
}

func requireAmount(t *testing.T, want int64, got *big.Int) {
	t.Helper()
	require.Equal(t, big.NewInt(want).String(), got.String())
}

func TestSignalAndFulfillDistributesFees(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.params(t, 50_000_000)
	p.Referrer = referrer
	p.ReferrerFee = onePercent
	hash, err := f.orch.SignalIntent(ctx, taker, p)
	require.NoError(t, err)
	require.Equal(t, ledger.IntentHash(orchAddr, 0), hash)

	in, err := f.orch.Intent(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, taker, in.Owner)
	require.Equal(t, escrowAddr, in.Escrow)
	requireAmount(t, 50_000_000, in.Amount)
	requireAmount(t, 50_000_000, f.depositState(t).OutstandingIntentAmount)

	s, err := f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(50_000_000)), nil)
	require.NoError(t, err)
	requireAmount(t, 500_000, s.ProtocolFee)
	requireAmount(t, 500_000, s.ReferrerFee)
	requireAmount(t, 49_000_000, s.Net)
	require.Equal(t, taker, s.Destination)

	requireAmount(t, 49_000_000, f.bank.Balance(usdc, taker))
	requireAmount(t, 500_000, f.bank.Balance(usdc, protocolRecipient))
	requireAmount(t, 500_000, f.bank.Balance(usdc, referrer))
	requireAmount(t, 0, f.bank.Balance(usdc, orchAddr))
	requireAmount(t, 50_000_000, f.bank.Balance(usdc, escrowAddr))

	d := f.depositState(t)
	requireAmount(t, 49_000_000, d.RemainingDeposits)
	requireAmount(t, 0, d.OutstandingIntentAmount)
	requireAmount(t, 500_000, d.AccruedMakerFees)
	requireAmount(t, 500_000, d.AccruedReferrerFees)

	_, err = f.orch.Intent(ctx, hash)
	require.ErrorIs(t, err, ledger.ErrIntentNotFound)
	intents, err := f.orch.AccountIntents(ctx, taker)
	require.NoError(t, err)
	require.Empty(t, intents)

	fulfilled := f.events.OfType(events.IntentFulfilled)
	require.Len(t, fulfilled, 1)
	require.Equal(t, false, fulfilled[0].Payload["isManualRelease"])
	require.Len(t, f.events.OfType(events.IntentSignaled), 1)
}

func TestSignalIntentValidation(t *testing.T) {
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(f *fixture, p *SignalIntentParams)
		want   error
	}{
		{"zero amount", func(f *fixture, p *SignalIntentParams) { p.Amount = big.NewInt(0) }, ledger.ErrZeroValue},
		{"zero recipient", func(f *fixture, p *SignalIntentParams) { p.To = common.Address{} }, ledger.ErrZeroAddress},
		{"above max", func(f *fixture, p *SignalIntentParams) {
			p.Amount = big.NewInt(50_000_001)
			f.sign(t, p)
		}, ledger.ErrAmountAboveMax},
		{"rate below min", func(f *fixture, p *SignalIntentParams) {
			p.ConversionRate = new(big.Int).Sub(unitRate, big.NewInt(1))
			f.sign(t, p)
		}, ledger.ErrRateBelowMinimum},
		{"currency not on deposit", func(f *fixture, p *SignalIntentParams) { p.FiatCurrency = eur }, ledger.ErrCurrencyNotSupported},
		{"method not on deposit", func(f *fixture, p *SignalIntentParams) { p.PaymentMethod = wise }, ledger.ErrPaymentMethodNotSupported},
		{"method not whitelisted", func(f *fixture, p *SignalIntentParams) {
			p.PaymentMethod = ledger.PaymentMethodID("zelle")
		}, ledger.ErrPaymentMethodNotWhitelisted},
		{"unknown deposit", func(f *fixture, p *SignalIntentParams) { p.DepositID = 42 }, ledger.ErrDepositNotFound},
		{"missing signature", func(f *fixture, p *SignalIntentParams) { p.GatingSignature = nil }, ledger.ErrInvalidSignature},
		{"wrong signer", func(f *fixture, p *SignalIntentParams) {
			sig, err := gating.Sign(other, f.orch.GatingTerms(*p))
			require.NoError(t, err)
			p.GatingSignature = sig
		}, ledger.ErrInvalidSignature},
		{"tampered terms", func(f *fixture, p *SignalIntentParams) { p.Amount = big.NewInt(20_000_000) }, ledger.ErrInvalidSignature},
		{"expired signature", func(f *fixture, p *SignalIntentParams) {
			p.SignatureExpiration = f.clock.Now()
			f.sign(t, p)
		}, ledger.ErrSignatureExpired},
		{"hook not whitelisted", func(f *fixture, p *SignalIntentParams) { p.PostIntentHook = finalDest }, ledger.ErrHookNotWhitelisted},
		{"referrer fee without referrer", func(f *fixture, p *SignalIntentParams) { p.ReferrerFee = onePercent }, ledger.ErrInvalidReferrerFee},
		{"referrer fee above max", func(f *fixture, p *SignalIntentParams) {
			p.Referrer = referrer
			p.ReferrerFee = new(big.Int).Add(ledger.MaxReferrerFee, big.NewInt(1))
		}, ledger.ErrFeeExceedsMaximum},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			p := f.params(t, 10_000_000)
			tc.mutate(f, &p)

			_, err := f.orch.SignalIntent(context.Background(), taker, p)
			require.ErrorIs(t, err, tc.want)

			d := f.depositState(t)
			requireAmount(t, 0, d.OutstandingIntentAmount)
			require.Empty(t, d.Intents)
			require.Empty(t, f.events.OfType(events.IntentSignaled))
		})
	}
}

func TestSignalWithoutGatingServiceSkipsSignature(t *testing.T) {
	f := newFixture(t)
	hash, err := f.orch.SignalIntent(context.Background(), taker, SignalIntentParams{
		DepositID:      f.deposit,
		Amount:         big.NewInt(5_000_000),
		To:             taker,
		PaymentMethod:  revolut,
		FiatCurrency:   eur,
		ConversionRate: big.NewInt(95e16),
	})
	require.NoError(t, err)
	require.Contains(t, f.depositState(t).Intents, hash)
}

func TestSingleActiveIntentPerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.signal(t, taker, 10_000_000)
	_, err := f.orch.SignalIntent(ctx, taker, f.params(t, 10_000_000))
	require.ErrorIs(t, err, ledger.ErrAccountHasActiveIntent)

	// Relayers are exempt.
	f.signal(t, relayer, 10_000_000)
	f.relayers.Remove(relayer)
	_, err = f.orch.SignalIntent(ctx, relayer, f.params(t, 10_000_000))
	require.ErrorIs(t, err, ledger.ErrAccountHasActiveIntent)

	// Once the first intent expires it is pruned and the account is free again.
	f.clock.Advance(time.Hour)
	second := f.signal(t, taker, 10_000_000)
	require.NotEqual(t, first, second)

	_, err = f.orch.Intent(ctx, first)
	require.ErrorIs(t, err, ledger.ErrIntentNotFound)
	require.Len(t, f.events.OfType(events.IntentPruned), 2)

	intents, err := f.orch.AccountIntents(ctx, taker)
	require.NoError(t, err)
	require.Len(t, intents, 1)
	require.Equal(t, second, intents[0].Hash)

	d := f.depositState(t)
	require.Equal(t, []common.Hash{second}, d.IntentHashes())
	requireAmount(t, 10_000_000, d.OutstandingIntentAmount)
	requireAmount(t, 89_000_000, d.RemainingDeposits)
}

func TestAllowMultipleIntents(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.orch.SetAllowMultipleIntents(taker, true), ledger.ErrUnauthorizedCaller)
	require.NoError(t, f.orch.SetAllowMultipleIntents(owner, true))

	f.signal(t, taker, 10_000_000)
	f.signal(t, taker, 10_000_000)
	intents, err := f.orch.AccountIntents(context.Background(), taker)
	require.NoError(t, err)
	require.Len(t, intents, 2)
}

func TestMaxIntentsThenCancelThenResignal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.signal(t, taker, 10_000_000)
	f.signal(t, taker2, 10_000_000)
	_, err := f.orch.SignalIntent(ctx, taker3, f.params(t, 10_000_000))
	require.ErrorIs(t, err, ledger.ErrMaxIntentsExceeded)

	require.ErrorIs(t, f.orch.CancelIntent(ctx, taker2, first), ledger.ErrUnauthorizedCaller)
	require.NoError(t, f.orch.CancelIntent(ctx, taker, first))
	require.ErrorIs(t, f.orch.CancelIntent(ctx, taker, first), ledger.ErrIntentNotFound)

	third := f.signal(t, taker3, 10_000_000)
	d := f.depositState(t)
	require.Contains(t, d.Intents, third)
	require.NotContains(t, d.Intents, first)
	requireAmount(t, 20_000_000, d.OutstandingIntentAmount)
	require.Len(t, f.events.OfType(events.IntentCancelled), 1)
}

func TestFulfillRejectsBadProofs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 10_000_000)

	_, err := f.orch.FulfillIntent(ctx, hash, []byte("not a proof"), nil)
	require.ErrorIs(t, err, ledger.ErrPaymentVerificationFailed)

	_, err = f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(common.HexToHash("0x99"), big.NewInt(10_000_000)), nil)
	require.ErrorIs(t, err, ledger.ErrHashMismatch)

	_, err = f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(10_000_001)), nil)
	require.ErrorIs(t, err, ledger.ErrAmountExceedsAvailable)

	_, err = f.orch.FulfillIntent(ctx, common.HexToHash("0x1234"), verifier.EncodeFakeProof(hash, big.NewInt(1)), nil)
	require.ErrorIs(t, err, ledger.ErrIntentNotFound)

	in, err := f.orch.Intent(ctx, hash)
	require.NoError(t, err)
	requireAmount(t, 10_000_000, in.Amount)
	requireAmount(t, 0, f.bank.Balance(usdc, taker))
}

func TestFulfillRejectsFailedVerification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 10_000_000)

	failing := registry.NewPaymentVerifiers()
	require.NoError(t, failing.AddPaymentMethod(venmo, verifier.Func(func(context.Context, verifier.VerifyPaymentData) (verifier.Result, error) {
		return verifier.Result{Success: false, IntentHash: hash, ReleaseAmount: big.NewInt(10_000_000)}, nil
	}), []common.Hash{usd}))
	require.NoError(t, f.orch.SetPaymentVerifierRegistry(owner, failing))

	_, err := f.orch.FulfillIntent(ctx, hash, nil, nil)
	require.ErrorIs(t, err, ledger.ErrPaymentVerificationFailed)
}

func TestFulfillPassesIntentMetadataToVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 10_000_000)

	var got verifier.VerifyPaymentData
	capture := registry.NewPaymentVerifiers()
	require.NoError(t, capture.AddPaymentMethod(venmo, verifier.Func(func(_ context.Context, data verifier.VerifyPaymentData) (verifier.Result, error) {
		got = data
		return verifier.Result{Success: true, IntentHash: data.IntentHash, ReleaseAmount: big.NewInt(4_000_000)}, nil
	}), []common.Hash{usd}))
	require.NoError(t, f.orch.SetPaymentVerifierRegistry(owner, capture))

	s, err := f.orch.FulfillIntent(ctx, hash, []byte("proof"), nil)
	require.NoError(t, err)
	requireAmount(t, 4_000_000, s.Release)

	require.Equal(t, hash, got.IntentHash)
	requireAmount(t, 10_000_000, got.IntentAmount)
	require.Equal(t, common.HexToHash("0x01"), got.PayeeDetails)
	require.Equal(t, usd, got.FiatCurrency)
	require.Equal(t, []byte("proof"), got.Proof)

	// The unreleased 6e6 returns to the deposit.
	d := f.depositState(t)
	requireAmount(t, 95_000_000, d.RemainingDeposits)
	requireAmount(t, 0, d.OutstandingIntentAmount)
}

func TestFulfillThroughPostIntentHook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := f.params(t, 20_000_000)
	p.PostIntentHook = hookAddr
	hash, err := f.orch.SignalIntent(ctx, taker, p)
	require.NoError(t, err)

	s, err := f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(20_000_000)), finalDest.Bytes())
	require.NoError(t, err)
	require.Equal(t, hookAddr, s.Destination)

	requireAmount(t, 19_800_000, f.bank.Balance(usdc, finalDest))
	requireAmount(t, 0, f.bank.Balance(usdc, hookAddr))
	requireAmount(t, 0, f.bank.Balance(usdc, taker))
	requireAmount(t, 200_000, f.bank.Balance(usdc, protocolRecipient))
}

func TestFailedPayoutRollsBackSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 10_000_000)
	f.bank.Block(taker)

	_, err := f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(10_000_000)), nil)
	require.ErrorIs(t, err, token.ErrTransferRejected)

	_, err = f.orch.Intent(ctx, hash)
	require.NoError(t, err)
	d := f.depositState(t)
	require.Contains(t, d.Intents, hash)
	requireAmount(t, 89_000_000, d.RemainingDeposits)
	requireAmount(t, 10_000_000, d.OutstandingIntentAmount)
	requireAmount(t, 0, d.AccruedMakerFees)
	require.Empty(t, f.events.OfType(events.IntentFulfilled))

	requireAmount(t, 100_000_000, f.bank.Balance(usdc, escrowAddr))
	requireAmount(t, 0, f.bank.Balance(usdc, protocolRecipient))
	requireAmount(t, 0, f.bank.Balance(usdc, taker))
	f.requireCustody(t)

	// Once the receiver accepts transfers again the same intent settles once.
	f.bank.Unblock(taker)
	_, err = f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(10_000_000)), nil)
	require.NoError(t, err)
	requireAmount(t, 9_900_000, f.bank.Balance(usdc, taker))
	requireAmount(t, 100_000, f.bank.Balance(usdc, protocolRecipient))
	f.requireCustody(t)
}

// signalingHook tries to open a new intent from inside a settlement.
type signalingHook struct {
	orch   *Orchestrator
	params SignalIntentParams
}

func (h *signalingHook) Execute(ctx context.Context, _ hook.Execution) error {
	_, err := h.orch.SignalIntent(ctx, taker2, h.params)
	return err
}

func TestHookCannotReenterSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reentrant := common.HexToAddress("0x0000000000000000000000000000000000000e03")
	p := f.params(t, 5_000_000)
	p.To = taker2
	f.sign(t, &p)
	f.hooks.Register(reentrant, &signalingHook{orch: f.orch, params: p})

	first := f.params(t, 10_000_000)
	first.PostIntentHook = reentrant
	f.sign(t, &first)
	hash, err := f.orch.SignalIntent(ctx, taker, first)
	require.NoError(t, err)

	_, err = f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(10_000_000)), nil)
	require.ErrorIs(t, err, ledger.ErrReadOnlyTx)

	d := f.depositState(t)
	require.Len(t, d.Intents, 1)
	require.Contains(t, d.Intents, hash)
	requireAmount(t, 0, f.bank.Balance(usdc, reentrant))
	f.requireCustody(t)
}

func TestReleaseFundsToPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 50_000_000)
	require.NoError(t, f.orch.Pause(owner))

	_, err := f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(1)), nil)
	require.ErrorIs(t, err, ledger.ErrPaused)
	_, err = f.orch.ReleaseFundsToPayer(ctx, taker, hash, big.NewInt(20_000_000), nil)
	require.ErrorIs(t, err, ledger.ErrUnauthorizedCaller)
	_, err = f.orch.ReleaseFundsToPayer(ctx, depositor, hash, big.NewInt(50_000_001), nil)
	require.ErrorIs(t, err, ledger.ErrAmountExceedsAvailable)

	s, err := f.orch.ReleaseFundsToPayer(ctx, depositor, hash, big.NewInt(20_000_000), nil)
	require.NoError(t, err)
	requireAmount(t, 19_800_000, s.Net)
	requireAmount(t, 19_800_000, f.bank.Balance(usdc, taker))

	d := f.depositState(t)
	requireAmount(t, 79_000_000, d.RemainingDeposits)
	requireAmount(t, 200_000, d.AccruedMakerFees)

	released := f.events.OfType(events.IntentFulfilled)
	require.Len(t, released, 1)
	require.Equal(t, true, released[0].Payload["isManualRelease"])
}

func TestCancelAllowedWhilePaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 10_000_000)

	require.NoError(t, f.orch.Pause(owner))
	require.NoError(t, f.escrow.Pause(owner))
	_, err := f.orch.SignalIntent(ctx, taker2, f.params(t, 10_000_000))
	require.ErrorIs(t, err, ledger.ErrPaused)

	require.NoError(t, f.orch.CancelIntent(ctx, taker, hash))
	d := f.depositState(t)
	requireAmount(t, 99_000_000, d.RemainingDeposits)
	require.Empty(t, d.Intents)
}

func TestPruneIntentsIsEscrowOnlyAndTolerant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 10_000_000)

	err := f.orch.PruneIntents(ctx, taker, []common.Hash{hash})
	require.ErrorIs(t, err, ledger.ErrUnauthorizedCaller)

	require.NoError(t, f.orch.PruneIntents(ctx, escrowAddr, []common.Hash{{}, common.HexToHash("0x77"), hash}))
	require.NoError(t, f.orch.PruneIntents(ctx, escrowAddr, []common.Hash{hash}))
	_, err = f.orch.Intent(ctx, hash)
	require.ErrorIs(t, err, ledger.ErrIntentNotFound)
	require.Len(t, f.events.OfType(events.IntentPruned), 1)
}

func TestDepositReferrerTermsApplyWhenIntentHasNone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.escrow.CreateDeposit(ctx, depositor, escrow.CreateDepositParams{
		Token:             usdc,
		Amount:            big.NewInt(50_000_000),
		IntentAmountRange: ledger.Range{Min: big.NewInt(1_000_000), Max: big.NewInt(40_000_000)},
		PaymentMethods:    []common.Hash{revolut},
		PaymentMethodData: []ledger.PaymentMethodData{{PayeeDetails: common.HexToHash("0x03")}},
		Currencies:        [][]ledger.Currency{{{Code: eur, MinConversionRate: unitRate}}},
		Referrer:          referrer,
		ReferrerFee:       new(big.Int).Mul(onePercent, big.NewInt(2)),
	})
	require.NoError(t, err)

	hash, err := f.orch.SignalIntent(ctx, taker, SignalIntentParams{
		DepositID:      id,
		Amount:         big.NewInt(10_000_000),
		To:             taker,
		PaymentMethod:  revolut,
		FiatCurrency:   eur,
		ConversionRate: unitRate,
	})
	require.NoError(t, err)

	in, err := f.orch.Intent(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, referrer, in.Referrer)

	s, err := f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(10_000_000)), nil)
	require.NoError(t, err)
	requireAmount(t, 200_000, s.ReferrerFee)
	requireAmount(t, 200_000, f.bank.Balance(usdc, referrer))
}

func TestFulfillingLastIntentClosesWithdrawnDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hash := f.signal(t, taker, 40_000_000)

	require.NoError(t, f.escrow.WithdrawDeposit(ctx, depositor, f.deposit))
	_, err := f.orch.FulfillIntent(ctx, hash, verifier.EncodeFakeProof(hash, big.NewInt(40_000_000)), nil)
	require.NoError(t, err)

	_, err = f.escrow.Deposit(ctx, f.deposit)
	require.ErrorIs(t, err, ledger.ErrDepositNotFound)
	requireAmount(t, 400_000, f.bank.Balance(usdc, makerFeeRecipient))
	requireAmount(t, 0, f.bank.Balance(usdc, escrowAddr))
	requireAmount(t, 0, f.bank.Balance(usdc, orchAddr))
	require.Len(t, f.events.OfType(events.DepositClosed), 1)
}

func TestGovernance(t *testing.T) {
	f := newFixture(t)

	require.ErrorIs(t, f.orch.SetProtocolFee(taker, onePercent), ledger.ErrUnauthorizedCaller)
	require.ErrorIs(t, f.orch.SetProtocolFee(owner, new(big.Int).Add(ledger.MaxProtocolFee, big.NewInt(1))), ledger.ErrFeeExceedsMaximum)
	require.NoError(t, f.orch.SetProtocolFee(owner, big.NewInt(0)))
	require.ErrorIs(t, f.orch.SetProtocolFeeRecipient(owner, common.Address{}), ledger.ErrZeroAddress)
	require.NoError(t, f.orch.SetProtocolFeeRecipient(owner, referrer))
	require.NoError(t, f.orch.SetRelayerRegistry(owner, registry.NewWhitelist()))
	require.NoError(t, f.orch.SetPostIntentHookRegistry(owner, hook.NewRegistry()))
	require.NoError(t, f.orch.SetEscrow(owner, f.escrow))

	p := f.orch.Params()
	require.Equal(t, "0", p.ProtocolFee.String())
	require.Equal(t, referrer, p.ProtocolFeeRecipient)
	require.Equal(t, escrowAddr, p.Escrow)
	require.False(t, p.Paused)
	require.Len(t, f.events.OfType(events.OrchestratorParamsUpdated), 5)

	_, err := New(Config{Address: orchAddr, Owner: owner, ProtocolFee: onePercent}, ledger.NewMemoryStore(), f.escrow, f.bank,
		Registries{Verifiers: registry.NewPaymentVerifiers(), Hooks: hook.NewRegistry(), Relayers: registry.NewWhitelist()}, nil, zap.NewNop())
	require.ErrorIs(t, err, ledger.ErrZeroAddress)
}
