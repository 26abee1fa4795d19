package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"p2pramp/internal/app"
	"p2pramp/internal/config"
	"p2pramp/internal/hmacauth"
	"p2pramp/internal/idempotency"
	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

const testSecret = "test-secret"

var (
	owner             = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	feeRecipient      = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	protocolRecipient = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	escrowAddr        = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	orchAddr          = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	usdc              = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	depositor         = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	taker             = common.HexToAddress("0x00000000000000000000000000000000000000d2")
	stranger          = common.HexToAddress("0x00000000000000000000000000000000000000d3")
)

type fixture struct {
	srv     *Server
	app     *app.App
	bank    *token.Bank
	metrics *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := &config.AppConfig{
		Protocol: config.ProtocolConfig{
			PaymentMethods: []config.PaymentMethodConfig{
				{Name: "venmo", Verifier: "fake", Currencies: []string{"USD", "EUR"}},
			},
		},
		Service: config.ServiceConfig{
			HMACSecret:        testSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
		Params: config.Params{
			MakerProtocolFee:       big.NewInt(1e16),
			ProtocolFee:            big.NewInt(1e16),
			DustThreshold:          big.NewInt(1_000_000),
			IntentExpirationPeriod: time.Hour,
			MaxIntentsPerDeposit:   5,
			ChainID:                big.NewInt(31337),
			Owner:                  owner,
			Escrow:                 escrowAddr,
			Orchestrator:           orchAddr,
			Token:                  usdc,
			FeeRecipient:           feeRecipient,
			ProtocolFeeRecipient:   protocolRecipient,
		},
	}

	bank := token.NewBank()
	bank.Mint(usdc, depositor, big.NewInt(1_000_000_000))
	bank.Approve(usdc, depositor, escrowAddr, big.NewInt(1_000_000_000))

	metrics := NewMetrics()
	a, err := app.Build(cfg, ledger.NewMemoryStore(), bank, metrics, zap.NewNop())
	require.NoError(t, err)

	srv := NewServer(cfg, Deps{
		Escrow:       a.Escrow,
		Orchestrator: a.Orchestrator,
		Idempotency:  idempotency.NewMemoryStore(),
		Metrics:      metrics,
	}, zap.NewNop())
	return &fixture{srv: srv, app: a, bank: bank, metrics: metrics}
}

type call struct {
	method string
	path   string
	caller common.Address
	body   any
	key    string
	secret string
}

func (f *fixture) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if c.body != nil {
		var err error
		payload, err = json.Marshal(c.body)
		require.NoError(t, err)
	}
	secret := c.secret
	if secret == "" {
		secret = testSecret
	}

	req := httptest.NewRequest(c.method, c.path, bytes.NewReader(payload))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(hmacauth.HeaderCaller, c.caller.Hex())
	req.Header.Set(hmacauth.HeaderTimestamp, ts)
	req.Header.Set(hmacauth.HeaderSignature, hmacauth.Sign(secret, ts, c.caller, payload))
	if c.key != "" {
		req.Header.Set(headerIdempotencyKey, c.key)
	}

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func depositBody() map[string]any {
	return map[string]any{
		"token":             usdc.Hex(),
		"amount":            "100000000",
		"intentAmountRange": map[string]string{"min": "1000000", "max": "50000000"},
		"paymentMethods": []map[string]any{{
			"name":         "venmo",
			"payeeDetails": "@alice",
			"currencies": []map[string]string{
				{"code": "USD", "minConversionRate": "1"},
			},
		}},
	}
}

func (f *fixture) createDeposit(t *testing.T) depositView {
	t.Helper()
	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/deposits", caller: depositor, body: depositBody(), key: "deposit-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[depositView](t, rec)
}

func (f *fixture) signal(t *testing.T, depositID uint64, amount string) intentView {
	t.Helper()
	rec := f.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/intents",
		caller: taker,
		key:    "signal-" + amount,
		body: map[string]any{
			"depositId":      depositID,
			"amount":         amount,
			"to":             taker.Hex(),
			"paymentMethod":  "venmo",
			"fiatCurrency":   "USD",
			"conversionRate": "1.02",
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[intentView](t, rec)
}

func TestCreateDepositIsIdempotent(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, call{method: http.MethodPost, path: "/api/v1/deposits", caller: depositor, body: depositBody(), key: "k1"})
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	d := decodeBody[depositView](t, first)
	require.Equal(t, uint64(1), d.ID)
	require.Equal(t, depositor.Hex(), d.Depositor)
	require.Equal(t, "99000000", d.RemainingDeposits)
	require.Equal(t, "1000000", d.ReservedMakerFees)
	require.Equal(t, "0.01", d.MakerProtocolFee)
	require.Len(t, d.PaymentMethods, 1)
	require.Equal(t, "venmo", d.PaymentMethods[0].Method)
	require.Equal(t, ledger.PayeeDetailsHash("@alice").Hex(), d.PaymentMethods[0].PayeeDetails)
	require.Equal(t, []currencyView{{Code: "USD", MinConversionRate: "1"}}, d.PaymentMethods[0].Currencies)

	replay := f.do(t, call{method: http.MethodPost, path: "/api/v1/deposits", caller: depositor, body: depositBody(), key: "k1"})
	require.Equal(t, http.StatusCreated, replay.Code)
	require.Equal(t, "true", replay.Header().Get(headerReplayed))
	require.JSONEq(t, first.Body.String(), replay.Body.String())
	require.Equal(t, "100000000", f.bank.Balance(usdc, escrowAddr).String())

	changed := depositBody()
	changed["amount"] = "200000000"
	mismatch := f.do(t, call{method: http.MethodPost, path: "/api/v1/deposits", caller: depositor, body: changed, key: "k1"})
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)
	require.Equal(t, "idempotency", decodeBody[errorResponse](t, mismatch).Category)

	missing := f.do(t, call{method: http.MethodPost, path: "/api/v1/deposits", caller: depositor, body: depositBody()})
	require.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestSignalAndFulfillOverHTTP(t *testing.T) {
	f := newFixture(t)
	d := f.createDeposit(t)

	in := f.signal(t, d.ID, "10000000")
	require.Equal(t, ledger.IntentHash(orchAddr, 0).Hex(), in.Hash)
	require.Equal(t, "venmo", in.PaymentMethod)
	require.Equal(t, "USD", in.FiatCurrency)
	require.Equal(t, "1.02", in.ConversionRate)

	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/intents/" + in.Hash, caller: stranger})
	require.Equal(t, http.StatusOK, rec.Code)

	proof := map[string]any{"proof": map[string]string{"intentHash": in.Hash, "releaseAmount": "10000000"}}
	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/intents/" + in.Hash + "/fulfill", caller: stranger, body: proof, key: "fulfill-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decodeBody[settlementView](t, rec)
	require.Equal(t, "10000000", st.Release)
	require.Equal(t, "100000", st.ProtocolFee)
	require.Equal(t, "0", st.ReferrerFee)
	require.Equal(t, "9900000", st.Net)
	require.Equal(t, taker.Hex(), st.Destination)
	require.Equal(t, "9900000", f.bank.Balance(usdc, taker).String())
	require.Equal(t, "100000", f.bank.Balance(usdc, protocolRecipient).String())

	rec = f.do(t, call{method: http.MethodGet, path: "/api/v1/intents/" + in.Hash, caller: stranger})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/api/v1/deposits/%d", d.ID), caller: stranger})
	require.Equal(t, http.StatusOK, rec.Code)
	after := decodeBody[depositView](t, rec)
	require.Equal(t, "89000000", after.RemainingDeposits)
	require.Equal(t, "100000", after.AccruedMakerFees)
	require.Empty(t, after.Intents)
}

func TestCancelAndWithdrawOverHTTP(t *testing.T) {
	f := newFixture(t)
	d := f.createDeposit(t)
	in := f.signal(t, d.ID, "5000000")

	rec := f.do(t, call{method: http.MethodPost, path: "/api/v1/intents/" + in.Hash + "/cancel", caller: stranger})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "authorization", decodeBody[errorResponse](t, rec).Category)

	rec = f.do(t, call{method: http.MethodPost, path: "/api/v1/intents/" + in.Hash + "/cancel", caller: taker})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	path := fmt.Sprintf("/api/v1/deposits/%d/withdraw", d.ID)
	rec = f.do(t, call{method: http.MethodPost, path: path, caller: stranger, body: map[string]any{}, key: "w1"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodPost, path: path, caller: depositor, body: map[string]any{}, key: "w1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, fmt.Sprintf(`{"id": %d, "closed": true}`, d.ID), rec.Body.String())
	require.Equal(t, "1000000000", f.bank.Balance(usdc, depositor).String())

	rec = f.do(t, call{method: http.MethodGet, path: fmt.Sprintf("/api/v1/deposits/%d", d.ID), caller: depositor})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPausedOrchestratorRejectsSignals(t *testing.T) {
	f := newFixture(t)
	d := f.createDeposit(t)

	rec := f.do(t, call{method: http.MethodPut, path: "/api/v1/orchestrator/params", caller: stranger, body: map[string]any{"paused": true}})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, call{method: http.MethodPut, path: "/api/v1/orchestrator/params", caller: owner, body: map[string]any{"paused": true}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decodeBody[orchestratorParamsView](t, rec).Paused)

	rec = f.do(t, call{
		method: http.MethodPost,
		path:   "/api/v1/intents",
		caller: taker,
		key:    "paused-signal",
		body: map[string]any{
			"depositId": d.ID, "amount": "2000000", "to": taker.Hex(),
			"paymentMethod": "venmo", "fiatCurrency": "USD", "conversionRate": "1",
		},
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "operational", decodeBody[errorResponse](t, rec).Category)
}

func TestEscrowParamsUpdate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, call{method: http.MethodPut, path: "/api/v1/escrow/params", caller: owner, body: map[string]any{
		"makerProtocolFee":     "0.02",
		"maxIntentsPerDeposit": 7,
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decodeBody[escrowParamsView](t, rec)
	require.Equal(t, "0.02", p.MakerProtocolFee)
	require.Equal(t, 7, p.MaxIntentsPerDeposit)
	require.Equal(t, orchAddr.Hex(), p.Orchestrator)

	rec = f.do(t, call{method: http.MethodPut, path: "/api/v1/escrow/params", caller: owner, body: map[string]any{"makerProtocolFee": "0.5"}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, call{method: http.MethodGet, path: "/api/v1/escrow/params", caller: owner, secret: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.createDeposit(t)

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[map[string]any](t, rec)
	require.Equal(t, "healthy", health["status"])
	require.Equal(t, false, health["escrow_paused"])

	f.srv.dbHealthFn = func(_ context.Context) error { return errors.New("connection refused") }
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `p2pramp_ledger_events_total{type="deposit_received"} 1`)
	require.Contains(t, body, `p2pramp_idempotency_total{result="stored"} 1`)
	require.Contains(t, body, `p2pramp_upstream_up{upstream="database"} 0`)
	require.Contains(t, body, `route="/api/v1/deposits"`)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		category string
	}{
		{badRequest("nope"), http.StatusBadRequest, "request"},
		{idempotency.ErrKeyMismatch, http.StatusUnprocessableEntity, "idempotency"},
		{fmt.Errorf("lock: %w", token.ErrInsufficientAllowance), http.StatusUnprocessableEntity, "token"},
		{token.ErrTransferRejected, http.StatusBadGateway, "token"},
		{ledger.ErrRateBelowMinimum, http.StatusUnprocessableEntity, "validation"},
		{ledger.ErrHashMismatch, http.StatusUnprocessableEntity, "verification"},
		{ledger.ErrIntentNotFound, http.StatusNotFound, "state"},
		{ledger.ErrMaxIntentsExceeded, http.StatusConflict, "state"},
		{ledger.ErrUnauthorizedCaller, http.StatusForbidden, "authorization"},
		{ledger.ErrPaused, http.StatusServiceUnavailable, "operational"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		status, cat := statusFor(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.category, cat, tc.err.Error())
	}
}
