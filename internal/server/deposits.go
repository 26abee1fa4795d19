package server

import (
	"bytes"
	"errors"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"p2pramp/internal/config"
	"p2pramp/internal/escrow"
	"p2pramp/internal/ledger"
)

type currencyInput struct {
	Code              string `json:"code"`
	MinConversionRate string `json:"minConversionRate"`
}

type paymentMethodInput struct {
	Name                string          `json:"name"`
	PayeeDetails        string          `json:"payeeDetails"`
	IntentGatingService string          `json:"intentGatingService"`
	Data                string          `json:"data"`
	Currencies          []currencyInput `json:"currencies"`
}

type createDepositRequest struct {
	Token             string `json:"token"`
	Amount            string `json:"amount"`
	IntentAmountRange struct {
		Min string `json:"min"`
		Max string `json:"max"`
	} `json:"intentAmountRange"`
	PaymentMethods []paymentMethodInput `json:"paymentMethods"`
	Delegate       string               `json:"delegate"`
	IntentGuardian string               `json:"intentGuardian"`
	Referrer       string               `json:"referrer"`
	ReferrerFee    string               `json:"referrerFee"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type currencyView struct {
	Code              string `json:"code"`
	MinConversionRate string `json:"minConversionRate"`
}

type paymentMethodView struct {
	Method              string         `json:"method"`
	PayeeDetails        string         `json:"payeeDetails"`
	IntentGatingService string         `json:"intentGatingService,omitempty"`
	Data                string         `json:"data,omitempty"`
	Active              bool           `json:"active"`
	Currencies          []currencyView `json:"currencies"`
}

type lockView struct {
	IntentHash string `json:"intentHash"`
	Amount     string `json:"amount"`
	Timestamp  int64  `json:"timestamp"`
	ExpiryTime int64  `json:"expiryTime"`
}

type depositView struct {
	ID                      uint64              `json:"id"`
	Depositor               string              `json:"depositor"`
	Delegate                string              `json:"delegate,omitempty"`
	Token                   string              `json:"token"`
	Amount                  string              `json:"amount"`
	IntentAmountMin         string              `json:"intentAmountMin"`
	IntentAmountMax         string              `json:"intentAmountMax"`
	AcceptingIntents        bool                `json:"acceptingIntents"`
	RemainingDeposits       string              `json:"remainingDeposits"`
	OutstandingIntentAmount string              `json:"outstandingIntentAmount"`
	MakerProtocolFee        string              `json:"makerProtocolFee"`
	ReservedMakerFees       string              `json:"reservedMakerFees"`
	AccruedMakerFees        string              `json:"accruedMakerFees"`
	AccruedReferrerFees     string              `json:"accruedReferrerFees"`
	IntentGuardian          string              `json:"intentGuardian,omitempty"`
	Referrer                string              `json:"referrer,omitempty"`
	ReferrerFee             string              `json:"referrerFee"`
	PaymentMethods          []paymentMethodView `json:"paymentMethods"`
	Intents                 []lockView          `json:"intents"`
}

func optionalHex(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}

func (s *Server) depositView(d *ledger.Deposit) depositView {
	v := depositView{
		ID:                      d.ID,
		Depositor:               d.Depositor.Hex(),
		Delegate:                optionalHex(d.Delegate),
		Token:                   d.Token.Hex(),
		Amount:                  d.Amount.String(),
		IntentAmountMin:         d.IntentAmountRange.Min.String(),
		IntentAmountMax:         d.IntentAmountRange.Max.String(),
		AcceptingIntents:        d.AcceptingIntents,
		RemainingDeposits:       d.RemainingDeposits.String(),
		OutstandingIntentAmount: d.OutstandingIntentAmount.String(),
		MakerProtocolFee:        config.FormatRate(d.MakerProtocolFee),
		ReservedMakerFees:       d.ReservedMakerFees.String(),
		AccruedMakerFees:        d.AccruedMakerFees.String(),
		AccruedReferrerFees:     d.AccruedReferrerFees.String(),
		IntentGuardian:          optionalHex(d.IntentGuardian),
		Referrer:                optionalHex(d.Referrer),
		ReferrerFee:             config.FormatRate(d.ReferrerFee),
		PaymentMethods:          []paymentMethodView{},
		Intents:                 []lockView{},
	}
	for _, m := range sortedMethods(d) {
		pm := d.PaymentMethods[m]
		pv := paymentMethodView{
			Method:              s.name(m),
			PayeeDetails:        pm.PayeeDetails.Hex(),
			IntentGatingService: optionalHex(pm.IntentGatingService),
			Active:              pm.Active,
			Currencies:          []currencyView{},
		}
		if len(pm.Data) > 0 {
			pv.Data = hexutil.Encode(pm.Data)
		}
		for _, c := range d.CurrencyList(m) {
			pv.Currencies = append(pv.Currencies, currencyView{
				Code:              s.name(c.Code),
				MinConversionRate: config.FormatRate(c.MinConversionRate),
			})
		}
		v.PaymentMethods = append(v.PaymentMethods, pv)
	}
	for _, h := range d.IntentHashes() {
		l := d.Intents[h]
		v.Intents = append(v.Intents, lockView{
			IntentHash: h.Hex(),
			Amount:     l.Amount.String(),
			Timestamp:  unix(l.Timestamp),
			ExpiryTime: unix(l.ExpiryTime),
		})
	}
	return v
}

// sortedMethods lists active methods first, then inactive ones, each
// ordered by identifier.
func sortedMethods(d *ledger.Deposit) []common.Hash {
	out := make([]common.Hash, 0, len(d.PaymentMethods))
	for m := range d.PaymentMethods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := d.PaymentMethods[out[i]].Active, d.PaymentMethods[out[j]].Active
		if ai != aj {
			return ai
		}
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func parseCurrencies(in []currencyInput) ([]ledger.Currency, error) {
	out := make([]ledger.Currency, 0, len(in))
	for _, c := range in {
		code, err := parseName("currency code", c.Code, ledger.CurrencyCode)
		if err != nil {
			return nil, err
		}
		rate, err := parseRate("minConversionRate", c.MinConversionRate)
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.Currency{Code: code, MinConversionRate: rate})
	}
	return out, nil
}

func parsePaymentMethods(in []paymentMethodInput) ([]common.Hash, []ledger.PaymentMethodData, [][]ledger.Currency, error) {
	methods := make([]common.Hash, 0, len(in))
	data := make([]ledger.PaymentMethodData, 0, len(in))
	currencies := make([][]ledger.Currency, 0, len(in))
	for _, pm := range in {
		m, err := parseName("payment method", pm.Name, ledger.PaymentMethodID)
		if err != nil {
			return nil, nil, nil, err
		}
		payee, err := parsePayee(pm.PayeeDetails)
		if err != nil {
			return nil, nil, nil, err
		}
		gate, err := parseAddress("intentGatingService", pm.IntentGatingService)
		if err != nil {
			return nil, nil, nil, err
		}
		extra, err := parseBytes("data", pm.Data)
		if err != nil {
			return nil, nil, nil, err
		}
		cs, err := parseCurrencies(pm.Currencies)
		if err != nil {
			return nil, nil, nil, err
		}
		methods = append(methods, m)
		data = append(data, ledger.PaymentMethodData{IntentGatingService: gate, PayeeDetails: payee, Data: extra})
		currencies = append(currencies, cs)
	}
	return methods, data, currencies, nil
}

func (s *Server) createDeposit(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	var req createDepositRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	tok, err := parseAddress("token", req.Token)
	if err != nil {
		return 0, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	min, err := parseAmount("intentAmountRange.min", req.IntentAmountRange.Min)
	if err != nil {
		return 0, nil, err
	}
	max, err := parseAmount("intentAmountRange.max", req.IntentAmountRange.Max)
	if err != nil {
		return 0, nil, err
	}
	methods, data, currencies, err := parsePaymentMethods(req.PaymentMethods)
	if err != nil {
		return 0, nil, err
	}
	delegate, err := parseAddress("delegate", req.Delegate)
	if err != nil {
		return 0, nil, err
	}
	guardian, err := parseAddress("intentGuardian", req.IntentGuardian)
	if err != nil {
		return 0, nil, err
	}
	referrer, err := parseAddress("referrer", req.Referrer)
	if err != nil {
		return 0, nil, err
	}
	referrerFee, err := parseRate("referrerFee", req.ReferrerFee)
	if err != nil {
		return 0, nil, err
	}

	id, err := s.escrow.CreateDeposit(r.Context(), caller, escrow.CreateDepositParams{
		Token:             tok,
		Amount:            amount,
		IntentAmountRange: ledger.Range{Min: min, Max: max},
		PaymentMethods:    methods,
		PaymentMethodData: data,
		Currencies:        currencies,
		Delegate:          delegate,
		IntentGuardian:    guardian,
		Referrer:          referrer,
		ReferrerFee:       referrerFee,
	})
	if err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusCreated)
}

func (s *Server) depositResponse(r *http.Request, id uint64, status int) (int, any, error) {
	d, err := s.escrow.Deposit(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return status, s.depositView(d), nil
}

func (s *Server) getDeposit(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) accountDeposits(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	addr, err := pathAddress(r)
	if err != nil {
		return 0, nil, err
	}
	ds, err := s.escrow.DepositsOf(r.Context(), addr)
	if err != nil {
		return 0, nil, err
	}
	out := make([]depositView, 0, len(ds))
	for _, d := range ds {
		out = append(out, s.depositView(d))
	}
	return http.StatusOK, out, nil
}

// depositAmountOp runs one of the amount-carrying deposit operations.
func (s *Server) depositAmountOp(r *http.Request, body []byte, op func(id uint64, amount *big.Int) error) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	var req amountRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	if err := op(id, amount); err != nil {
		return 0, nil, err
	}
	return s.depositOrClosed(r, id)
}

// depositOrClosed reports the deposit after a change that may have closed it.
func (s *Server) depositOrClosed(r *http.Request, id uint64) (int, any, error) {
	d, err := s.escrow.Deposit(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrDepositNotFound) {
			return http.StatusOK, map[string]any{"id": id, "closed": true}, nil
		}
		return 0, nil, err
	}
	return http.StatusOK, s.depositView(d), nil
}

func (s *Server) addFunds(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	return s.depositAmountOp(r, body, func(id uint64, amount *big.Int) error {
		return s.escrow.AddFunds(r.Context(), caller, id, amount)
	})
}

func (s *Server) removeFunds(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	return s.depositAmountOp(r, body, func(id uint64, amount *big.Int) error {
		return s.escrow.RemoveFunds(r.Context(), caller, id, amount)
	})
}

func (s *Server) withdrawDeposit(r *http.Request, caller common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.WithdrawDeposit(r.Context(), caller, id); err != nil {
		return 0, nil, err
	}
	return s.depositOrClosed(r, id)
}

func (s *Server) setAccepting(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Accepting *bool `json:"accepting"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	if req.Accepting == nil {
		return 0, nil, badRequest("accepting is required")
	}
	if err := s.escrow.SetAcceptingIntents(r.Context(), caller, id, *req.Accepting); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) updateRange(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Min string `json:"min"`
		Max string `json:"max"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	min, err := parseAmount("min", req.Min)
	if err != nil {
		return 0, nil, err
	}
	max, err := parseAmount("max", req.Max)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.UpdateIntentAmountRange(r.Context(), caller, id, ledger.Range{Min: min, Max: max}); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) setDelegate(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Delegate string `json:"delegate"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	delegate, err := parseAddress("delegate", req.Delegate)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.SetDelegate(r.Context(), caller, id, delegate); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) removeDelegate(r *http.Request, caller common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.RemoveDelegate(r.Context(), caller, id); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) addPaymentMethods(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		PaymentMethods []paymentMethodInput `json:"paymentMethods"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	methods, data, currencies, err := parsePaymentMethods(req.PaymentMethods)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.AddPaymentMethods(r.Context(), caller, id, methods, data, currencies); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func pathMethod(r *http.Request) (common.Hash, error) {
	return parseName("payment method", mux.Vars(r)["method"], ledger.PaymentMethodID)
}

func pathCurrency(r *http.Request) (common.Hash, error) {
	return parseName("currency", mux.Vars(r)["currency"], ledger.CurrencyCode)
}

func (s *Server) removePaymentMethod(r *http.Request, caller common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	m, err := pathMethod(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.RemovePaymentMethod(r.Context(), caller, id, m); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) addCurrencies(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	m, err := pathMethod(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Currencies []currencyInput `json:"currencies"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	cs, err := parseCurrencies(req.Currencies)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.AddCurrencies(r.Context(), caller, id, m, cs); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) updateMinRate(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	m, err := pathMethod(r)
	if err != nil {
		return 0, nil, err
	}
	c, err := pathCurrency(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		MinConversionRate string `json:"minConversionRate"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	rate, err := parseRate("minConversionRate", req.MinConversionRate)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.UpdateMinConversionRate(r.Context(), caller, id, m, c, rate); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

func (s *Server) removeCurrency(r *http.Request, caller common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	m, err := pathMethod(r)
	if err != nil {
		return 0, nil, err
	}
	c, err := pathCurrency(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.escrow.RemoveCurrency(r.Context(), caller, id, m, c); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}

type expiredView struct {
	IntentHashes  []string `json:"intentHashes"`
	ReclaimAmount string   `json:"reclaimAmount"`
}

func hexes(hs []common.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Hex()
	}
	return out
}

func (s *Server) pruneDeposit(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	hashes, reclaimed, err := s.escrow.PruneExpiredIntents(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, expiredView{IntentHashes: hexes(hashes), ReclaimAmount: reclaimed.String()}, nil
}

func (s *Server) expiredIntents(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	hashes, reclaimable, err := s.escrow.GetExpiredIntents(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, expiredView{IntentHashes: hexes(hashes), ReclaimAmount: reclaimable.String()}, nil
}

func (s *Server) depositIntents(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	hashes, err := s.escrow.DepositIntentHashes(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"intentHashes": hexes(hashes)}, nil
}

func (s *Server) extendIntent(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	id, err := pathDepositID(r)
	if err != nil {
		return 0, nil, err
	}
	hash, err := pathHash(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		AdditionalSeconds int64 `json:"additionalSeconds"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	if err := s.escrow.ExtendIntentExpiry(r.Context(), caller, id, hash, time.Duration(req.AdditionalSeconds)*time.Second); err != nil {
		return 0, nil, err
	}
	return s.depositResponse(r, id, http.StatusOK)
}
