package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"p2pramp/internal/config"
	"p2pramp/internal/gating"
	"p2pramp/internal/ledger"
	"p2pramp/internal/orchestrator"
)

type signalIntentRequest struct {
	DepositID           uint64 `json:"depositId"`
	Amount              string `json:"amount"`
	To                  string `json:"to"`
	PaymentMethod       string `json:"paymentMethod"`
	FiatCurrency        string `json:"fiatCurrency"`
	ConversionRate      string `json:"conversionRate"`
	Referrer            string `json:"referrer"`
	ReferrerFee         string `json:"referrerFee"`
	GatingSignature     string `json:"gatingSignature"`
	SignatureExpiration int64  `json:"signatureExpiration"`
	PostIntentHook      string `json:"postIntentHook"`
	Data                string `json:"data"`
}

type intentView struct {
	Hash           string `json:"hash"`
	Owner          string `json:"owner"`
	To             string `json:"to"`
	Escrow         string `json:"escrow"`
	DepositID      uint64 `json:"depositId"`
	Amount         string `json:"amount"`
	Timestamp      int64  `json:"timestamp"`
	PaymentMethod  string `json:"paymentMethod"`
	FiatCurrency   string `json:"fiatCurrency"`
	ConversionRate string `json:"conversionRate"`
	Referrer       string `json:"referrer,omitempty"`
	ReferrerFee    string `json:"referrerFee"`
	PostIntentHook string `json:"postIntentHook,omitempty"`
	Data           string `json:"data,omitempty"`
}

type settlementView struct {
	IntentHash  string `json:"intentHash"`
	Release     string `json:"releaseAmount"`
	ProtocolFee string `json:"protocolFee"`
	ReferrerFee string `json:"referrerFee"`
	Net         string `json:"netAmount"`
	Destination string `json:"destination"`
}

func (s *Server) intentView(in *ledger.Intent) intentView {
	v := intentView{
		Hash:           in.Hash.Hex(),
		Owner:          in.Owner.Hex(),
		To:             in.To.Hex(),
		Escrow:         in.Escrow.Hex(),
		DepositID:      in.DepositID,
		Amount:         in.Amount.String(),
		Timestamp:      unix(in.Timestamp),
		PaymentMethod:  s.name(in.PaymentMethod),
		FiatCurrency:   s.name(in.FiatCurrency),
		ConversionRate: config.FormatRate(in.ConversionRate),
		Referrer:       optionalHex(in.Referrer),
		ReferrerFee:    config.FormatRate(in.ReferrerFee),
		PostIntentHook: optionalHex(in.PostIntentHook),
	}
	if len(in.Data) > 0 {
		v.Data = hexutil.Encode(in.Data)
	}
	return v
}

func settlementResponse(st orchestrator.Settlement) settlementView {
	return settlementView{
		IntentHash:  st.IntentHash.Hex(),
		Release:     st.Release.String(),
		ProtocolFee: st.ProtocolFee.String(),
		ReferrerFee: st.ReferrerFee.String(),
		Net:         st.Net.String(),
		Destination: st.Destination.Hex(),
	}
}

func (req signalIntentRequest) params() (orchestrator.SignalIntentParams, error) {
	var p orchestrator.SignalIntentParams
	var err error

	p.DepositID = req.DepositID
	if p.Amount, err = parseAmount("amount", req.Amount); err != nil {
		return p, err
	}
	if p.To, err = parseAddress("to", req.To); err != nil {
		return p, err
	}
	if p.PaymentMethod, err = parseName("paymentMethod", req.PaymentMethod, ledger.PaymentMethodID); err != nil {
		return p, err
	}
	if p.FiatCurrency, err = parseName("fiatCurrency", req.FiatCurrency, ledger.CurrencyCode); err != nil {
		return p, err
	}
	if p.ConversionRate, err = parseRate("conversionRate", req.ConversionRate); err != nil {
		return p, err
	}
	if p.Referrer, err = parseAddress("referrer", req.Referrer); err != nil {
		return p, err
	}
	if p.ReferrerFee, err = parseRate("referrerFee", req.ReferrerFee); err != nil {
		return p, err
	}
	if p.GatingSignature, err = parseBytes("gatingSignature", req.GatingSignature); err != nil {
		return p, err
	}
	if req.SignatureExpiration > 0 {
		p.SignatureExpiration = time.Unix(req.SignatureExpiration, 0)
	}
	if p.PostIntentHook, err = parseAddress("postIntentHook", req.PostIntentHook); err != nil {
		return p, err
	}
	if p.Data, err = parseBytes("data", req.Data); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Server) signalIntent(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	var req signalIntentRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	p, err := req.params()
	if err != nil {
		return 0, nil, err
	}
	hash, err := s.orch.SignalIntent(r.Context(), caller, p)
	if err != nil {
		return 0, nil, err
	}
	in, err := s.orch.Intent(r.Context(), hash)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusCreated, s.intentView(in), nil
}

// gatingDigest returns the digest a gating service signs for the given
// terms, letting clients and signers agree on the encoding.
func (s *Server) gatingDigest(_ *http.Request, _ common.Address, body []byte) (int, any, error) {
	var req signalIntentRequest
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	p, err := req.params()
	if err != nil {
		return 0, nil, err
	}
	terms := s.orch.GatingTerms(p)
	return http.StatusOK, map[string]string{
		"digest":  gating.Digest(terms).Hex(),
		"chainId": terms.ChainID.String(),
	}, nil
}

func (s *Server) getIntent(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	hash, err := pathHash(r)
	if err != nil {
		return 0, nil, err
	}
	in, err := s.orch.Intent(r.Context(), hash)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, s.intentView(in), nil
}

func (s *Server) accountIntents(r *http.Request, _ common.Address, _ []byte) (int, any, error) {
	addr, err := pathAddress(r)
	if err != nil {
		return 0, nil, err
	}
	ins, err := s.orch.AccountIntents(r.Context(), addr)
	if err != nil {
		return 0, nil, err
	}
	out := make([]intentView, 0, len(ins))
	for _, in := range ins {
		out = append(out, s.intentView(in))
	}
	return http.StatusOK, out, nil
}

// fulfillIntent is open to any authenticated caller: the proof, not the
// caller, authorizes the release.
func (s *Server) fulfillIntent(r *http.Request, _ common.Address, body []byte) (int, any, error) {
	hash, err := pathHash(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Proof    json.RawMessage `json:"proof"`
		HookData string          `json:"hookData"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	proof, err := rawBytes("proof", req.Proof)
	if err != nil {
		return 0, nil, err
	}
	if len(proof) == 0 {
		return 0, nil, badRequest("proof is required")
	}
	hookData, err := parseBytes("hookData", req.HookData)
	if err != nil {
		return 0, nil, err
	}
	st, err := s.orch.FulfillIntent(r.Context(), hash, proof, hookData)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, settlementResponse(st), nil
}

func (s *Server) releaseToPayer(r *http.Request, caller common.Address, body []byte) (int, any, error) {
	hash, err := pathHash(r)
	if err != nil {
		return 0, nil, err
	}
	var req struct {
		Amount string `json:"amount"`
		Data   string `json:"data"`
	}
	if err := decode(body, &req); err != nil {
		return 0, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return 0, nil, err
	}
	data, err := parseBytes("data", req.Data)
	if err != nil {
		return 0, nil, err
	}
	st, err := s.orch.ReleaseFundsToPayer(r.Context(), caller, hash, amount, data)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, settlementResponse(st), nil
}

func (s *Server) cancelIntent(r *http.Request, caller common.Address, _ []byte) (int, any, error) {
	hash, err := pathHash(r)
	if err != nil {
		return 0, nil, err
	}
	if err := s.orch.CancelIntent(r.Context(), caller, hash); err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]any{"intentHash": hash.Hex(), "cancelled": true}, nil
}
