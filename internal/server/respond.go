package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"p2pramp/internal/config"
	"p2pramp/internal/idempotency"
	"p2pramp/internal/ledger"
	"p2pramp/internal/token"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// statusFor maps an engine or request error onto an HTTP status and the
// category reported to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "request"
	case errors.Is(err, idempotency.ErrKeyMismatch):
		return http.StatusUnprocessableEntity, "idempotency"
	case errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrUnknownToken):
		return http.StatusUnprocessableEntity, "token"
	case errors.Is(err, token.ErrTransferRejected):
		return http.StatusBadGateway, "token"
	}

	cat := ledger.Classify(err)
	switch cat {
	case ledger.CategoryValidation, ledger.CategoryVerification:
		return http.StatusUnprocessableEntity, cat.String()
	case ledger.CategoryState:
		if errors.Is(err, ledger.ErrDepositNotFound) || errors.Is(err, ledger.ErrIntentNotFound) {
			return http.StatusNotFound, cat.String()
		}
		return http.StatusConflict, cat.String()
	case ledger.CategoryAuthorization:
		return http.StatusForbidden, cat.String()
	case ledger.CategoryOperational:
		return http.StatusServiceUnavailable, cat.String()
	default:
		return http.StatusInternalServerError, cat.String()
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	status, cat := statusFor(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Category: cat})
}

func decode(body []byte, dst any) error {
	if len(body) == 0 {
		return badRequest("empty body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid json payload: %v", err)
	}
	return nil
}

func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, badRequest("%s: invalid integer %q", field, s)
	}
	return v, nil
}

func parseRate(field, s string) (*big.Int, error) {
	v, err := config.ParseRate(s)
	if err != nil {
		return nil, badRequest("%s: %v", field, err)
	}
	return v, nil
}

// parseAddress accepts an empty string as the zero address.
func parseAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	addr, err := config.ParseAddress(s)
	if err != nil {
		return common.Address{}, badRequest("%s: %v", field, err)
	}
	return addr, nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, badRequest("%s: invalid hash %q", field, s)
	}
	return common.BytesToHash(b), nil
}

func isHash(s string) bool {
	return len(s) == 2+2*common.HashLength && strings.HasPrefix(s, "0x")
}

// parseName resolves a payment method or currency given either as a 0x hash
// or by name.
func parseName(field, s string, id func(string) common.Hash) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, badRequest("%s is required", field)
	}
	if isHash(s) {
		return parseHash(field, s)
	}
	return id(s), nil
}

// parsePayee hashes free-form payee details unless they are already a hash.
func parsePayee(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	if isHash(s) {
		return parseHash("payeeDetails", s)
	}
	return ledger.PayeeDetailsHash(s), nil
}

func parseBytes(field, s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, badRequest("%s: %v", field, err)
	}
	return b, nil
}

// rawBytes accepts either a 0x hex JSON string or any other JSON value,
// which is passed through verbatim.
func rawBytes(field string, raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseBytes(field, s)
	}
	return []byte(raw), nil
}

func pathDepositID(r *http.Request) (uint64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, badRequest("invalid deposit id %q", raw)
	}
	return id, nil
}

func pathHash(r *http.Request) (common.Hash, error) {
	return parseHash("intent hash", mux.Vars(r)["hash"])
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
