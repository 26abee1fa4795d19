package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderCaller    = "X-Caller-Address"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrInvalidCaller    = errors.New("invalid caller address")
)

// Verifier authenticates requests signed with a shared secret. The signature
// covers the timestamp, the caller address and the body, so a relayed request
// cannot be replayed on behalf of another account.
type Verifier struct {
	Secret  string
	MaxSkew time.Duration
	Now     func() time.Time
}

type callerKey struct{}

// Caller returns the authenticated account attached by Middleware.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// WithCaller attaches an authenticated account to ctx.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	callerHeader := r.Header.Get(HeaderCaller)
	if !common.IsHexAddress(callerHeader) {
		return common.Address{}, ErrInvalidCaller
	}
	caller := common.HexToAddress(callerHeader)

	if v.Secret == "" {
		return caller, nil
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	expected := Sign(v.Secret, tsHeader, caller, bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return common.Address{}, ErrInvalidSignature
	}
	return caller, nil
}

// Sign computes the hex HMAC-SHA256 a client sends in X-Request-Signature.
func Sign(secret, timestamp string, caller common.Address, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(caller.Bytes())
	mac.Write(body)
	return strings.ToLower(hex.EncodeToString(mac.Sum(nil)))
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
