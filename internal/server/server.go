package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"p2pramp/internal/config"
	"p2pramp/internal/escrow"
	"p2pramp/internal/hmacauth"
	"p2pramp/internal/idempotency"
	"p2pramp/internal/ledger"
	"p2pramp/internal/orchestrator"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	headerRequestID      = "X-Request-Id"
	headerReplayed       = "X-Idempotent-Replayed"
)

// Deps are the engines and backends the HTTP surface drives.
type Deps struct {
	Escrow       *escrow.Escrow
	Orchestrator *orchestrator.Orchestrator
	Idempotency  idempotency.Store
	Metrics      *Metrics
	// DBHealth and RPCHealth are optional probes reported by /health.
	DBHealth  func(context.Context) error
	RPCHealth func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	escrow      *escrow.Escrow
	orch        *orchestrator.Orchestrator
	store       idempotency.Store
	hmac        *hmacauth.Verifier
	httpServer  *http.Server
	router      *mux.Router
	metrics     *Metrics
	log         *zap.Logger
	names       map[common.Hash]string
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps, log *zap.Logger) *Server {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Server{
		cfg:    cfg,
		escrow: deps.Escrow,
		orch:   deps.Orchestrator,
		store:  deps.Idempotency,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		metrics:     metrics,
		log:         log,
		names:       knownNames(cfg.Protocol.PaymentMethods),
		dbHealthFn:  deps.DBHealth,
		rpcHealthFn: deps.RPCHealth,
	}

	r := mux.NewRouter()
	r.Use(s.requestID, s.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.hmac.Middleware)

	authed.HandleFunc("/deposits", s.idempotent(s.createDeposit)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}", s.handle(s.getDeposit)).Methods(http.MethodGet)
	authed.HandleFunc("/deposits/{id:[0-9]+}/funds", s.idempotent(s.addFunds)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/remove", s.idempotent(s.removeFunds)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/withdraw", s.idempotent(s.withdrawDeposit)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/accepting", s.handle(s.setAccepting)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/range", s.handle(s.updateRange)).Methods(http.MethodPut)
	authed.HandleFunc("/deposits/{id:[0-9]+}/delegate", s.handle(s.setDelegate)).Methods(http.MethodPut)
	authed.HandleFunc("/deposits/{id:[0-9]+}/delegate", s.handle(s.removeDelegate)).Methods(http.MethodDelete)
	authed.HandleFunc("/deposits/{id:[0-9]+}/payment-methods", s.handle(s.addPaymentMethods)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/payment-methods/{method}", s.handle(s.removePaymentMethod)).Methods(http.MethodDelete)
	authed.HandleFunc("/deposits/{id:[0-9]+}/payment-methods/{method}/currencies", s.handle(s.addCurrencies)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/payment-methods/{method}/currencies/{currency}", s.handle(s.updateMinRate)).Methods(http.MethodPut)
	authed.HandleFunc("/deposits/{id:[0-9]+}/payment-methods/{method}/currencies/{currency}", s.handle(s.removeCurrency)).Methods(http.MethodDelete)
	authed.HandleFunc("/deposits/{id:[0-9]+}/prune", s.handle(s.pruneDeposit)).Methods(http.MethodPost)
	authed.HandleFunc("/deposits/{id:[0-9]+}/expired", s.handle(s.expiredIntents)).Methods(http.MethodGet)
	authed.HandleFunc("/deposits/{id:[0-9]+}/intents", s.handle(s.depositIntents)).Methods(http.MethodGet)
	authed.HandleFunc("/deposits/{id:[0-9]+}/intents/{hash}/extend", s.handle(s.extendIntent)).Methods(http.MethodPost)

	authed.HandleFunc("/intents", s.idempotent(s.signalIntent)).Methods(http.MethodPost)
	authed.HandleFunc("/intents/gating-digest", s.handle(s.gatingDigest)).Methods(http.MethodPost)
	authed.HandleFunc("/intents/{hash}", s.handle(s.getIntent)).Methods(http.MethodGet)
	authed.HandleFunc("/intents/{hash}/fulfill", s.idempotent(s.fulfillIntent)).Methods(http.MethodPost)
	authed.HandleFunc("/intents/{hash}/release", s.idempotent(s.releaseToPayer)).Methods(http.MethodPost)
	authed.HandleFunc("/intents/{hash}/cancel", s.handle(s.cancelIntent)).Methods(http.MethodPost)

	authed.HandleFunc("/accounts/{address}/deposits", s.handle(s.accountDeposits)).Methods(http.MethodGet)
	authed.HandleFunc("/accounts/{address}/intents", s.handle(s.accountIntents)).Methods(http.MethodGet)

	authed.HandleFunc("/escrow/params", s.handle(s.escrowParams)).Methods(http.MethodGet)
	authed.HandleFunc("/escrow/params", s.handle(s.updateEscrowParams)).Methods(http.MethodPut)
	authed.HandleFunc("/orchestrator/params", s.handle(s.orchestratorParams)).Methods(http.MethodGet)
	authed.HandleFunc("/orchestrator/params", s.handle(s.updateOrchestratorParams)).Methods(http.MethodPut)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info("API listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// apiFunc handles an authenticated request. It returns the success status and
// the value to encode as the response body.
type apiFunc func(r *http.Request, caller common.Address, body []byte) (int, any, error)

func (s *Server) handle(fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, body, err := requestInput(r)
		if err != nil {
			writeError(w, err)
			return
		}
		status, resp, err := fn(r, caller, body)
		if err != nil {
			s.logFailure(r, err)
			writeError(w, err)
			return
		}
		writeJSON(w, status, resp)
	}
}

// idempotent requires X-Idempotency-Key and replays the stored response for
// a repeated key. Keys are scoped to the caller; reusing one for a different
// request is rejected.
func (s *Server) idempotent(fn apiFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		if key == "" {
			writeError(w, badRequest("missing %s header", headerIdempotencyKey))
			return
		}
		caller, body, err := requestInput(r)
		if err != nil {
			writeError(w, err)
			return
		}

		ctx := r.Context()
		storeKey := caller.Hex() + ":" + key
		reqHash := idempotency.HashRequest(r.Method, r.URL.Path, body)

		existing, err := idempotency.Lookup(ctx, s.store, storeKey, reqHash)
		if err != nil {
			if errors.Is(err, idempotency.ErrKeyMismatch) {
				s.metrics.incIdempotency("mismatch")
			}
			writeError(w, err)
			return
		}
		if existing != nil {
			s.metrics.incIdempotency("replayed")
			w.Header().Set(headerReplayed, "true")
			writeRaw(w, existing.StatusCode, existing.Response)
			return
		}

		status, resp, err := fn(r, caller, body)
		if err != nil {
			s.logFailure(r, err)
			writeError(w, err)
			return
		}
		b, err := json.Marshal(resp)
		if err != nil {
			writeError(w, err)
			return
		}

		now := time.Now()
		record := idempotency.Record{
			RequestHash: reqHash,
			StatusCode:  status,
			Response:    b,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, storeKey, record); err != nil {
			s.log.Warn("idempotency save failed", zap.String("key", storeKey), zap.Error(err))
		} else {
			s.metrics.incIdempotency("stored")
		}
		writeRaw(w, status, b)
	}
}

func requestInput(r *http.Request) (common.Address, []byte, error) {
	caller, ok := hmacauth.Caller(r.Context())
	if !ok {
		return common.Address{}, nil, badRequest("missing caller")
	}
	if r.Body == nil {
		return caller, nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return common.Address{}, nil, badRequest("read body: %v", err)
	}
	return caller, body, nil
}

func (s *Server) logFailure(r *http.Request, err error) {
	status, cat := statusFor(err)
	fields := []zap.Field{
		zap.String("request_id", r.Header.Get(headerRequestID)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.String("category", cat),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", fields...)
		return
	}
	s.log.Info("request rejected", fields...)
}

type probe struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) runProbe(ctx context.Context, name string, fn func(context.Context) error) probe {
	if fn == nil {
		return probe{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.metrics.setUpstream(name, false)
		return probe{Error: err.Error()}
	}
	s.metrics.setUpstream(name, true)
	return probe{Connected: true, LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rpcInfo := s.runProbe(ctx, "rpc", s.rpcHealthFn)
	dbInfo := s.runProbe(ctx, "database", s.dbHealthFn)
	healthy := rpcInfo.Connected && dbInfo.Connected

	status := "healthy"
	if !healthy {
		status = "degraded"
	}

	resp := struct {
		Status             string `json:"status"`
		RPC                probe  `json:"rpc"`
		Database           probe  `json:"database"`
		EscrowPaused       bool   `json:"escrow_paused"`
		OrchestratorPaused bool   `json:"orchestrator_paused"`
	}{
		Status:             status,
		RPC:                rpcInfo,
		Database:           dbInfo,
		EscrowPaused:       s.escrow.Params().Paused,
		OrchestratorPaused: s.orch.Params().Paused,
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		s.metrics.observeRequest(route, r.Method, strconv.Itoa(rec.status), elapsed)
		s.log.Debug("http request",
			zap.String("request_id", r.Header.Get(headerRequestID)),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

func knownNames(methods []config.PaymentMethodConfig) map[common.Hash]string {
	out := make(map[common.Hash]string)
	for _, m := range methods {
		out[ledger.PaymentMethodID(m.Name)] = m.Name
		for _, c := range m.Currencies {
			out[ledger.CurrencyCode(c)] = c
		}
	}
	return out
}

func (s *Server) name(h common.Hash) string {
	if n, ok := s.names[h]; ok {
		return n
	}
	return h.Hex()
}
