package server

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"p2pramp/internal/events"
)

// Metrics is the service's prometheus registry. It doubles as an
// events.Publisher so ledger events are counted as they commit.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	idempotencyTotal *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	upstreamUp       *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p2pramp_http_requests_total",
		Help: "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "p2pramp_http_request_duration_seconds",
		Help:    "HTTP request latency by route and method",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	idem := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p2pramp_idempotency_total",
		Help: "Idempotent request outcomes",
	}, []string{"result"})

	evts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "p2pramp_ledger_events_total",
		Help: "Committed escrow and orchestrator events by type",
	}, []string{"type"})

	up := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "p2pramp_upstream_up",
		Help: "Whether the last health probe of an upstream succeeded",
	}, []string{"upstream"})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, duration, idem, evts, up,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry:         r,
		requestsTotal:    requests,
		requestDuration:  duration,
		idempotencyTotal: idem,
		eventsTotal:      evts,
		upstreamUp:       up,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Publish counts a committed ledger event.
func (m *Metrics) Publish(_ context.Context, event events.Event) error {
	m.eventsTotal.WithLabelValues(event.Type).Inc()
	return nil
}

func (m *Metrics) observeRequest(route, method, status string, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, status).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (m *Metrics) incIdempotency(result string) {
	m.idempotencyTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) setUpstream(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.upstreamUp.WithLabelValues(name).Set(v)
}
