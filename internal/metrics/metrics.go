// Package metrics holds the Prometheus instrumentation shared across the
// service. Collectors are registered once on a dedicated registry so tests
// can build isolated instances.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service emits.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	OrdersPlaced       *prometheus.CounterVec
	OrderStateChanges  *prometheus.CounterVec
	BrokerCalls        *prometheus.CounterVec
	BrokerCallDuration *prometheus.HistogramVec
	RateLimitHits      *prometheus.CounterVec
	ReconcileDrift     *prometheus.CounterVec
	ReconcileRuns      prometheus.Counter
	SyncRuns           *prometheus.CounterVec
	TickBatches        prometheus.Counter
	TickInstruments    prometheus.Counter
	BreakerState       *prometheus.GaugeVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_http_requests_total",
			Help: "HTTP requests by route and status class.",
		}, []string{"route", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oms_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		OrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_orders_placed_total",
			Help: "Order placements by outcome (submitted, rejected, failed).",
		}, []string{"outcome"}),

		OrderStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_order_state_changes_total",
			Help: "Order state transitions by target status.",
		}, []string{"to_status"}),

		BrokerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_broker_calls_total",
			Help: "Upstream broker calls by operation and outcome.",
		}, []string{"operation", "outcome"}),

		BrokerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "oms_broker_call_duration_seconds",
			Help:    "Upstream broker call latency by operation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"operation"}),

		RateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by window.",
		}, []string{"window"}),

		ReconcileDrift: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_reconciliation_drift_total",
			Help: "Drift corrections applied by the reconciliation worker, by kind.",
		}, []string{"kind"}),

		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "oms_reconciliation_runs_total",
			Help: "Completed reconciliation sweeps.",
		}),

		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oms_sync_runs_total",
			Help: "Tiered account sync runs by tier and outcome.",
		}, []string{"tier", "outcome"}),

		TickBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "oms_tick_batches_flushed_total",
			Help: "Coalesced tick batches flushed to storage.",
		}),

		TickInstruments: factory.NewCounter(prometheus.CounterOpts{
			Name: "oms_tick_instruments_flushed_total",
			Help: "Instrument price updates written by the tick flusher.",
		}),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "oms_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.HTTPRequests.WithLabelValues(route, class).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
