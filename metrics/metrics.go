// Package metrics exposes the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rpcgw"

// Request outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeError       = "error"
)

// Cache results.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheBypass = "bypass"
	CacheError  = "error"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	requests      *prometheus.CounterVec // method, outcome
	failovers     *prometheus.CounterVec // endpoint
	rotations     prometheus.Counter
	cache         *prometheus.CounterVec // method, result
	subscriptions prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. When reg is also a
// prometheus.Gatherer, Handler serves it; otherwise Handler serves the default
// gatherer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "RPC calls handled by the gateway, by method and outcome.",
		}, []string{"method", "outcome"}),

		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Transport failures that moved the pool cursor away from an endpoint.",
		}, []string{"endpoint"}),

		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Operator-triggered endpoint rotations.",
		}),

		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_total",
			Help:      "Cache lookups by method and result (hit, miss, bypass, error).",
		}, []string{"method", "result"}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions_active",
			Help:      "Upstream subscriptions currently open.",
		}),

		gatherer: prometheus.DefaultGatherer,
	}

	for _, c := range []prometheus.Collector{m.requests, m.failovers, m.rotations, m.cache, m.subscriptions} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Request counts one handled call.
func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

// Failover counts a failover away from endpoint.
func (m *Metrics) Failover(endpoint string) {
	if m == nil {
		return
	}
	m.failovers.WithLabelValues(endpoint).Inc()
}

// Rotation counts an operator rotation.
func (m *Metrics) Rotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

// Cache counts a cache lookup.
func (m *Metrics) Cache(method, result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(method, result).Inc()
}

// SubscriptionOpened increments the active subscription gauge.
func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriptionClosed decrements the active subscription gauge.
func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}
