// Package telemetry registers the aggregator's Prometheus instruments:
// router call outcomes, cache hit/miss/eviction counts, and circuit
// breaker state transitions. Purely additive — nothing in the router,
// cache, or registry depends on these being wired up.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every instrument the aggregator exposes.
type Metrics struct {
	RouterCalls         *prometheus.CounterVec
	RouterCallDuration  *prometheus.HistogramVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	CacheEvictions      prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
}

// New constructs instruments without registering them.
func New() *Metrics {
	return &Metrics{
		RouterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpmesh",
			Subsystem: "router",
			Name:      "calls_total",
			Help:      "Total tool calls routed, labeled by server, tool, and outcome.",
		}, []string{"server", "tool", "outcome"}),
		RouterCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpmesh",
			Subsystem: "router",
			Name:      "call_duration_seconds",
			Help:      "Tool call latency, labeled by server and tool.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server", "tool"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpmesh",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total resource cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpmesh",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total resource cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpmesh",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total resource cache evictions.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcpmesh",
			Subsystem: "router",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per server: 0=closed, 1=half-open, 2=open.",
		}, []string{"server"}),
	}
}

// MustRegister registers every instrument against reg. Panics on a
// duplicate-registration collision, matching promauto's convention.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.RouterCalls,
		m.RouterCallDuration,
		m.CacheHits,
		m.CacheMisses,
		m.CacheEvictions,
		m.CircuitBreakerState,
	)
}

// RecordRouterCall is a convenience wrapper for the router_calls_total and
// call_duration_seconds instruments.
func (m *Metrics) RecordRouterCall(server, tool, outcome string, durationSeconds float64) {
	m.RouterCalls.WithLabelValues(server, tool, outcome).Inc()
	m.RouterCallDuration.WithLabelValues(server, tool).Observe(durationSeconds)
}

// Circuit* are the gauge's numeric encoding of gobreaker's three states;
// the router's breakerStateValue maps each state onto one of them.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

// RecordCircuitBreakerState updates the per-server breaker gauge.
func (m *Metrics) RecordCircuitBreakerState(server string, state int) {
	m.CircuitBreakerState.WithLabelValues(server).Set(float64(state))
}
