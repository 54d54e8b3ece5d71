package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is an explicitly constructed collector for the orchestration core.
// It owns its own registry; nothing registers against the prometheus default.
// All record methods are safe on a nil receiver, which disables collection.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive    prometheus.Gauge
	sessionsCreated   prometheus.Counter
	sessionsCompleted prometheus.Counter
	sessionsFailed    prometheus.Counter
	sessionErrors     prometheus.Counter

	turnLatency     *prometheus.HistogramVec
	policyDecisions *prometheus.CounterVec
	storeEvictions  prometheus.Counter
	storeSweeps     prometheus.Counter
}

// NewMetrics creates a collector with a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicemesh_sessions_active",
			Help: "Sessions currently admitted by the broker.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_sessions_created_total",
			Help: "Sessions created since start.",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_sessions_completed_total",
			Help: "Sessions that reached disconnected.",
		}),
		sessionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_sessions_failed_total",
			Help: "Sessions that reached the error state.",
		}),
		sessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_session_errors_total",
			Help: "Errors recorded against sessions.",
		}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicemesh_turn_latency_seconds",
			Help:    "End-to-end turn latency by agent.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"agent", "status"}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicemesh_policy_decisions_total",
			Help: "Policy engine decisions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		storeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_store_evictions_total",
			Help: "Sessions evicted from the store by LRU pressure.",
		}),
		storeSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voicemesh_store_expired_total",
			Help: "Sessions removed from the store by TTL sweeps.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsActive, m.sessionsCreated, m.sessionsCompleted,
		m.sessionsFailed, m.sessionErrors, m.turnLatency,
		m.policyDecisions, m.storeEvictions, m.storeSweeps,
	)
	return m
}

// Handler serves the collector's registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetActiveSessions records the broker's current admission count.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Set(float64(n))
}

// RecordSessionCreated counts one admitted session.
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

// RecordSessionCompleted counts one session reaching disconnected.
func (m *Metrics) RecordSessionCompleted() {
	if m == nil {
		return
	}
	m.sessionsCompleted.Inc()
}

// RecordSessionFailed counts one session reaching the error state.
func (m *Metrics) RecordSessionFailed() {
	if m == nil {
		return
	}
	m.sessionsFailed.Inc()
}

// RecordSessionError counts one error recorded against a session.
func (m *Metrics) RecordSessionError() {
	if m == nil {
		return
	}
	m.sessionErrors.Inc()
}

// RecordTurn records a completed (or failed) agent turn.
func (m *Metrics) RecordTurn(agent, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues(agent, status).Observe(d.Seconds())
}

// RecordPolicyDecision counts one policy evaluation outcome.
func (m *Metrics) RecordPolicyDecision(kind, outcome string) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(kind, outcome).Inc()
}

// RecordEviction counts one LRU eviction in the store.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.storeEvictions.Inc()
}

// RecordExpiredSweep counts sessions removed by a TTL sweep.
func (m *Metrics) RecordExpiredSweep(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.storeSweeps.Add(float64(n))
}
