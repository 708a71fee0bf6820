// Package metrics exposes Prometheus collectors for the interceptor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks interceptor Prometheus metrics. All methods are nil-safe so
// components can run without a registry in tests.
type Metrics struct {
	// InterceptsTotal counts answered requests by scope, source and outcome.
	InterceptsTotal *prometheus.CounterVec

	// InterceptDuration tracks end-to-end handling latency.
	InterceptDuration *prometheus.HistogramVec

	// SeedsTotal counts install-time priming results.
	SeedsTotal *prometheus.CounterVec

	// TransitionsTotal counts lifecycle transitions by target state.
	TransitionsTotal *prometheus.CounterVec

	// ActiveVersion is the version number of the active worker per scope.
	ActiveVersion *prometheus.GaugeVec
}

// New creates metrics with the swproxy_ prefix and registers them on reg.
// Panics if registration fails (expected during initialization only).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InterceptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_intercepts_total",
				Help: "Total intercepted requests by scope, response source and outcome",
			},
			[]string{"scope", "source", "outcome"},
		),
		InterceptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swproxy_intercept_duration_seconds",
				Help:    "Intercepted request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"scope"},
		),
		SeedsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_seed_results_total",
				Help: "Install-time cache priming results",
			},
			[]string{"scope", "result"}, // "stored", "failed"
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swproxy_lifecycle_transitions_total",
				Help: "Worker lifecycle transitions by target state",
			},
			[]string{"scope", "state"},
		),
		ActiveVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "swproxy_active_version",
				Help: "Version number of the active worker",
			},
			[]string{"scope"},
		),
	}

	reg.MustRegister(
		m.InterceptsTotal,
		m.InterceptDuration,
		m.SeedsTotal,
		m.TransitionsTotal,
		m.ActiveVersion,
	)

	return m
}

// RecordIntercept records one answered (or failed) request.
//
// Parameters:
//   - source: "network", "cache", "bypass" or "" when nothing answered
//   - outcome: "ok" or "failed"
func (m *Metrics) RecordIntercept(scope, source, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	if source == "" {
		source = "none"
	}
	m.InterceptsTotal.WithLabelValues(scope, source, outcome).Inc()
	m.InterceptDuration.WithLabelValues(scope).Observe(durationSeconds)
}

// RecordSeed records one seed URL priming result ("stored" or "failed").
func (m *Metrics) RecordSeed(scope, result string) {
	if m == nil {
		return
	}
	m.SeedsTotal.WithLabelValues(scope, result).Inc()
}

// RecordTransition records a lifecycle transition into state.
func (m *Metrics) RecordTransition(scope, state string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(scope, state).Inc()
}

// SetActiveVersion publishes the active worker version of a scope.
func (m *Metrics) SetActiveVersion(scope string, version int) {
	if m == nil {
		return
	}
	m.ActiveVersion.WithLabelValues(scope).Set(float64(version))
}
