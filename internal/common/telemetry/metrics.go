// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// setup shared by the authorizer components.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cardauth"

// Metrics groups every collector the engine records. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	authorizations  *prometheus.CounterVec
	latency         prometheus.Histogram
	budgetBreaches  prometheus.Counter
	riskFailOpen    prometheus.Counter
	riskScores      prometheus.Histogram
	holdTransitions *prometheus.CounterVec
	holdsExpired    prometheus.Counter
	eventsDropped   *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authorizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorizations_total",
			Help:      "Authorization decisions by status and decline code.",
		}, []string{"status", "code"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "authorization_duration_seconds",
			Help:      "End-to-end authorization pipeline latency.",
			Buckets:   []float64{.01, .025, .05, .1, .2, .4, .8, 1.6},
		}),
		budgetBreaches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latency_budget_breaches_total",
			Help:      "Authorizations that exceeded the latency budget.",
		}),
		riskFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_fail_open_total",
			Help:      "Risk assessments that failed open because history was unavailable.",
		}),
		riskScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of computed risk scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		holdTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hold_transitions_total",
			Help:      "Hold state transitions by resulting status.",
		}, []string{"status"}),
		holdsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holds_expired_total",
			Help:      "Holds released by the expiry sweep.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events that could not be queued or published.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.authorizations,
		m.latency,
		m.budgetBreaches,
		m.riskFailOpen,
		m.riskScores,
		m.holdTransitions,
		m.holdsExpired,
		m.eventsDropped,
	)
	return m
}

func (m *Metrics) ObserveAuthorization(status, code string, latency time.Duration) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(status, code).Inc()
	m.latency.Observe(latency.Seconds())
}

func (m *Metrics) BudgetBreached() {
	if m == nil {
		return
	}
	m.budgetBreaches.Inc()
}

func (m *Metrics) RiskFailedOpen() {
	if m == nil {
		return
	}
	m.riskFailOpen.Inc()
}

func (m *Metrics) ObserveRiskScore(score int) {
	if m == nil {
		return
	}
	m.riskScores.Observe(float64(score))
}

func (m *Metrics) HoldTransition(status string) {
	if m == nil {
		return
	}
	m.holdTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) HoldsExpired(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holdsExpired.Add(float64(n))
}

func (m *Metrics) EventDropped(eventType string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(eventType).Inc()
}
