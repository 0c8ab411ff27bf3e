package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the authorization engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DecisionsTotal        *prometheus.CounterVec
	DecisionDuration      *prometheus.HistogramVec
	TransitionsTotal      *prometheus.CounterVec
	AuditWriteFailures    *prometheus.CounterVec
	LocatorLookupsTotal   *prometheus.CounterVec
	InvitationsSweptTotal prometheus.Counter
	RateLimitTotal        *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pauthz_authorization_decisions_total",
				Help: "Authorization decisions by action, outcome and deny reason",
			},
			[]string{"action", "outcome", "reason"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pauthz_authorization_duration_seconds",
				Help:    "Time spent producing an authorization decision",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
			},
			[]string{"action"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pauthz_membership_transitions_total",
				Help: "Membership state transitions by kind and result",
			},
			[]string{"transition", "result"},
		),
		AuditWriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pauthz_audit_write_failures_total",
				Help: "Audit entries that could not be written after a committed transition",
			},
			[]string{"action"},
		),
		LocatorLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pauthz_property_locator_cache_total",
				Help: "Property locator lookups by cache layer and result",
			},
			[]string{"layer", "result"},
		),
		InvitationsSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pauthz_invitations_swept_total",
				Help: "Expired invitations removed by the sweeper",
			},
		),
		RateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pauthz_rate_limit_total",
				Help: "API rate limit checks by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.DecisionsTotal,
		m.DecisionDuration,
		m.TransitionsTotal,
		m.AuditWriteFailures,
		m.LocatorLookupsTotal,
		m.InvitationsSweptTotal,
		m.RateLimitTotal,
	)

	return m
}

// RecordDecision records an authorization outcome
func (m *Metrics) RecordDecision(action, outcome, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(action, outcome, reason).Inc()
	m.DecisionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordTransition records a membership transition attempt
func (m *Metrics) RecordTransition(transition string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.TransitionsTotal.WithLabelValues(transition, result).Inc()
}

// RecordAuditFailure counts an audit entry lost after a committed transition
func (m *Metrics) RecordAuditFailure(action string) {
	if m == nil {
		return
	}
	m.AuditWriteFailures.WithLabelValues(action).Inc()
}

// RecordLocatorLookup counts a property locator lookup at a cache layer
func (m *Metrics) RecordLocatorLookup(layer, result string) {
	if m == nil {
		return
	}
	m.LocatorLookupsTotal.WithLabelValues(layer, result).Inc()
}

// RecordInvitationsSwept counts swept invitations
func (m *Metrics) RecordInvitationsSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.InvitationsSweptTotal.Add(float64(n))
}

// RecordRateLimit counts a rate limit check: allowed, limited or error
func (m *Metrics) RecordRateLimit(result string) {
	if m == nil {
		return
	}
	m.RateLimitTotal.WithLabelValues(result).Inc()
}

// Handler returns the /metrics handler for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
