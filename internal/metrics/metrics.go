// Package metrics exposes prometheus collectors for the authorization core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors updated by services and the HTTP layer.
type Metrics struct {
	validations        *prometheus.CounterVec
	validationDuration prometheus.Histogram
	postings           *prometheus.CounterVec
	tokensIssued       prometheus.Counter
	tokensSwept        prometheus.Counter
	auditFailures      prometheus.Counter
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tap_validations_total",
			Help: "Validation attempts by outcome.",
		}, []string{"outcome"}),
		validationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tap_validation_duration_seconds",
			Help:    "Latency of a validation attempt including the audit write.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
		}),
		postings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tap_ledger_postings_total",
			Help: "Ledger transactions committed by category.",
		}, []string{"category"}),
		tokensIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "tap_tokens_issued_total",
			Help: "Access tokens issued.",
		}),
		tokensSwept: f.NewCounter(prometheus.CounterOpts{
			Name: "tap_tokens_swept_total",
			Help: "Pending access tokens expired by the sweeper.",
		}),
		auditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tap_audit_write_failures_total",
			Help: "Audit records that could not be persisted.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tap_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tap_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Metrics) ObserveValidation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
	m.validationDuration.Observe(d.Seconds())
}

func (m *Metrics) Posting(category string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(category).Inc()
}

func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

func (m *Metrics) TokensSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensSwept.Add(float64(n))
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
