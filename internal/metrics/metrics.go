// Package metrics defines Prometheus metrics for the audit core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auditcore_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_errors_total",
			Help: "Total errors by code",
		},
		[]string{"type"},
	)

	EventsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_events_recorded_total",
			Help: "Total audit events appended to the chain",
		},
	)

	ChainConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_chain_conflicts_total",
			Help: "Chain head compare-and-swap conflicts (including resolved retries)",
		},
	)

	ChainVerificationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auditcore_chain_verification_failures_total",
			Help: "Chain verifications that found a broken or incomplete chain",
		},
	)

	ExportJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_export_jobs_total",
			Help: "Export job state transitions by resulting status",
		},
		[]string{"status"},
	)

	IdempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auditcore_idempotency_outcomes_total",
			Help: "Idempotent request admissions by outcome",
		},
		[]string{"outcome"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "auditcore_websocket_connections",
			Help: "Active WebSocket connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal, ErrorsTotal,
		EventsRecorded, ChainConflicts, ChainVerificationFailures,
		ExportJobsTotal, IdempotencyOutcomes,
		WSConnections,
	)
}
