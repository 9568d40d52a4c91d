// Package telemetry provides application-level observability for the audit log service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by the serve command:
//
//	GET http(s)://<host>:<AUDIT_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not part of the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit write counters, failures by reason, and write latency
//   - Export and retention counters
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/users/:id/audit-logs)
// rather than the raw request URL. audit_records_total is labelled by event_type, which
// callers choose; keep the set of event types small.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit write metrics, recorded by audit.Recorder.
//
// AuditRecordFailuresTotal is labelled by reason: validation, constraint, unavailable,
// canceled or other.
//
// Example PromQL queries:
//   - Write rate by event type:  sum by (event_type) (rate(audit_records_total[5m]))
//   - Alert on lost writes:      increase(audit_record_failures_total{reason="unavailable"}[5m]) > 0
var (
	AuditRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Total number of audit log entries recorded, by event type (created, updated, deleted, restored or other).",
		},
		[]string{"event_type"},
	)

	AuditRecordFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_record_failures_total",
			Help: "Total number of audit log entries that could not be recorded, by reason.",
		},
		[]string{"reason"},
	)

	AuditRecordDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_record_duration_seconds",
			Help:    "Latency of a single audit log insert.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
)

// Retention and export metrics, recorded by the retention job and the exporter.
var (
	AuditExportedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_exported_entries_total",
			Help: "Total number of audit log entries written by exports and archives.",
		},
	)

	AuditPurgedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_purged_entries_total",
			Help: "Total number of audit log entries deleted by the retention job.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the sql.DB pool.
// It is sampled every 30 seconds by StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge. It stops
// when ctx is cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
