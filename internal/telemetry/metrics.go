// Package telemetry provides logging setup and Prometheus metrics for the audit service.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<AUDITCORE_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit pipeline counters: events recorded, writer latency and failures, dropped events
//   - Rolling file rotations and archive uploads
//   - Query API rate limit rejections
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() rather than the raw request URL. Writer metrics are
// labelled by the configured writer name, which is bounded by configuration.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Error rate (%):  sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:     histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
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

// Audit pipeline metrics.
//
// AuditEventsTotal counts events accepted by the audit logger, by event type and outcome.
// AuditWriterFailuresTotal counts failed Append/Flush calls per writer. A failing durable
// writer never fails the request, so this counter is the primary alert signal:
//
//	increase(audit_writer_failures_total{writer="store"}[5m]) > 0
//
// AuditEventsDroppedTotal counts events that never reached a writer, by reason
// ("invalid", "queue_full", "disabled").
var (
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_total",
			Help: "Total number of audit events recorded, by event type and outcome.",
		},
		[]string{"event_type", "outcome"},
	)

	AuditWriterDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "audit_writer_append_duration_seconds",
			Help:    "Latency of a single audit writer append, by writer.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"writer"},
	)

	AuditWriterFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_writer_failures_total",
			Help: "Total number of failed audit writer operations, by writer and operation.",
		},
		[]string{"writer", "op"},
	)

	AuditEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of audit events that were not delivered to any writer, by reason.",
		},
		[]string{"reason"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_queue_depth",
			Help: "Current number of audit events waiting for asynchronous durable dispatch.",
		},
	)
)

// Rolling file metrics.
var (
	AuditFileRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_file_rotations_total",
			Help: "Total number of audit file rotations.",
		},
	)

	AuditArchiveUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_archive_uploads_total",
			Help: "Total number of rotated audit files uploaded to the archive, by result.",
		},
		[]string{"result"},
	)
)

// RateLimitRejectionsTotal counts query API requests rejected by the rate limiter.
var RateLimitRejectionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "ratelimit_rejections_total",
		Help: "Total number of requests rejected by the rate limiter.",
	},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool. It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds. The goroutine exits when the database becomes
// unreachable, which happens on shutdown once db.Close() runs.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
