// Package telemetry provides application-level observability for the sandbox gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http(s)://<host>:<SBG_SERVER_METRICS_PORT>/metrics
//
// Default port: 9090.  The endpoint returns data in the Prometheus text exposition
// format and is intended to be scraped every 15–60 seconds.  It is NOT served by
// the Gin router, so it sits behind neither authentication nor rate limiting and
// must not be exposed on the public ingress.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Relay (proxy) counters and latency histogram
//   - Sandbox lifecycle operation counters
//   - Authentication failure counters by internal reason
//   - Audit write drop counter
//   - Reconciler orphan/stale gauges
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/sandboxes/:name)
// rather than the raw request URL to prevent unbounded label cardinality from
// user-supplied path segments such as sandbox names.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
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

// Relay metrics — one observation per forwarded request. The outcome label is
// "forwarded" (upstream answered, any status), "not_ready" (503 returned
// before contacting the upstream), or "error" (transport failure or non-JSON
// upstream body). Sandbox names are deliberately NOT a label.
var (
	RelayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total number of proxy relay requests, by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	RelayRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end latency of proxied requests including upstream time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
)

// SandboxOperationsTotal counts lifecycle operations by operation
// (create, delete, pause, resume) and result (success, failed).
//
// Example alert: increase(sandbox_operations_total{result="failed"}[15m]) > 5
var SandboxOperationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sandbox_operations_total",
		Help: "Total number of sandbox lifecycle operations, by operation and result.",
	},
	[]string{"operation", "result"},
)

// AuthFailuresTotal counts authentication rejections by internal reason:
// bad_header, unknown_key, key_inactive, key_expired, user_inactive,
// bad_admin_key. All map to the same HTTP status; the label preserves the
// distinction the response deliberately hides.
var AuthFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "Total number of rejected authentication attempts, by internal reason.",
	},
	[]string{"reason"},
)

// AuditDroppedTotal counts audit entries that could not be persisted. Audit
// writes are fire-and-forget, so this counter is the only signal that entries
// are being lost.
var AuditDroppedTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "audit_entries_dropped_total",
		Help: "Total number of audit entries that failed to persist and were dropped.",
	},
)

// Reconciler gauges — set after each sweep.
//
// ReconcilerOrphanedObjects: orchestrator objects with no owning database row.
// ReconcilerStaleRecords: database rows whose orchestrator object is gone.
// Both should normally read zero; a persistent non-zero value means the
// create/delete sequence was interrupted and an operator repair is needed.
var (
	ReconcilerOrphanedObjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_orphaned_objects",
			Help: "Sandbox objects present in the orchestrator with no owning database record.",
		},
	)

	ReconcilerStaleRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reconciler_stale_records",
			Help: "Sandbox database records whose orchestrator object no longer exists.",
		},
	)
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits cleanly when the database becomes unreachable (db.Ping fails),
// which happens automatically when the application shuts down and defers db.Close().
//
// Call this once, immediately after db.Connect() succeeds in main.go:
//
//	telemetry.StartDBStatsCollector(database)
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
