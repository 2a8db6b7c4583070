// Package metrics exposes Prometheus collectors for the economy core.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "economy",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "economy",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Total ledger appends by transaction type.",
		},
		[]string{"tx_type"},
	)

	projectionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "ledger",
			Name:      "projection_failures_total",
			Help:      "Projection writes that failed after a durable ledger append.",
		},
	)

	reconciliationDrift = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "ledger",
			Name:      "reconciliation_drift_total",
			Help:      "Accounts found drifted from their ledger during reconciliation.",
		},
	)

	storeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Remote store call retries.",
		},
		[]string{"operation"},
	)

	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "economy",
			Subsystem: "store",
			Name:      "circuit_breaker_open",
			Help:      "1 when the remote store circuit breaker is open.",
		},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "jobs",
			Name:      "runs_total",
			Help:      "Scheduled job executions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "economy",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Read cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerAppends,
		projectionFailures,
		reconciliationDrift,
		storeRetries,
		breakerState,
		jobRuns,
		cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path)).Observe(duration.Seconds())
	})
}

// RecordLedgerAppend counts a durable ledger append.
func RecordLedgerAppend(txType string) {
	if txType == "" {
		txType = "unknown"
	}
	ledgerAppends.WithLabelValues(txType).Inc()
}

// RecordProjectionFailure counts a projection write that failed after the
// ledger append succeeded. These are operational incidents, not rollbacks.
func RecordProjectionFailure() {
	projectionFailures.Inc()
}

// RecordReconciliationDrift counts an account whose projection disagreed with
// its ledger history.
func RecordReconciliationDrift() {
	reconciliationDrift.Inc()
}

// RecordStoreRetry counts one retry of a remote store call.
func RecordStoreRetry(operation string) {
	storeRetries.WithLabelValues(operation).Inc()
}

// SetBreakerOpen publishes the circuit breaker state.
func SetBreakerOpen(open bool) {
	if open {
		breakerState.Set(1)
	} else {
		breakerState.Set(0)
	}
}

// RecordJobRun counts a scheduled job execution by outcome
// (succeeded, retried, failed).
func RecordJobRun(kind, outcome string) {
	jobRuns.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	// Collapse IDs so label cardinality stays bounded:
	// /api/v1/tenants/{tenant}/tasks/{id}/claim -> /api/v1/tenants/:tenant/tasks/:id/claim
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "tenants", "tasks", "items", "users":
			parts[i] = ":" + strings.TrimSuffix(parts[i-1], "s")
		}
	}
	return "/" + strings.Join(parts, "/")
}
