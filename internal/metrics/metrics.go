// Package metrics provides Prometheus metrics for the hybridfs gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridfs_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hybridfs_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Resolution metrics
	resolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridfs_resolve_total",
			Help: "Resolved requests by origin and status",
		},
		[]string{"origin", "status"},
	)

	// Network fetch metrics
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridfs_fetch_total",
			Help: "Fallback fetches by outcome",
		},
		[]string{"outcome"},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hybridfs_fetch_duration_seconds",
			Help:    "Duration of network fetches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	fetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hybridfs_fetch_bytes_total",
			Help: "Bytes written to the file cache by network fetches",
		},
	)

	fetchesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hybridfs_fetches_in_flight",
			Help: "Network fetches currently running",
		},
	)

	// Cache metrics
	dirCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridfs_dircache_total",
			Help: "Directory cache lookups by result",
		},
		[]string{"result"},
	)

	cacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hybridfs_cache_invalidations_total",
			Help: "Cache scopes purged after a root change",
		},
	)

	// OCI metrics
	snapshotLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hybridfs_oci_snapshot_loads_total",
			Help: "OCI snapshot loads by status",
		},
		[]string{"status"},
	)

	snapshotLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hybridfs_oci_snapshot_load_duration_seconds",
			Help:    "OCI snapshot load duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordResolve records the outcome of one resolution.
func RecordResolve(origin string, status int) {
	resolveTotal.WithLabelValues(origin, strconv.Itoa(status)).Inc()
}

// RecordFetch records a completed coordinator fetch.
func RecordFetch(outcome string, bytes int, duration time.Duration) {
	fetchTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		fetchBytes.Add(float64(bytes))
	}
	if duration > 0 {
		fetchDuration.Observe(duration.Seconds())
	}
}

// FetchStarted marks a network fetch as running.
func FetchStarted() { fetchesInFlight.Inc() }

// FetchFinished marks a network fetch as done.
func FetchFinished() { fetchesInFlight.Dec() }

// RecordDirCache records a directory cache lookup: "hit", "rebuild" or "error".
func RecordDirCache(result string) {
	dirCacheTotal.WithLabelValues(result).Inc()
}

// RecordInvalidation records a purged cache scope.
func RecordInvalidation() {
	cacheInvalidations.Inc()
}

// RecordSnapshotLoad records an OCI snapshot load.
func RecordSnapshotLoad(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	snapshotLoads.WithLabelValues(status).Inc()
	snapshotLoadDuration.Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
