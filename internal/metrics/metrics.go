// Package metrics provides Prometheus metrics for the relay server.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ftprelay"

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Total bytes relayed to the remote store",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Total number of relayed uploads",
		},
		[]string{"status"},
	)

	downloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Total bytes streamed from the remote store",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of downloads",
		},
		[]string{"mode", "status"},
	)

	stagingCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_cleanup_failures_total",
			Help:      "Staging files that could not be removed",
		},
	)

	catalogRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_records",
			Help:      "Number of upload records in the catalog",
		},
	)

	// Remote transport metrics
	transportOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_operation_duration_seconds",
			Help:      "Remote transport operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	transportOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_operations_total",
			Help:      "Total remote transport operations",
		},
		[]string{"operation", "status"},
	)

	transportSessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_sessions_open",
			Help:      "Number of remote sessions currently open",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total authentication attempts",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_hits_total",
			Help:      "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordUpload records the outcome of one relayed upload.
func RecordUpload(bytes int64, success bool) {
	if success {
		uploadBytes.Add(float64(bytes))
	}
	uploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordDownload records a download by mode ("catalog" or "direct").
func RecordDownload(mode string, bytes int64, success bool) {
	downloadBytes.Add(float64(bytes))
	downloadsTotal.WithLabelValues(mode, statusLabel(success)).Inc()
}

// RecordStagingCleanupFailure counts a staging file left behind.
func RecordStagingCleanupFailure() {
	stagingCleanupFailures.Inc()
}

// SetCatalogRecords sets the current catalog size.
func SetCatalogRecords(count int) {
	catalogRecords.Set(float64(count))
}

// RecordTransportOperation records a remote transport operation.
func RecordTransportOperation(operation string, duration time.Duration, success bool) {
	transportOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	transportOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// TransportSessionOpened increments the open session gauge.
func TransportSessionOpened() {
	transportSessionsOpen.Inc()
}

// TransportSessionClosed decrements the open session gauge.
func TransportSessionClosed() {
	transportSessionsOpen.Dec()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
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

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, pathLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}

var knownPaths = map[string]bool{
	"/health":                 true,
	"/api/auth/login":         true,
	"/api/auth/me":            true,
	"/api/upload":             true,
	"/api/admin/stats":        true,
	"/api/admin/files":        true,
	"/api/admin/ftp-files":    true,
	"/api/admin/download-ftp": true,
}

// pathLabel collapses per-file and unknown paths so label cardinality stays
// bounded.
func pathLabel(path string) string {
	const downloadPrefix = "/api/admin/download/"
	if strings.HasPrefix(path, downloadPrefix) && len(path) > len(downloadPrefix) {
		return downloadPrefix + "{fileId}"
	}
	if knownPaths[path] {
		return path
	}
	return "other"
}
