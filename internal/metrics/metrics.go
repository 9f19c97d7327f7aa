// Package metrics provides Prometheus metrics for the agrosync daemon.
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
			Name: "agrosync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agrosync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Queue metrics
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agrosync_queue_depth",
			Help: "Number of operations waiting to be replayed",
		},
	)

	queueBlocked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agrosync_queue_needs_resolution",
			Help: "Number of queued operations waiting for a manual retry or discard",
		},
	)

	enqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_operations_enqueued_total",
			Help: "Total operations accepted into the queue",
		},
		[]string{"table", "action"},
	)

	enqueueFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_enqueue_failures_total",
			Help: "Total enqueue calls rejected because the queue could not be persisted",
		},
		[]string{"reason"},
	)

	replayedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_operations_replayed_total",
			Help: "Total replay attempts by outcome",
		},
		[]string{"table", "action", "result"},
	)

	discardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agrosync_operations_discarded_total",
			Help: "Total queued operations discarded by an operator",
		},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agrosync_drain_duration_seconds",
			Help:    "Time spent in one drain run",
			Buckets: prometheus.DefBuckets,
		},
	)

	drainsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_drains_total",
			Help: "Total drain runs by outcome",
		},
		[]string{"result"},
	)

	// Connectivity metrics
	online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agrosync_online",
			Help: "1 if the remote store is believed reachable, 0 otherwise",
		},
	)

	connectivityTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_connectivity_transitions_total",
			Help: "Total connectivity flips by new state",
		},
		[]string{"state", "source"},
	)

	// Snapshot metrics
	snapshotSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_snapshot_saves_total",
			Help: "Total snapshot writes",
		},
		[]string{"status"},
	)

	snapshotFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_snapshot_fallbacks_total",
			Help: "Total reads served from a snapshot instead of the remote store",
		},
		[]string{"result"},
	)

	// Remote store metrics
	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agrosync_remote_request_duration_seconds",
			Help:    "Remote store call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_remote_requests_total",
			Help: "Total remote store calls by outcome kind",
		},
		[]string{"backend", "op", "kind"},
	)

	// Persistence metrics
	persistOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agrosync_persist_operation_duration_seconds",
			Help:    "Host persistence operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	persistErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_persist_errors_total",
			Help: "Total host persistence failures",
		},
		[]string{"backend", "operation"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agrosync_rate_limit_hits_total",
			Help: "Total requests rejected by the per-user rate limiter",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agrosync_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrosync_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetQueueDepth sets the pending and blocked operation gauges.
func SetQueueDepth(pending, blocked int) {
	queueDepth.Set(float64(pending))
	queueBlocked.Set(float64(blocked))
}

// RecordEnqueue records an accepted operation.
func RecordEnqueue(table, action string) {
	enqueuedTotal.WithLabelValues(table, action).Inc()
}

// RecordEnqueueFailure records an operation that could not be queued.
func RecordEnqueueFailure(reason string) {
	enqueueFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordReplay records the outcome of replaying one operation.
// result is "success" or an error kind.
func RecordReplay(table, action, result string) {
	replayedTotal.WithLabelValues(table, action, result).Inc()
}

// RecordDiscard records an operator discarding a queued operation.
func RecordDiscard() {
	discardedTotal.Inc()
}

// RecordDrain records one drain run.
func RecordDrain(duration time.Duration, complete bool) {
	drainDuration.Observe(duration.Seconds())
	result := "complete"
	if !complete {
		result = "partial"
	}
	drainsTotal.WithLabelValues(result).Inc()
}

// SetOnline records the current connectivity state.
func SetOnline(isOnline bool) {
	if isOnline {
		online.Set(1)
	} else {
		online.Set(0)
	}
}

// RecordConnectivityTransition records a connectivity flip.
func RecordConnectivityTransition(isOnline bool, source string) {
	state := "online"
	if !isOnline {
		state = "offline"
	}
	connectivityTransitionsTotal.WithLabelValues(state, source).Inc()
}

// RecordSnapshotSave records a snapshot write.
func RecordSnapshotSave(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	snapshotSavesTotal.WithLabelValues(status).Inc()
}

// RecordSnapshotFallback records a read served locally.
// hit is false when no snapshot existed for the label.
func RecordSnapshotFallback(hit bool) {
	result := "hit"
	if !hit {
		result = "absent"
	}
	snapshotFallbacksTotal.WithLabelValues(result).Inc()
}

// RecordRemoteRequest records a remote store call.
// kind is "ok" on success, otherwise the error kind.
func RecordRemoteRequest(backend, op, kind string, duration time.Duration) {
	remoteRequestDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
	remoteRequestsTotal.WithLabelValues(backend, op, kind).Inc()
}

// RecordPersistOperation records a host persistence call.
func RecordPersistOperation(backend, operation string, duration time.Duration, success bool) {
	persistOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if !success {
		persistErrorsTotal.WithLabelValues(backend, operation).Inc()
	}
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimitHit records a request rejected by the rate limiter.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
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

// Instrument wraps a handler registered under route and records request
// metrics labelled by that route, so ids in the path do not explode
// cardinality.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
