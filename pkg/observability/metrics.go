package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatengine_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Generation metrics
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_generations_total",
			Help: "Generation tasks by outcome",
		},
		[]string{"outcome"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatengine_generation_duration_seconds",
			Help:    "Time from dispatch to terminal event",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model"},
	)

	generationChunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatengine_generation_chunks_total",
			Help: "Text chunks streamed to subscribers",
		},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_tool_calls_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	// Memory metrics
	consolidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_memory_consolidations_total",
			Help: "Long-term memory consolidation jobs by outcome",
		},
		[]string{"outcome"},
	)

	consolidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatengine_memory_consolidation_duration_seconds",
			Help:    "Consolidation job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	retrievalHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_memory_retrieval_hits_total",
			Help: "Retrieved long-term entries by source kind",
		},
		[]string{"source"},
	)

	retrievalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatengine_memory_retrieval_failures_total",
			Help: "Retrievals that degraded to short-term context",
		},
	)

	// Relay metrics
	relayPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatengine_relay_events_published_total",
			Help: "Events published to the relay by kind",
		},
		[]string{"kind"},
	)

	relayDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatengine_relay_events_delivered_total",
			Help: "Events delivered to local subscribers",
		},
	)

	// System metrics
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatengine_active_connections",
			Help: "Number of open client connections",
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatengine_active_sessions",
			Help: "Sessions held in the local registry",
		},
	)

	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatengine_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatengine_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			generationsTotal,
			generationDuration,
			generationChunks,
			toolCallsTotal,
			consolidationsTotal,
			consolidationDuration,
			retrievalHits,
			retrievalFailures,
			relayPublished,
			relayDelivered,
			activeConnections,
			activeSessions,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGeneration records a finished generation task.
func RecordGeneration(model, outcome string, duration time.Duration) {
	generationsTotal.WithLabelValues(outcome).Inc()
	generationDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordGenerationRejected counts a task refused before dispatch.
func RecordGenerationRejected(reason string) {
	generationsTotal.WithLabelValues("rejected_" + reason).Inc()
}

func RecordChunk() {
	generationChunks.Inc()
}

// RecordToolCall records a tool invocation
func RecordToolCall(tool, status string) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordConsolidation records a consolidation job
func RecordConsolidation(outcome string, duration time.Duration) {
	consolidationsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		consolidationDuration.Observe(duration.Seconds())
	}
}

// RecordRetrieval records entries retrieved from long-term memory
func RecordRetrieval(source string, hits int) {
	retrievalHits.WithLabelValues(source).Add(float64(hits))
}

func RecordRetrievalFailure() {
	retrievalFailures.Inc()
}

func RecordRelayPublish(kind string) {
	relayPublished.WithLabelValues(kind).Inc()
}

func RecordRelayDelivery() {
	relayDelivered.Inc()
}

// ConnectionOpened increments the active connections gauge
func ConnectionOpened() {
	activeConnections.Inc()
}

// ConnectionClosed decrements the active connections gauge
func ConnectionClosed() {
	activeConnections.Dec()
}

// SetActiveSessions sets the active sessions gauge
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

// SetMemoryUsage sets the memory usage gauge
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}
