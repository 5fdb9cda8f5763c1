package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatcherQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_batcher_queue_size",
			Help: "Current number of messages waiting in the batcher queue (count)",
		},
		[]string{"batcher"},
	)

	BatcherBatchesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_batcher_batches_sent_total",
			Help: "Total number of batches handed to the transport (count)",
		},
		[]string{"batcher", "status"},
	)

	BatcherMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_batcher_messages_total",
			Help: "Total number of messages by terminal outcome (count)",
		},
		[]string{"batcher", "outcome"},
	)

	BatcherFlushDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_batcher_flush_duration_ms",
			Help:    "Duration of batch flushes including transport time in milliseconds",
			Buckets: []float64{1, 5, 10, 16, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"batcher"},
	)

	BatcherBackpressure = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_batcher_backpressured",
			Help: "Whether the batcher is currently shedding load (0 or 1)",
		},
		[]string{"batcher"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	CircuitBreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_circuit_breaker_rejections_total",
			Help: "Total number of calls rejected without invoking the operation (count)",
		},
		[]string{"name", "reason"},
	)

	CodecEncodedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_codec_operations_total",
			Help: "Total number of codec operations (count)",
		},
		[]string{"operation", "status"},
	)

	CodecBytesSavedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_codec_bytes_saved_total",
			Help: "Cumulative bytes saved by binary encoding versus the JSON reference (bytes)",
		},
	)

	CodecDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_codec_duration_ms",
			Help:    "Duration of codec operations in milliseconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 25, 50},
		},
		[]string{"operation"},
	)

	CodecPayloadSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_codec_payload_size_bytes",
			Help:    "Size of encoded payloads in bytes",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		},
		[]string{"kind"},
	)

	MonitorHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bridge_monitor_health_score",
			Help: "Consolidated bridge health score, 0 to 100, higher is better (score)",
		},
	)

	MonitorActiveAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_monitor_active_alerts",
			Help: "Number of active alerts by severity (count)",
		},
		[]string{"severity"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// RegisterBridgeMetrics registers all bridge collectors with the default
// registry. Safe to call from multiple components.
func RegisterBridgeMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(BatcherQueueSize)
		prometheus.MustRegister(BatcherBatchesSentTotal)
		prometheus.MustRegister(BatcherMessagesTotal)
		prometheus.MustRegister(BatcherFlushDuration)
		prometheus.MustRegister(BatcherBackpressure)
		prometheus.MustRegister(CircuitBreakerState)
		prometheus.MustRegister(CircuitBreakerRequests)
		prometheus.MustRegister(CircuitBreakerFailures)
		prometheus.MustRegister(CircuitBreakerRejections)
		prometheus.MustRegister(CodecEncodedTotal)
		prometheus.MustRegister(CodecBytesSavedTotal)
		prometheus.MustRegister(CodecDuration)
		prometheus.MustRegister(CodecPayloadSize)
		prometheus.MustRegister(MonitorHealthScore)
		prometheus.MustRegister(MonitorActiveAlerts)
		prometheus.MustRegister(RateLimitRequestsTotal)
	})
}
