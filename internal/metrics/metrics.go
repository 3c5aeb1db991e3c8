package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the profiler service
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Profiler metrics
	ProfilerState              *prometheus.GaugeVec
	ProfilerShardsActive       *prometheus.GaugeVec
	ProfilerSessionsSubscribed *prometheus.GaugeVec
	ProfilerEventsReceived     *prometheus.CounterVec
	ProfilerEventsDelivered    *prometheus.CounterVec
	ProfilerErrorsTotal        *prometheus.CounterVec
	ProfilerDiscoveryDuration  *prometheus.HistogramVec

	// Gateway metrics
	GatewayConnectionsActive prometheus.Gauge
	GatewayMessagesRejected  prometheus.Counter

	// Session metrics
	SessionEventsDropped *prometheus.CounterVec
	SessionBatchSize     prometheus.Histogram
	SessionFlushDelay    prometheus.Histogram
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_profiler_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_profiler_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Profiler metrics
	m.ProfilerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redis_profiler_state",
			Help: "Current profiler state (0=empty, 1=initializing, 2=connected, 3=ready, 4=error)",
		},
		[]string{"database"},
	)

	m.ProfilerShardsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redis_profiler_shards_active",
			Help: "Number of open MONITOR subscriptions",
		},
		[]string{"database"},
	)

	m.ProfilerSessionsSubscribed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redis_profiler_sessions_subscribed",
			Help: "Number of sessions in the subscription registry",
		},
		[]string{"database"},
	)

	m.ProfilerEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_profiler_events_received_total",
			Help: "Total number of monitor events read from shards",
		},
		[]string{"database"},
	)

	m.ProfilerEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_profiler_events_delivered_total",
			Help: "Total number of monitor events handed to sessions",
		},
		[]string{"database"},
	)

	m.ProfilerErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_profiler_errors_total",
			Help: "Total number of connect and discovery failures",
		},
		[]string{"database", "kind"},
	)

	m.ProfilerDiscoveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_profiler_discovery_duration_seconds",
			Help:    "Duration of shard discovery in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"database"},
	)

	// Gateway metrics
	m.GatewayConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redis_profiler_gateway_connections_active",
			Help: "Number of connected websocket sessions",
		},
	)

	m.GatewayMessagesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_profiler_gateway_messages_rejected_total",
			Help: "Total number of client messages dropped by the rate limiter",
		},
	)

	// Session metrics
	m.SessionEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_profiler_session_events_dropped_total",
			Help: "Total number of monitor events dropped by session overflow",
		},
		[]string{"policy"},
	)

	m.SessionBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "redis_profiler_session_batch_size",
			Help:    "Number of events per flushed batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // from 1 to 2048
		},
	)

	m.SessionFlushDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "redis_profiler_session_flush_delay_seconds",
			Help:    "Time spent writing a batch to the session sink",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		},
	)

	return m
}
