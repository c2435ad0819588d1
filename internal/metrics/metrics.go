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

// Metrics holds Prometheus metrics for engine-tap
type Metrics struct {
	// Stream client metrics
	StreamConnectsTotal   *prometheus.CounterVec
	StreamErrorsTotal     *prometheus.CounterVec
	StreamReconnectDelay  prometheus.Histogram
	StreamState           prometheus.Gauge
	StreamEventsTotal     *prometheus.CounterVec
	StreamHandlerFailures *prometheus.CounterVec

	// Activity aggregator metrics
	ActivityEventsTotal    *prometheus.CounterVec
	ActivityFlushesTotal   prometheus.Counter
	ActivityFlushDuration  prometheus.Histogram
	ActivityBucketsEvicted prometheus.Counter
	ActivityLateMerged    prometheus.Counter
	ActivityBuckets        prometheus.Gauge

	// Tap metrics
	TapLatencyMs       prometheus.Gauge
	TapHeartbeatsTotal prometheus.Counter
	TapConnected       prometheus.Gauge
	TapCatalogOps      *prometheus.CounterVec

	// Engine REST client metrics
	EngineRequestsTotal   *prometheus.CounterVec
	EngineRequestDuration *prometheus.HistogramVec

	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Notifier metrics
	NotifierConnectionsActive prometheus.Gauge
	NotifierEventsPublished   *prometheus.CounterVec
	NotifierEventDelay        prometheus.Histogram
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

	// Stream client metrics
	m.StreamConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_stream_connects_total",
			Help: "Total number of stream connection attempts by outcome",
		},
		[]string{"outcome"}, // open, failed
	)

	m.StreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_stream_errors_total",
			Help: "Total number of stream transport errors",
		},
		[]string{"kind"}, // dial, status, content_type, read, eof
	)

	m.StreamReconnectDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enginetap_stream_reconnect_delay_seconds",
			Help:    "Scheduled delay before a stream reconnect attempt",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // from 250ms to ~32s
		},
	)

	m.StreamState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enginetap_stream_state",
			Help: "Stream state (0 connecting, 1 open, 2 error, 3 closed)",
		},
	)

	m.StreamEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_stream_events_total",
			Help: "Total number of events received from the stream",
		},
		[]string{"dispatch"}, // named, default, unbound
	)

	m.StreamHandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_stream_handler_failures_total",
			Help: "Total number of stream handler invocations that failed",
		},
		[]string{"reason"}, // error, panic
	)

	// Activity aggregator metrics
	m.ActivityEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_activity_events_total",
			Help: "Total number of classified events recorded per source",
		},
		[]string{"source"},
	)

	m.ActivityFlushesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enginetap_activity_flushes_total",
			Help: "Total number of pending buffer flushes",
		},
	)

	m.ActivityFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enginetap_activity_flush_duration_seconds",
			Help:    "Duration of pending buffer flushes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 12), // from 10us to ~20ms
		},
	)

	m.ActivityBucketsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enginetap_activity_buckets_evicted_total",
			Help: "Total number of buckets evicted from the trailing window",
		},
	)

	m.ActivityLateMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enginetap_activity_late_merged_total",
			Help: "Total number of events older than the window counted in the oldest bucket",
		},
	)

	m.ActivityBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enginetap_activity_buckets",
			Help: "Number of buckets currently retained",
		},
	)

	// Tap metrics
	m.TapLatencyMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enginetap_tap_latency_milliseconds",
			Help: "Smoothed stream latency estimate in milliseconds",
		},
	)

	m.TapHeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "enginetap_tap_heartbeats_total",
			Help: "Total number of heartbeats received",
		},
	)

	m.TapConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enginetap_tap_connected",
			Help: "Whether the tap stream is connected (1) or reconnecting (0)",
		},
	)

	m.TapCatalogOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_tap_catalog_operations_total",
			Help: "Event catalog cache operations",
		},
		[]string{"operation"},
	)

	// Engine REST client metrics
	m.EngineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_engine_requests_total",
			Help: "Total number of requests made to the engine REST API",
		},
		[]string{"method", "path", "status"},
	)

	m.EngineRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enginetap_engine_request_duration_seconds",
			Help:    "Engine REST API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// API metrics
	m.APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_api_requests_total",
			Help: "Total number of dashboard API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enginetap_api_request_duration_seconds",
			Help:    "Dashboard API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
		[]string{"method", "path"},
	)

	// Notifier metrics
	m.NotifierConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enginetap_notifier_connections_active",
			Help: "Number of active dashboard stream connections",
		},
	)

	m.NotifierEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginetap_notifier_events_published_total",
			Help: "Total number of updates published to dashboard clients",
		},
		[]string{"protocol"}, // websocket, sse, broadcast
	)

	m.NotifierEventDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enginetap_notifier_event_delay_seconds",
			Help:    "Time spent fanning out one broadcast batch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // from 0.1ms to ~51ms
		},
	)

	return m
}
