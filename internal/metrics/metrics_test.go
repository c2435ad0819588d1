package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	m := GetMetrics()
	assert.NotNil(t, m, "Metrics should not be nil")

	// Singleton behavior
	assert.Same(t, m, GetMetrics(), "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := GetMetrics()

	assert.NotNil(t, m.StreamConnectsTotal)
	assert.NotNil(t, m.StreamErrorsTotal)
	assert.NotNil(t, m.StreamReconnectDelay)
	assert.NotNil(t, m.StreamState)
	assert.NotNil(t, m.StreamEventsTotal)
	assert.NotNil(t, m.StreamHandlerFailures)

	assert.NotNil(t, m.ActivityEventsTotal)
	assert.NotNil(t, m.ActivityFlushesTotal)
	assert.NotNil(t, m.ActivityFlushDuration)
	assert.NotNil(t, m.ActivityBucketsEvicted)
	assert.NotNil(t, m.ActivityLateMerged)
	assert.NotNil(t, m.ActivityBuckets)

	assert.NotNil(t, m.TapLatencyMs)
	assert.NotNil(t, m.TapHeartbeatsTotal)
	assert.NotNil(t, m.TapConnected)
	assert.NotNil(t, m.TapCatalogOps)

	assert.NotNil(t, m.EngineRequestsTotal)
	assert.NotNil(t, m.EngineRequestDuration)
	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.APIRequestDuration)

	assert.NotNil(t, m.NotifierConnectionsActive)
	assert.NotNil(t, m.NotifierEventsPublished)
	assert.NotNil(t, m.NotifierEventDelay)
}

func TestMetricsOperations(t *testing.T) {
	// Isolated registry so counts don't depend on other tests
	registry := prometheus.NewRegistry()

	connects := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_stream_connects_total", Help: "test"},
		[]string{"outcome"},
	)
	state := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_stream_state", Help: "test"})
	registry.MustRegister(connects, state)

	connects.WithLabelValues("open").Inc()
	connects.WithLabelValues("failed").Add(3)
	state.Set(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(connects.WithLabelValues("open")))
	assert.Equal(t, float64(3), testutil.ToFloat64(connects.WithLabelValues("failed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(state))
}
