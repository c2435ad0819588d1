package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine = "http://engine:3000"
	cfg.Attributes["env"] = "test"

	attrs := cfg.resourceAttributes()
	got := map[attribute.Key]string{}
	for _, kv := range attrs {
		got[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "engine-tap", got["service.name"])
	assert.Equal(t, "http://engine:3000", got["enginetap.engine"])
	assert.Equal(t, "test", got["env"])
}

func TestExporterOptions(t *testing.T) {
	cfg := DefaultConfig()
	assert.Len(t, cfg.exporterOptions(), 3)

	cfg.Insecure = false
	cfg.Headers["authorization"] = "Bearer x"
	assert.Len(t, cfg.exporterOptions(), 3)
}

func TestTraceIDsWithoutSpan(t *testing.T) {
	traceID, spanID := TraceIDs(context.Background())
	assert.Empty(t, traceID)
	assert.Empty(t, spanID)

	// No-op spans are not recording and carry no ids
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()
	AddSpanAttributes(ctx, attribute.String("k", "v"))
	MarkSpanError(ctx, nil)
	traceID, _ = TraceIDs(ctx)
	assert.Empty(t, traceID)
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware("test"))
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
