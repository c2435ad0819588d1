package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/engine-tap/internal/config"
	"github.com/nkkko/engine-tap/internal/tap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEngine(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/events/tap":
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					fmt.Fprintf(w, "event: heartbeat\ndata: {\"now\":%d,\"intervalMs\":60000}\n\n", time.Now().UnixMilli())
					w.(http.Flusher).Flush()
				}
			}
		case "/cache/refresh":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"refreshed":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) (*config.Config, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine-tap.yaml")
	body := fmt.Sprintf("server:\n  addr: \"127.0.0.1:0\"\nengine:\n  base_url: %q\nstream:\n  backoff_base_ms: 10\n  backoff_max_ms: 50\n", baseURL)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := config.LoadConfig(path, config.Overrides{})
	require.NoError(t, err)
	return cfg, path
}

func TestEngineRunsAndShutsDown(t *testing.T) {
	srv := fakeEngine(t)
	cfg, path := testConfig(t, srv.URL)

	holder := config.NewHolder(cfg, path, func() (*config.Config, error) {
		return config.LoadConfig(path, config.Overrides{})
	})
	e, err := New(holder)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, func() bool {
		st := e.Tap().Status()
		return st.Connected && st.Heartbeat != nil
	}, 3*time.Second, 10*time.Millisecond)

	// The API serves the tap's state and proxies to the engine
	h := e.API().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data tap.Status `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.True(t, env.Data.Connected)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/cache/refresh", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"refreshed":true`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not shut down")
	}
	assert.False(t, e.Tap().Status().Connected)
}

func TestEngineReloadSwapsClassifier(t *testing.T) {
	srv := fakeEngine(t)
	cfg, path := testConfig(t, srv.URL)

	next := config.DefaultConfig()
	next.Engine.BaseURL = srv.URL
	next.Activity.Classifier.Keys = []string{"open", "heartbeat", "billing", "other"}
	next.Activity.Classifier.Stems = nil
	next.Activity.Classifier.Aliases = nil

	holder := config.NewHolder(cfg, path, func() (*config.Config, error) { return next, nil })
	e, err := New(holder)
	require.NoError(t, err)
	t.Cleanup(func() { e.aggregator.Close() })

	assert.False(t, e.classifier.Known("billing"))
	require.NoError(t, holder.Reload())
	assert.True(t, e.classifier.Known("billing"))
	assert.Equal(t, []string{"open", "heartbeat", "billing", "other"}, e.classifier.Keys())
}

func TestSnapshot(t *testing.T) {
	srv := fakeEngine(t)
	cfg, path := testConfig(t, srv.URL)

	e, err := New(config.NewHolder(cfg, path, nil))
	require.NoError(t, err)
	t.Cleanup(func() { e.aggregator.Close() })

	updates := e.snapshot()
	require.Len(t, updates, 3)
	assert.Equal(t, tap.TopicStatus, updates[0].Topic)
	assert.Equal(t, tap.TopicActivity, updates[1].Topic)
	assert.Equal(t, tap.TopicFeed, updates[2].Topic)
	for _, u := range updates {
		assert.NotEmpty(t, u.ID)
	}
}

func TestNewRejectsBadClassifier(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Activity.Classifier.Keys = nil
	_, err := New(config.NewHolder(cfg, "", nil))
	assert.Error(t, err)
}
