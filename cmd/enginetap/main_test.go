package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/nkkko/engine-tap/pkg/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method, path, token, body string
}

func fakeEngine(t *testing.T) (*httptest.Server, func() []recordedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recordedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recordedRequest{r.Method, r.URL.Path, r.Header.Get("x-admin-token"), string(b)})
		mu.Unlock()

		if r.URL.Path == "/admin/restart" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"restart disabled"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), reqs...)
	}
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ENGINETAP_CONFIG", "")

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRefreshCommand(t *testing.T) {
	srv, requests := fakeEngine(t)

	out, err := run(t, "", "refresh", "--base-url", srv.URL, "--admin-token", "tok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, out)

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, recordedRequest{http.MethodPost, "/cache/refresh", "tok", "{}"}, reqs[0])
}

func TestConfigPatchSources(t *testing.T) {
	srv, requests := fakeEngine(t)

	file := filepath.Join(t.TempDir(), "patch.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"from":"file"}`), 0644))

	_, err := run(t, "", "config", "patch", `{"from":"arg"}`, "--base-url", srv.URL)
	require.NoError(t, err)
	_, err = run(t, "", "config", "patch", "@"+file, "--base-url", srv.URL)
	require.NoError(t, err)
	_, err = run(t, `{"from":"stdin"}`, "config", "patch", "-", "--base-url", srv.URL)
	require.NoError(t, err)

	_, err = run(t, "", "config", "patch", `[1,2]`, "--base-url", srv.URL)
	assert.Error(t, err)

	reqs := requests()
	require.Len(t, reqs, 3)
	for i, want := range []string{"arg", "file", "stdin"} {
		assert.Equal(t, http.MethodPatch, reqs[i].method)
		assert.Equal(t, "/admin/config", reqs[i].path)
		var body map[string]string
		require.NoError(t, json.Unmarshal([]byte(reqs[i].body), &body))
		assert.Equal(t, want, body["from"])
	}
}

func TestConfigGetAndExport(t *testing.T) {
	srv, requests := fakeEngine(t)

	_, err := run(t, "", "config", "get", "--base-url", srv.URL)
	require.NoError(t, err)
	_, err = run(t, "", "config", "export-env", "--base-url", srv.URL)
	require.NoError(t, err)

	reqs := requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/admin/config", reqs[0].path)
	assert.Equal(t, "/admin/config/export-env", reqs[1].path)
}

func TestEngineErrorSurfaces(t *testing.T) {
	srv, _ := fakeEngine(t)

	_, err := run(t, "", "restart", "--base-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart disabled")
}

func TestInvalidConfigFails(t *testing.T) {
	_, err := run(t, "", "refresh", "--base-url", "not a url")
	assert.Error(t, err)
}

func TestPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{out: &buf, classifier: activity.MustDefaultClassifier()}

	ev := sse.Event{
		Name:       "sync.done",
		Raw:        `{"n":1}`,
		Data:       map[string]any{"n": float64(1)},
		ReceivedAt: time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC),
	}
	p.print(ev)
	assert.Equal(t, "03:04:05.006 sync       sync.done            {\"n\":1}\n", buf.String())

	buf.Reset()
	p.json = true
	p.print(ev)
	assert.JSONEq(t, `{"time":"03:04:05.006","source":"sync","name":"sync.done","data":{"n":1}}`, buf.String())
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "", "b", "a"}))
}
