// Package client is a small HTTP client for the engine's REST and admin
// endpoints, plus a tap stream helper.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/nkkko/engine-tap/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// AdminTokenHeader carries the admin token on every request
const AdminTokenHeader = "x-admin-token"

// APIError is returned for non-2xx responses and transport failures.
// Status is 0 when the request never got a response.
type APIError struct {
	Status  int
	Message string
	Payload any
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("engine API error (%d): %s", e.Status, e.Message)
}

// Client talks to the engine
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    http.Header
	adminToken string
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithAdminToken sets the token sent in AdminTokenHeader
func WithAdminToken(token string) ClientOption {
	return func(c *Client) {
		c.adminToken = token
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the engine at baseURL
func New(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		headers:    http.Header{},
		logger:     log.With().Str("component", "engine-client").Logger(),
		metrics:    metrics.GetMetrics(),
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// BaseURL returns the engine base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Healthz fetches the engine health document
func (c *Client) Healthz(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/healthz", nil)
}

// Heartbeat fetches the engine's last heartbeat
func (c *Client) Heartbeat(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/heartbeat", nil)
}

// RefreshCache asks the engine to rebuild its caches
func (c *Client) RefreshCache(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodPost, "/cache/refresh", map[string]any{})
}

// GetConfig returns the engine's runtime configuration
func (c *Client) GetConfig(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodGet, "/admin/config", nil)
}

// PatchConfig applies a partial configuration update
func (c *Client) PatchConfig(ctx context.Context, patch map[string]any) (any, error) {
	if patch == nil {
		patch = map[string]any{}
	}
	return c.do(ctx, http.MethodPatch, "/admin/config", patch)
}

// ExportEnv asks the engine to write its configuration as an env file
func (c *Client) ExportEnv(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodPost, "/admin/config/export-env", map[string]any{})
}

// Restart asks the engine to restart itself
func (c *Client) Restart(ctx context.Context) (any, error) {
	return c.do(ctx, http.MethodPost, "/admin/restart", map[string]any{})
}

// do makes a request and decodes the response body. Bodies are read as
// text; JSON content is parsed, anything else comes back as {"raw": text}.
// An empty body yields an empty object.
func (c *Client) do(ctx context.Context, method, path string, body any) (any, error) {
	ctx, span := telemetry.StartSpan(ctx, "engine "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		c.metrics.EngineRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}()

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, joinURL(c.baseURL, path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for k, v := range c.headers {
		req.Header[k] = v
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.adminToken != "" {
		req.Header.Set(AdminTokenHeader, c.adminToken)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.EngineRequestsTotal.WithLabelValues(method, path, "network").Inc()
		telemetry.MarkSpanError(ctx, err)
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Msg("Engine request failed")
		return nil, &APIError{Status: 0, Message: fmt.Sprintf("Network error: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		return nil, &APIError{Status: resp.StatusCode, Message: fmt.Sprintf("failed to read response: %v", err)}
	}

	c.metrics.EngineRequestsTotal.WithLabelValues(method, path, fmt.Sprint(resp.StatusCode)).Inc()
	telemetry.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	txt := string(raw)
	data := decodeBody(resp.Header.Get("Content-Type"), txt)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(data, txt, resp.StatusCode),
			Payload: data,
		}
		telemetry.MarkSpanError(ctx, apiErr)
		return nil, apiErr
	}

	if data == nil {
		return map[string]any{}, nil
	}
	return data, nil
}

func decodeBody(contentType, txt string) any {
	if txt == "" {
		return nil
	}
	if strings.Contains(contentType, "application/json") {
		var v any
		if err := json.Unmarshal([]byte(txt), &v); err == nil {
			return v
		}
	}
	return map[string]any{"raw": txt}
}

func errorMessage(data any, txt string, status int) string {
	if obj, ok := data.(map[string]any); ok {
		for _, key := range []string{"message", "error", "reason"} {
			if s, ok := obj[key].(string); ok && s != "" {
				return s
			}
		}
	}
	if txt != "" {
		return txt
	}
	return fmt.Sprintf("HTTP %d", status)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
