// Package api serves the dashboard HTTP API over the tap's state.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/nkkko/engine-tap/internal/activity"
	apierrors "github.com/nkkko/engine-tap/internal/api/errors"
	"github.com/nkkko/engine-tap/internal/api/response"
	"github.com/nkkko/engine-tap/internal/logging"
	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/nkkko/engine-tap/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts. There is no write timeout: streams are long-lived.
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// CORS origins; empty allows any
	AllowedOrigins []string

	// Per-IP request budget for /api/v1
	RateLimitEnabled  bool
	RequestsPerMinute int

	MetricsEnabled bool
	MetricsPath    string

	// ServiceName names server spans
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadTimeout:       5 * time.Second,
		IdleTimeout:       120 * time.Second,
		RequestTimeout:    30 * time.Second,
		RateLimitEnabled:  true,
		RequestsPerMinute: 600,
		MetricsEnabled:    true,
		MetricsPath:       "/metrics",
		ServiceName:       "engine-tap",
	}
}

// ActivityResponse is the ranked activity chart
type ActivityResponse struct {
	activity.Ranking
	Keys []string `json:"keys"`
	Top  int      `json:"top"`
}

// API handles HTTP endpoints
type API struct {
	config   Config
	tap      TapState
	streamer Streamer
	engine   EngineClient
	server   *http.Server
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewAPI creates a new API instance
func NewAPI(config Config, tap TapState, streamer Streamer, engine EngineClient) *API {
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MetricsPath == "" {
		config.MetricsPath = def.MetricsPath
	}
	if config.ServiceName == "" {
		config.ServiceName = def.ServiceName
	}

	return &API{
		config:   config,
		tap:      tap,
		streamer: streamer,
		engine:   engine,
		logger:   log.With().Str("component", "api").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Handler builds the router
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)

	origins := a.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: len(a.config.AllowedOrigins) > 0,
		MaxAge:           300,
	}))

	a.registerRoutes(r)
	return r
}

// registerRoutes sets up all API endpoints
func (a *API) registerRoutes(r chi.Router) {
	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	if a.config.MetricsEnabled {
		r.Handle(a.config.MetricsPath, promhttp.Handler())
	}

	// Live updates; no timeout or rate limit on long-lived streams
	r.Get("/stream", a.streamer.ServeWebSocket)
	r.Get("/stream-sse", a.streamer.ServeSSE)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))
		if a.config.RateLimitEnabled && a.config.RequestsPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RequestsPerMinute, time.Minute))
		}

		r.Get("/status", a.handleStatus)
		r.Get("/activity", a.handleActivity)
		r.Get("/feed", a.handleFeed)
		r.Get("/nodes", a.handleNodes)
		r.Get("/catalog", a.handleCatalog)
		r.Get("/catalog/{name}", a.handleCatalogEntry)
		r.Get("/classifier", a.handleClassifier)
		r.Post("/cache/refresh", a.handleCacheRefresh)
	})
}

// Start serves until ctx is done
func (a *API) Start(ctx context.Context) error {
	a.server = &http.Server{
		Addr:        a.config.Addr,
		Handler:     a.Handler(),
		ReadTimeout: a.config.ReadTimeout,
		IdleTimeout: a.config.IdleTimeout,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", a.config.Addr).Msg("API server started")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			a.logger.Error().Err(err).Msg("API server error")
			return err
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st := a.tap.Status()
	response.JSON(w, r, http.StatusOK, map[string]any{
		"status":    "ok",
		"stream":    st.State,
		"connected": st.Connected,
		"clients":   a.streamer.ClientCount(),
	})
}

// handleReadyz reports ready only while the engine stream is open
func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.tap.Status().Connected {
		response.Error(w, r, apierrors.UnavailableError("stream_disconnected", "Engine stream is not connected"))
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.tap.Status())
}

// handleActivity returns the windowed buckets ranked to the top N keys
func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	top, err := intParam(r, "top", 0)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	keys := a.tap.Classifier().Keys()
	ranking := activity.Rank(a.tap.Activity().Buckets(), keys, top, activity.DefaultPinned...)
	response.JSON(w, r, http.StatusOK, ActivityResponse{Ranking: ranking, Keys: keys, Top: top})
}

// handleFeed returns recent events, newest last
func (a *API) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	entries := a.tap.Feed().Entries()
	total := len(entries)
	if limit > 0 && limit < total {
		entries = entries[total-limit:]
	}
	response.WithMeta(w, r, http.StatusOK, entries, map[string]any{"total": total})
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, a.tap.Nodes().Snapshot())
}

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries := a.tap.Catalog().Entries()
	response.WithMeta(w, r, http.StatusOK, entries, map[string]any{"total": len(entries)})
}

func (a *API) handleCatalogEntry(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	entry, ok := a.tap.Catalog().Get(name)
	if !ok {
		response.Error(w, r, apierrors.NotFoundError("event_not_found", "No event seen with that name"))
		return
	}
	response.JSON(w, r, http.StatusOK, entry)
}

func (a *API) handleClassifier(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, map[string]any{"keys": a.tap.Classifier().Keys()})
}

// handleCacheRefresh proxies a cache refresh to the engine
func (a *API) handleCacheRefresh(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		response.Error(w, r, apierrors.UnavailableError("engine_client_missing", "Engine client is not configured"))
		return
	}

	result, err := a.engine.RefreshCache(r.Context())
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("Engine cache refresh failed")
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

// metricsMiddleware records request counts and latency by route pattern
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apierrors.ValidationError("invalid_"+name, name+" must be a non-negative integer")
	}
	return n, nil
}
