// Package sse is a reconnecting Server-Sent Events client.
//
// A Handle owns one logical subscription. Underlying connections come and go
// (each failure schedules a jittered, exponentially backed-off reconnect)
// while the registered handlers stay bound across every new connection.
package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"

	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/nkkko/engine-tap/internal/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// State is the connection state of a Handle
type State int32

const (
	// StateConnecting means a connection attempt is in flight
	StateConnecting State = iota
	// StateOpen means the stream is delivering events
	StateOpen
	// StateError means the last attempt failed and a reconnect is scheduled
	StateError
	// StateClosed is terminal, entered only through Close
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrStreamEnded is reported when the server ends the response body
var ErrStreamEnded = errors.New("sse: stream ended by server")

// StatusError is reported when the endpoint answers with a non-2xx status
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sse: unexpected status %s", e.Status)
}

// Handle is a live subscription returned by Connect
type Handle struct {
	url     string
	opts    Options
	client  *http.Client
	backoff Backoff
	rand    func() float64
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	state       State
	handlers    map[string][]Handler // registry, survives reconnects
	bound       map[string][]Handler // listeners attached to the live connection
	retry       int
	closed      bool
	gen         uint64
	cancel      context.CancelFunc
	timer       *time.Timer
	lastEventID string
}

// Connect starts a subscription to target. Only an unusable target is
// reported as an error; transport failures are retried internally.
func Connect(target string, opts Options) (*Handle, error) {
	u, err := resolveURL(target, opts.BaseURL, opts.Query)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		url:      u,
		opts:     opts,
		client:   opts.httpClient(),
		backoff:  opts.Backoff.withDefaults(),
		rand:     opts.Rand,
		logger:   opts.logger().With().Str("url", u).Logger(),
		metrics:  metrics.GetMetrics(),
		handlers: make(map[string][]Handler),
	}
	if h.rand == nil {
		h.rand = defaultRand
	}

	h.start()
	return h, nil
}

// URL returns the final stream URL
func (h *Handle) URL() string {
	return h.url
}

// State returns the current connection state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Connected reports whether the stream is open
func (h *Handle) Connected() bool {
	return h.State() == StateOpen
}

// On registers handler for eventName. Registering the same pair twice is a
// no-op. The handler is attached to the live connection right away and to
// every later one.
func (h *Handle) On(eventName string, handler Handler) *Handle {
	if handler == nil {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if contains(h.handlers[eventName], handler) {
		return h
	}
	h.handlers[eventName] = append(h.handlers[eventName], handler)

	if h.state == StateOpen && !h.closed {
		h.bound[eventName] = append(h.bound[eventName], handler)
	}
	return h
}

// Off removes handler for eventName. Unknown pairs are ignored.
func (h *Handle) Off(eventName string, handler Handler) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	if list, ok := h.handlers[eventName]; ok {
		if rest := without(list, handler); len(rest) > 0 {
			h.handlers[eventName] = rest
		} else {
			delete(h.handlers, eventName)
		}
	}
	if list, ok := h.bound[eventName]; ok {
		if rest := without(list, handler); len(rest) > 0 {
			h.bound[eventName] = rest
		} else {
			delete(h.bound, eventName)
		}
	}
	return h
}

// Close ends the subscription. Pending reconnects are cancelled, the live
// connection is torn down and no callback is started afterwards. Close is
// idempotent and safe to call from inside a handler.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.stopTimerLocked()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.bound = nil
	h.setStateLocked(StateClosed)

	h.logger.Debug().Msg("Stream closed")
}

// start opens a new connection attempt, superseding any previous one
func (h *Handle) start() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}

	h.stopTimerLocked()
	if h.cancel != nil {
		h.cancel()
	}

	h.gen++
	gen := h.gen
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.bound = nil
	h.setStateLocked(StateConnecting)
	lastID := h.lastEventID
	attempt := h.retry
	h.mu.Unlock()

	go h.run(ctx, gen, attempt, lastID)
}

// run drives one connection attempt until it fails or is superseded
func (h *Handle) run(ctx context.Context, gen uint64, attempt int, lastID string) {
	spanCtx, span := telemetry.StartSpan(ctx, "sse.connect")
	span.SetAttributes(
		attribute.String("sse.url", h.url),
		attribute.Int("sse.retry", attempt),
	)

	body, err := h.dial(spanCtx, lastID)
	if err != nil {
		telemetry.MarkSpanError(spanCtx, err)
		span.End()
		h.metrics.StreamConnectsTotal.WithLabelValues("failed").Inc()
		h.fail(gen, err)
		return
	}
	span.End()
	defer body.Close()

	if !h.opened(gen) {
		return
	}
	h.metrics.StreamConnectsTotal.WithLabelValues("open").Inc()

	dec := newDecoder(body)
	for {
		f, err := dec.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.metrics.StreamErrorsTotal.WithLabelValues("eof").Inc()
				err = ErrStreamEnded
			} else {
				h.metrics.StreamErrorsTotal.WithLabelValues("read").Inc()
			}
			h.fail(gen, err)
			return
		}
		h.dispatch(gen, f)
	}
}

// dial performs the GET request and validates the response
func (h *Handle) dial(ctx context.Context, lastID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, err
	}

	for k, vs := range h.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if !h.opts.Credentials {
		req.Header.Del("Authorization")
		req.Header.Del("Cookie")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		h.metrics.StreamErrorsTotal.WithLabelValues("dial").Inc()
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		h.metrics.StreamErrorsTotal.WithLabelValues("status").Inc()
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != "text/event-stream" {
		resp.Body.Close()
		h.metrics.StreamErrorsTotal.WithLabelValues("content_type").Inc()
		return nil, fmt.Errorf("sse: unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	return resp.Body, nil
}

// opened moves the handle to StateOpen and binds every registered handler
func (h *Handle) opened(gen uint64) bool {
	h.mu.Lock()
	if h.closed || gen != h.gen {
		h.mu.Unlock()
		return false
	}

	h.retry = 0
	h.bound = make(map[string][]Handler, len(h.handlers))
	for name, list := range h.handlers {
		h.bound[name] = append([]Handler(nil), list...)
	}
	h.setStateLocked(StateOpen)
	h.mu.Unlock()

	h.logger.Info().Msg("Stream open")

	if h.opts.OnOpen != nil && h.current(gen) {
		h.safeCall("on_open", func() error {
			h.opts.OnOpen()
			return nil
		})
	}
	return true
}

// fail handles a transport error: report it, drop the connection and
// schedule the next attempt unless the handle was closed meanwhile.
func (h *Handle) fail(gen uint64, cause error) {
	h.mu.Lock()
	if h.closed || gen != h.gen {
		h.mu.Unlock()
		return
	}
	h.setStateLocked(StateError)
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	h.bound = nil
	h.mu.Unlock()

	h.logger.Error().Err(cause).Msg("Stream error")

	if h.opts.OnError != nil && h.current(gen) {
		h.safeCall("on_error", func() error {
			h.opts.OnError(cause)
			return nil
		})
	}

	h.mu.Lock()
	if h.closed || gen != h.gen {
		h.mu.Unlock()
		return
	}
	delay := h.backoff.Delay(h.retry, h.rand())
	h.retry++
	attempt := h.retry
	h.stopTimerLocked()
	h.timer = time.AfterFunc(delay, h.start)
	h.mu.Unlock()

	h.metrics.StreamReconnectDelay.Observe(delay.Seconds())
	h.logger.Debug().
		Int("attempt", attempt).
		Dur("delay", delay).
		Msg("Stream reconnect scheduled")

	if h.opts.OnRetry != nil {
		h.safeCall("on_retry", func() error {
			h.opts.OnRetry(attempt, delay)
			return nil
		})
	}
}

// dispatch delivers one frame to the default callback and bound handlers,
// in registration order
func (h *Handle) dispatch(gen uint64, f frame) {
	ev := Event{
		Name:       f.name,
		ID:         f.id,
		Raw:        f.data,
		Data:       ParseJSONSafe(f.data),
		ReceivedAt: time.Now(),
	}

	h.mu.Lock()
	if h.closed || gen != h.gen {
		h.mu.Unlock()
		return
	}
	if f.id != "" {
		h.lastEventID = f.id
	}
	listeners := append([]Handler(nil), h.bound[ev.Name]...)
	h.mu.Unlock()

	if ev.Name == DefaultEventName {
		h.metrics.StreamEventsTotal.WithLabelValues("default").Inc()
		if h.opts.OnMessage != nil && h.current(gen) {
			h.safeCall("on_message", func() error {
				h.opts.OnMessage(ev)
				return nil
			})
		}
	} else if len(listeners) == 0 {
		h.metrics.StreamEventsTotal.WithLabelValues("unbound").Inc()
	} else {
		h.metrics.StreamEventsTotal.WithLabelValues("named").Inc()
	}

	for _, l := range listeners {
		// Handlers removed or a Close during this dispatch take effect immediately
		if !h.stillBound(gen, ev.Name, l) {
			continue
		}
		h.safeCall(ev.Name, func() error {
			return l.HandleEvent(ev)
		})
	}
}

// safeCall runs fn and keeps its errors and panics out of the read loop
func (h *Handle) safeCall(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.StreamHandlerFailures.WithLabelValues("panic").Inc()
			h.logger.Error().
				Str("handler", name).
				Interface("panic", r).
				Msg("Stream handler panicked")
		}
	}()

	if err := fn(); err != nil {
		h.metrics.StreamHandlerFailures.WithLabelValues("error").Inc()
		h.logger.Error().
			Err(err).
			Str("handler", name).
			Msg("Stream handler failed")
	}
}

func (h *Handle) current(gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && gen == h.gen
}

func (h *Handle) stillBound(gen uint64, name string, l Handler) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && gen == h.gen && contains(h.bound[name], l)
}

func (h *Handle) stopTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (h *Handle) setStateLocked(s State) {
	h.state = s
	h.metrics.StreamState.Set(float64(s))
}

func contains(list []Handler, handler Handler) bool {
	for _, l := range list {
		if l == handler {
			return true
		}
	}
	return false
}

func without(list []Handler, handler Handler) []Handler {
	out := list[:0:0]
	for _, l := range list {
		if l != handler {
			out = append(out, l)
		}
	}
	return out
}
