package client

import (
	"context"
	"net/http"
	"time"

	"github.com/nkkko/engine-tap/pkg/sse"
)

// TailOptions selects what Tail subscribes to
type TailOptions struct {
	// Path of the stream endpoint, "/events/tap" when empty
	Path string

	// Query parameters for the stream request
	Query map[string]any

	// Names of named events to deliver besides default messages
	Names []string

	// Backoff overrides the reconnect tuning
	Backoff sse.Backoff
}

// Tail streams events from the engine to fn until ctx is done.
// Reconnects are handled by the stream client; only a bad target is
// returned as an error. fn runs on the stream's reader goroutine.
func (c *Client) Tail(ctx context.Context, opts TailOptions, fn func(sse.Event)) error {
	path := opts.Path
	if path == "" {
		path = "/events/tap"
	}

	header := http.Header{}
	if c.adminToken != "" {
		header.Set(AdminTokenHeader, c.adminToken)
	}

	logger := c.logger
	h, err := sse.Connect(path, sse.Options{
		BaseURL:     c.baseURL,
		Query:       opts.Query,
		Credentials: true,
		Header:      header,
		Backoff:     opts.Backoff,
		Logger:      &logger,
		OnMessage:   fn,
		OnOpen: func() {
			logger.Info().Str("path", path).Msg("Tail connected")
		},
		OnRetry: func(attempt int, delay time.Duration) {
			logger.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("Tail reconnecting")
		},
	})
	if err != nil {
		return err
	}
	defer h.Close()

	handler := sse.NewHandler(func(ev sse.Event) error {
		fn(ev)
		return nil
	})
	for _, name := range opts.Names {
		if name == "" || name == sse.DefaultEventName {
			continue
		}
		h.On(name, handler)
	}

	<-ctx.Done()
	return nil
}
