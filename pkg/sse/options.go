package sse

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options configures a stream subscription
type Options struct {
	// BaseURL resolves relative targets (e.g. "http://engine:3000")
	BaseURL string

	// Query parameters appended to the target. Nil values are skipped,
	// everything else is formatted with fmt.Sprint.
	Query map[string]any

	// Credentials sends ambient credentials: the HTTP client's cookie jar
	// and any Authorization/Cookie entries in Header. When false those are
	// withheld.
	Credentials bool

	// Header is added to every connection request
	Header http.Header

	// HTTPClient used for the long-lived request. Must not set a Timeout.
	HTTPClient *http.Client

	// Lifecycle callbacks
	OnOpen    func()
	OnError   func(error)
	OnMessage func(Event)

	// OnRetry reports each scheduled reconnect (attempt is one-based)
	OnRetry func(attempt int, delay time.Duration)

	// Backoff tuning for reconnects
	Backoff Backoff

	// Rand returns jitter samples in [0, 1). Defaults to a shared source.
	Rand func() float64

	// Logger for transport and handler failures
	Logger *zerolog.Logger
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.With().Str("component", "sse").Logger()
}

func (o Options) httpClient() *http.Client {
	base := o.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	if o.Credentials {
		return base
	}

	// Same transport, no cookie jar
	c := *base
	c.Jar = nil
	return &c
}

// resolveURL builds the final stream URL from a path or absolute URL
func resolveURL(target, baseURL string, query map[string]any) (string, error) {
	p := strings.TrimSpace(target)
	if p == "" {
		return "", fmt.Errorf("sse: target must be a path such as /events or an absolute URL")
	}

	u, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("sse: invalid target %q: %w", p, err)
	}

	if !u.IsAbs() {
		if strings.TrimSpace(baseURL) == "" {
			return "", fmt.Errorf("sse: relative target %q requires a base URL", p)
		}
		base, err := url.Parse(strings.TrimSpace(baseURL))
		if err != nil || !base.IsAbs() {
			return "", fmt.Errorf("sse: invalid base URL %q", baseURL)
		}
		u = base.ResolveReference(u)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("sse: unsupported scheme %q", u.Scheme)
	}

	if len(query) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := query[k]
			if v == nil {
				continue
			}
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}
