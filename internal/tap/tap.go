// Package tap subscribes to the engine's event tap and turns the stream
// into dashboard state: activity buckets, a recent-events feed, heartbeat
// health, latency, a per-name catalog and node counters.
package tap

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/nkkko/engine-tap/pkg/sse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Topics published to dashboard subscribers
const (
	TopicActivity  = "activity"
	TopicFeed      = "feed"
	TopicStatus    = "status"
	TopicHeartbeat = "heartbeat"
)

// Stream event names with dedicated handling
const (
	EventHeartbeat = "heartbeat"
	EventCatalog   = "event.catalog"
	EventMessage   = sse.DefaultEventName
	EventOpen      = "openConectado"
)

// DefaultNames are subscribed on every connection in addition to the
// source keys and whatever the engine announces through its catalog
var DefaultNames = []string{
	"ok", "call", "log.info", "log.warn", "start", "done", "tick", "counts", "write", "replace", "skip_overlap",
	"sync", "reconcile", "event.log", "isp:call", "isp:ok", "ixc:call", "ixc:ok", "cache:counts", "DB:counts", "reconcile:done",
	"sync.run", "sync.done", "sync.error", "reconcile.match", "reconcile.miss", "reconcile.error",
	"db.create", "db.migrate", "db.error", "isp.check", "isp.error", "igc.check", "igc.error",
}

// Publisher receives dashboard updates
type Publisher interface {
	Publish(topic string, payload any)
}

// Config contains tap settings
type Config struct {
	// Path of the tap endpoint, relative to Stream.BaseURL
	Path string

	// Interval asked of the engine between heartbeats
	Interval time.Duration

	// Listen is the channel list the engine should forward
	Listen []string

	// Event is the primary event requested from the tap
	Event string

	// Names subscribed on top of DefaultNames
	Names []string

	// FeedSize bounds the recent-events feed
	FeedSize int

	// CatalogSize and CatalogTTL bound the per-name catalog
	CatalogSize int
	CatalogTTL  time.Duration

	// Focus restricts node counting to one node or channel ("all" for none)
	Focus string

	// Stream is the transport configuration; callbacks are owned by the tap
	Stream sse.Options
}

// DefaultConfig returns the default tap configuration
func DefaultConfig() Config {
	return Config{
		Path:        "/events/tap",
		Interval:    15 * time.Second,
		Listen:      []string{"sync", "reconcile", "events", "healthz", "isp", "ixc"},
		Event:       EventHeartbeat,
		FeedSize:    DefaultFeedSize,
		CatalogSize: 512,
		CatalogTTL:  time.Hour,
		Focus:       "all",
	}
}

// Status is the tap's connectivity and health summary
type Status struct {
	Connected bool       `json:"connected"`
	State     string     `json:"state"`
	URL       string     `json:"url,omitempty"`
	LatencyMs *int64     `json:"latencyMs"`
	ServerNow *int64     `json:"serverNow"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	Health    *Health    `json:"health,omitempty"`
}

// Tap owns the stream subscription and the state derived from it
type Tap struct {
	config     Config
	classifier *activity.Classifier
	aggregator *activity.Aggregator
	publisher  Publisher
	feed       *Feed
	catalog    *Catalog
	nodes      *NodeStats
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	mu        sync.RWMutex
	handle    *sse.Handle
	handlers  map[string]sse.Handler
	connected bool
	latencyMs *int64
	serverNow *int64
	lastHB    *Heartbeat
}

// New creates a tap. publisher may be nil.
func New(config Config, classifier *activity.Classifier, aggregator *activity.Aggregator, publisher Publisher) (*Tap, error) {
	def := DefaultConfig()
	if config.Path == "" {
		config.Path = def.Path
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Event == "" {
		config.Event = def.Event
	}
	if config.CatalogSize <= 0 {
		config.CatalogSize = def.CatalogSize
	}

	catalog, err := NewCatalog(config.CatalogSize, config.CatalogTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create event catalog: %w", err)
	}

	t := &Tap{
		config:     config,
		classifier: classifier,
		aggregator: aggregator,
		publisher:  publisher,
		feed:       NewFeed(config.FeedSize),
		catalog:    catalog,
		nodes:      NewNodeStats(config.Focus, DefaultRateWindow),
		logger:     log.With().Str("component", "tap").Logger(),
		metrics:    metrics.GetMetrics(),
		handlers:   make(map[string]sse.Handler),
	}

	aggregator.OnFlush(func(buckets []activity.Bucket) {
		t.publish(TopicActivity, buckets)
	})
	return t, nil
}

// Run connects to the tap and blocks until ctx is done
func (t *Tap) Run(ctx context.Context) error {
	opts := t.config.Stream
	opts.Query = map[string]any{
		"interval": t.config.Interval.Milliseconds(),
		"event":    t.config.Event,
	}
	if len(t.config.Listen) > 0 {
		opts.Query["listen"] = strings.Join(t.config.Listen, ",")
	}
	opts.OnOpen = t.onOpen
	opts.OnError = t.onError
	opts.OnMessage = func(ev sse.Event) {
		if ev.Raw != "" {
			t.handleGeneric(EventMessage, ev)
		}
	}
	if opts.Logger == nil {
		l := t.logger.With().Str("component", "sse").Logger()
		opts.Logger = &l
	}

	h, err := sse.Connect(t.config.Path, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to tap: %w", err)
	}

	t.mu.Lock()
	t.handle = h
	t.mu.Unlock()

	h.On(EventHeartbeat, sse.NewHandler(t.handleHeartbeat))
	h.On(EventCatalog, sse.NewHandler(t.handleCatalog))
	for _, name := range t.subscriptionNames() {
		t.subscribe(name)
	}

	t.logger.Info().Str("url", h.URL()).Msg("Tap started")

	<-ctx.Done()
	h.Close()
	t.setConnected(false)
	t.logger.Info().Msg("Tap stopped")
	return nil
}

// Status returns the current connectivity and heartbeat health
func (t *Tap) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{
		Connected: t.connected,
		State:     sse.StateClosed.String(),
		LatencyMs: t.latencyMs,
		ServerNow: t.serverNow,
	}
	if t.handle != nil {
		s.State = t.handle.State().String()
		s.URL = t.handle.URL()
	}
	if t.lastHB != nil {
		hb := *t.lastHB
		s.Heartbeat = &hb
		var serverNow int64
		if t.serverNow != nil {
			serverNow = *t.serverNow
		}
		health := hb.Evaluate(serverNow, time.Now())
		s.Health = &health
	}
	return s
}

// Feed returns the recent-events feed
func (t *Tap) Feed() *Feed {
	return t.feed
}

// Catalog returns the per-name event catalog
func (t *Tap) Catalog() *Catalog {
	return t.catalog
}

// Nodes returns the node counters
func (t *Tap) Nodes() *NodeStats {
	return t.nodes
}

// Activity returns the aggregator fed by the tap
func (t *Tap) Activity() *activity.Aggregator {
	return t.aggregator
}

// Classifier returns the classifier used for incoming events
func (t *Tap) Classifier() *activity.Classifier {
	return t.classifier
}

func (t *Tap) subscriptionNames() []string {
	names := make([]string, 0, len(DefaultNames)+len(t.config.Names)+16)
	names = append(names, DefaultNames...)
	names = append(names, t.config.Names...)
	for _, k := range t.classifier.Keys() {
		if k != activity.Other && k != "open" {
			names = append(names, k)
		}
	}
	return names
}

// subscribe attaches the generic handler for name once
func (t *Tap) subscribe(name string) bool {
	if name == "" || name == EventHeartbeat || name == EventCatalog {
		return false
	}

	t.mu.Lock()
	h := t.handle
	handler, exists := t.handlers[name]
	if !exists {
		handler = sse.NewHandler(func(ev sse.Event) error {
			t.handleGeneric(name, ev)
			return nil
		})
		t.handlers[name] = handler
	}
	t.mu.Unlock()

	if h != nil {
		h.On(name, handler)
	}
	return !exists
}

func (t *Tap) onOpen() {
	now := time.Now()
	t.setConnected(true)
	t.push(Entry{Time: now, Name: EventOpen, Source: "open"})
	t.aggregator.Record("open", now)
	t.publish(TopicStatus, t.Status())
}

func (t *Tap) onError(err error) {
	t.setConnected(false)
	t.publish(TopicStatus, t.Status())
}

func (t *Tap) setConnected(v bool) {
	t.mu.Lock()
	t.connected = v
	t.mu.Unlock()

	if v {
		t.metrics.TapConnected.Set(1)
	} else {
		t.metrics.TapConnected.Set(0)
	}
}

// handleCatalog subscribes to every newly announced event name
func (t *Tap) handleCatalog(ev sse.Event) error {
	names, ok := ev.Data.([]any)
	if !ok {
		return nil
	}

	added := 0
	for _, n := range names {
		name, ok := n.(string)
		if !ok {
			continue
		}
		if t.subscribe(name) {
			added++
		}
	}
	if added > 0 {
		t.logger.Debug().Int("added", added).Msg("Subscribed to catalog events")
	}
	return nil
}

// handleGeneric classifies one event and records it everywhere
func (t *Tap) handleGeneric(name string, ev sse.Event) {
	if name == EventCatalog {
		return
	}

	now := time.Now()
	obj := ev.Object()
	source := t.classifier.Classify(name, ev.Data)

	t.push(Entry{Time: now, Name: name, Source: source, Data: ev.Data})

	ts := now
	if n, ok := number(obj["ts"]); ok && n != 0 {
		ts = time.UnixMilli(int64(n))
	}
	t.aggregator.Record(source, ts)

	ch, _ := obj["__ch"].(string)
	t.nodes.Observe(name, ch, now)
	t.catalog.Observe(name, ev.Data, now)
}

// handleHeartbeat updates the server clock, latency and heartbeat health
func (t *Tap) handleHeartbeat(ev sse.Event) error {
	now := time.Now()
	obj := ev.Object()
	hb := ParseHeartbeat(obj, t.config.Interval, now)

	ts := now
	t.mu.Lock()
	if hb.Now != nil {
		serverNow := *hb.Now
		t.serverNow = &serverNow
		ts = time.UnixMilli(serverNow)

		// Absolute value so a server clock ahead of ours never goes negative
		sample := math.Abs(float64(now.UnixMilli() - serverNow))
		latency := int64(sample)
		if t.latencyMs != nil {
			latency = int64(math.Round(float64(*t.latencyMs)*0.7 + sample*0.3))
		}
		t.latencyMs = &latency
		t.metrics.TapLatencyMs.Set(float64(latency))
	}
	t.lastHB = &hb
	t.mu.Unlock()

	t.metrics.TapHeartbeatsTotal.Inc()
	t.aggregator.Record(EventHeartbeat, ts)

	ch, _ := obj["__ch"].(string)
	t.nodes.Observe(EventHeartbeat, ch, now)
	t.catalog.Observe(EventHeartbeat, ev.Data, now)

	t.publish(TopicHeartbeat, hb)
	t.publish(TopicStatus, t.Status())
	return nil
}

func (t *Tap) push(e Entry) {
	t.feed.Push(e)
	t.publish(TopicFeed, e)
}

func (t *Tap) publish(topic string, payload any) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(topic, payload)
}
