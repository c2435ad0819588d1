package tap

import (
	"math"
	"strings"
	"sync"
	"time"
)

// Node names of the engine's component graph
const (
	NodeHeartbeat = "heartbeat"
	NodeSync      = "sync"
	NodeReconcile = "reconcile"
	NodeDB        = "db"
	NodeAPI       = "api"
	NodeCache     = "cache"
	NodeJobs      = "jobs"
	NodeEvents    = "events"
	NodeHealthz   = "healthz"
	NodeCore      = "core"
)

// DefaultRateWindow is the span over which node rates are averaged
const DefaultRateWindow = 5 * time.Second

// ResolveNode maps an event name and its channel hint to a graph node
func ResolveNode(eventName, ch string) string {
	e := strings.ToLower(eventName)
	c := strings.ToLower(ch)

	switch {
	case strings.Contains(e, "heartbeat") || c == "heartbeat":
		return NodeHeartbeat
	case strings.HasPrefix(e, "sync") || c == "sync":
		return NodeSync
	case strings.HasPrefix(e, "reconcile") || c == "reconcile":
		return NodeReconcile
	case strings.HasPrefix(e, "db.") || e == "db" || c == "db":
		return NodeDB
	case strings.HasPrefix(e, "isp") || c == "isp",
		strings.HasPrefix(e, "ixc") || c == "ixc":
		return NodeAPI
	case strings.HasPrefix(e, "cache") || c == "cache":
		return NodeCache
	case strings.HasPrefix(e, "job") || c == "jobs" || c == "workers":
		return NodeJobs
	case strings.HasPrefix(e, "event.") || c == "events":
		return NodeEvents
	case strings.Contains(e, "health"):
		return NodeHealthz
	default:
		return NodeCore
	}
}

type nodeSample struct {
	t      time.Time
	counts map[string]int64
}

// NodeSnapshot is the cumulative count and recent rate (events/s) per node
type NodeSnapshot struct {
	Counts map[string]int64   `json:"counts"`
	Rates  map[string]float64 `json:"rates"`
}

// NodeStats counts events per graph node. With a focus other than "" or
// "all" only events whose node or channel matches it are counted.
type NodeStats struct {
	focus  string
	window time.Duration

	mu      sync.Mutex
	counts  map[string]int64
	history []nodeSample
}

// NewNodeStats creates node counters averaging rates over window
func NewNodeStats(focus string, window time.Duration) *NodeStats {
	if window <= 0 {
		window = DefaultRateWindow
	}
	focus = strings.ToLower(strings.TrimSpace(focus))
	if focus == "all" {
		focus = ""
	}
	return &NodeStats{
		focus:  focus,
		window: window,
		counts: make(map[string]int64),
	}
}

// Observe counts one event and reports the node it went to, or "" when
// filtered out by the focus
func (s *NodeStats) Observe(eventName, ch string, now time.Time) string {
	node := ResolveNode(eventName, ch)
	if s.focus != "" && strings.ToLower(ch) != s.focus && node != s.focus {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[node]++
	snap := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		snap[k] = v
	}
	s.history = append(s.history, nodeSample{t: now, counts: snap})
	s.pruneLocked(now)
	return node
}

// Snapshot returns the counts and rates as of the latest observation
func (s *NodeStats) Snapshot() NodeSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := NodeSnapshot{
		Counts: make(map[string]int64, len(s.counts)),
		Rates:  make(map[string]float64),
	}
	for k, v := range s.counts {
		out.Counts[k] = v
	}

	if len(s.history) < 2 {
		return out
	}
	first, last := s.history[0], s.history[len(s.history)-1]
	dt := last.t.Sub(first.t).Seconds()
	if dt <= 0 {
		return out
	}
	for k, v := range last.counts {
		out.Rates[k] = math.Round(float64(v-first.counts[k])/dt*10) / 10
	}
	return out
}

func (s *NodeStats) pruneLocked(now time.Time) {
	drop := 0
	for drop < len(s.history) && now.Sub(s.history[drop].t) > s.window {
		drop++
	}
	if drop > 0 {
		s.history = append(s.history[:0], s.history[drop:]...)
	}
}
