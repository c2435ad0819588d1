// Package activity classifies stream events by origin and aggregates them
// into a trailing window of one-second buckets.
package activity

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default aggregation settings
const (
	DefaultWindow     = 60 * time.Second
	DefaultFlushDelay = 250 * time.Millisecond
)

// Bucket holds the per-source event counts of one whole second
type Bucket struct {
	T      int64          // unix seconds
	Counts map[string]int // one entry per known source key
}

// Total returns the sum of all counts in the bucket
func (b Bucket) Total() int {
	n := 0
	for _, c := range b.Counts {
		n += c
	}
	return n
}

// MarshalJSON renders the bucket flat: {"t": 1700000000, "open": 0, ...}
func (b Bucket) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(b.Counts)+1)
	for k, v := range b.Counts {
		m[k] = v
	}
	m["t"] = b.T
	return json.Marshal(m)
}

func (b Bucket) clone() Bucket {
	counts := make(map[string]int, len(b.Counts))
	for k, v := range b.Counts {
		counts[k] = v
	}
	return Bucket{T: b.T, Counts: counts}
}

// KeySet is the set of source keys an Aggregator counts under
type KeySet interface {
	Keys() []string
	Known(key string) bool
}

// Config contains aggregator settings
type Config struct {
	// Window is the span of trailing seconds kept
	Window time.Duration

	// FlushDelay is how long recorded events wait before being merged
	FlushDelay time.Duration
}

// DefaultConfig returns the default aggregator configuration
func DefaultConfig() Config {
	return Config{
		Window:     DefaultWindow,
		FlushDelay: DefaultFlushDelay,
	}
}

// Aggregator accumulates recorded events in a pending buffer and merges
// them into contiguous buckets on a deferred flush.
type Aggregator struct {
	window     int64
	flushDelay time.Duration
	keys       KeySet
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu      sync.Mutex
	pending map[int64]map[string]int
	timer   *time.Timer
	closed  bool
	onFlush []func([]Bucket)

	// flushMu serializes drains including their callbacks
	flushMu sync.Mutex
	buckets []Bucket
}

// New creates an Aggregator counting under the keys of ks
func New(config Config, ks KeySet) *Aggregator {
	if config.Window < time.Second {
		config.Window = DefaultWindow
	}
	if config.FlushDelay <= 0 {
		config.FlushDelay = DefaultFlushDelay
	}

	return &Aggregator{
		window:     int64(config.Window / time.Second),
		flushDelay: config.FlushDelay,
		keys:       ks,
		logger:     log.With().Str("component", "activity").Logger(),
		metrics:    metrics.GetMetrics(),
		now:        time.Now,
		pending:    make(map[int64]map[string]int),
	}
}

// OnFlush registers fn to receive a copy of the buckets after every flush
// that merged something. fn must not call Flush.
func (a *Aggregator) OnFlush(fn func([]Bucket)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFlush = append(a.onFlush, fn)
}

// Record counts one event from source at ts. Unknown sources are counted
// as Other. A zero ts, or one more than a window in the future, means now.
// A flush is scheduled if none is pending.
func (a *Aggregator) Record(source string, ts time.Time) {
	if !a.keys.Known(source) {
		source = Other
	}
	now := a.now()
	if ts.IsZero() || ts.After(now.Add(time.Duration(a.window)*time.Second)) {
		ts = now
	}
	sec := ts.Unix()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}

	slot := a.pending[sec]
	if slot == nil {
		slot = make(map[string]int)
		a.pending[sec] = slot
	}
	slot[source]++
	a.metrics.ActivityEventsTotal.WithLabelValues(source).Inc()

	if a.timer == nil {
		a.timer = time.AfterFunc(a.flushDelay, a.Flush)
	}
}

// Flush drains the pending buffer into the buckets synchronously
func (a *Aggregator) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	pending := a.pending
	a.pending = make(map[int64]map[string]int)
	callbacks := make([]func([]Bucket), len(a.onFlush))
	copy(callbacks, a.onFlush)
	a.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	start := time.Now()
	a.merge(pending)
	a.metrics.ActivityFlushesTotal.Inc()
	a.metrics.ActivityFlushDuration.Observe(time.Since(start).Seconds())
	a.metrics.ActivityBuckets.Set(float64(len(a.buckets)))

	if len(callbacks) == 0 {
		return
	}
	snapshot := a.snapshotLocked()
	for _, fn := range callbacks {
		a.notify(fn, snapshot)
	}
}

// merge folds pending counts into the buckets. Caller holds flushMu.
func (a *Aggregator) merge(pending map[int64]map[string]int) {
	secs := make([]int64, 0, len(pending))
	for sec := range pending {
		secs = append(secs, sec)
	}
	sort.Slice(secs, func(i, j int) bool { return secs[i] < secs[j] })

	keys := a.keys.Keys()
	late := 0
	evicted := 0

	for _, sec := range secs {
		var idx int

		switch {
		case len(a.buckets) == 0:
			a.buckets = append(a.buckets, emptyBucket(sec, keys))
			idx = 0

		case sec > a.last():
			from := a.last() + 1
			if sec-from >= a.window {
				// Everything materialized so far falls out of the new window
				evicted += len(a.buckets)
				a.buckets = a.buckets[:0]
				from = sec - a.window + 1
			}
			for s := from; s <= sec; s++ {
				a.buckets = append(a.buckets, emptyBucket(s, keys))
			}
			idx = len(a.buckets) - 1

		case sec >= a.buckets[0].T:
			idx = int(sec - a.buckets[0].T)

		default:
			// Older than the first bucket: prepend inside the window, otherwise
			// count it in the oldest bucket
			if sec < a.last()-a.window+1 {
				late += sumCounts(pending[sec])
				idx = 0
				break
			}
			head := make([]Bucket, 0, int(a.buckets[0].T-sec)+len(a.buckets))
			for s := sec; s < a.buckets[0].T; s++ {
				head = append(head, emptyBucket(s, keys))
			}
			a.buckets = append(head, a.buckets...)
			idx = 0
		}

		b := a.buckets[idx]
		for k, n := range pending[sec] {
			if !a.keys.Known(k) {
				k = Other
			}
			b.Counts[k] += n
		}
	}

	cutoff := a.last() - a.window + 1
	trim := 0
	for trim < len(a.buckets) && a.buckets[trim].T < cutoff {
		trim++
	}
	if trim > 0 {
		evicted += trim
		a.buckets = append([]Bucket(nil), a.buckets[trim:]...)
	}

	if evicted > 0 {
		a.metrics.ActivityBucketsEvicted.Add(float64(evicted))
	}
	if late > 0 {
		a.metrics.ActivityLateMerged.Add(float64(late))
		a.logger.Debug().Int("events", late).Msg("Merged events older than the activity window into the oldest bucket")
	}
}

// Buckets returns a copy of the materialized buckets, oldest first
func (a *Aggregator) Buckets() []Bucket {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	return a.snapshotLocked()
}

// Pending returns the number of seconds waiting for the next flush
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close cancels a scheduled flush and drops further records
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator) last() int64 {
	return a.buckets[len(a.buckets)-1].T
}

func (a *Aggregator) snapshotLocked() []Bucket {
	out := make([]Bucket, len(a.buckets))
	for i, b := range a.buckets {
		out[i] = b.clone()
	}
	return out
}

func (a *Aggregator) notify(fn func([]Bucket), buckets []Bucket) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Activity flush listener panicked")
		}
	}()
	fn(buckets)
}

func emptyBucket(sec int64, keys []string) Bucket {
	counts := make(map[string]int, len(keys))
	for _, k := range keys {
		counts[k] = 0
	}
	return Bucket{T: sec, Counts: counts}
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, c := range m {
		n += c
	}
	return n
}
