package activity

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const base = int64(1_700_000_000)

func at(sec int64) time.Time {
	return time.Unix(sec, 0)
}

// newManual returns an aggregator whose timer never fires during a test
func newManual(t *testing.T, window time.Duration) *Aggregator {
	t.Helper()
	a := New(Config{Window: window, FlushDelay: time.Hour}, MustDefaultClassifier())
	t.Cleanup(a.Close)
	return a
}

func times(buckets []Bucket) []int64 {
	out := make([]int64, len(buckets))
	for i, b := range buckets {
		out[i] = b.T
	}
	return out
}

func TestGapBackfill(t *testing.T) {
	a := newManual(t, 60*time.Second)

	a.Record("api", at(base))
	a.Flush()
	a.Record("db", at(base+5))
	a.Flush()

	buckets := a.Buckets()
	require.Len(t, buckets, 6)
	assert.Equal(t, []int64{base, base + 1, base + 2, base + 3, base + 4, base + 5}, times(buckets))

	for _, b := range buckets[1:5] {
		assert.Zero(t, b.Total(), "bucket %d should be empty", b.T)
	}
	assert.Equal(t, 1, buckets[0].Counts["api"])
	assert.Equal(t, 1, buckets[5].Counts["db"])
}

func TestEveryBucketCarriesAllKeys(t *testing.T) {
	a := newManual(t, 60*time.Second)
	a.Record("sync", at(base))
	a.Record("sync", at(base+2))
	a.Flush()

	keys := MustDefaultClassifier().Keys()
	for _, b := range a.Buckets() {
		assert.Len(t, b.Counts, len(keys))
		for _, k := range keys {
			_, ok := b.Counts[k]
			assert.True(t, ok, "bucket %d missing key %s", b.T, k)
		}
	}
}

func TestWindowEviction(t *testing.T) {
	a := newManual(t, 10*time.Second)

	for s := int64(0); s < 25; s++ {
		a.Record("api", at(base+s))
		a.Flush()

		buckets := a.Buckets()
		cutoff := base + s - 10 + 1
		for _, b := range buckets {
			assert.GreaterOrEqual(t, b.T, cutoff)
		}
		assert.LessOrEqual(t, len(buckets), 10)
	}

	buckets := a.Buckets()
	require.Len(t, buckets, 10)
	assert.Equal(t, base+15, buckets[0].T)
	assert.Equal(t, base+24, buckets[9].T)
}

func TestLargeGapResetsWindow(t *testing.T) {
	a := newManual(t, 60*time.Second)

	a.Record("api", at(base))
	a.Flush()
	a.Record("api", at(base+3600))
	a.Flush()

	buckets := a.Buckets()
	require.Len(t, buckets, 60)
	assert.Equal(t, base+3600-59, buckets[0].T)
	assert.Equal(t, 1, buckets[59].Counts["api"])
	for _, b := range buckets[:59] {
		assert.Zero(t, b.Total())
	}
}

func TestScenarioHeartbeatsSameSecond(t *testing.T) {
	a := newManual(t, 60*time.Second)
	c := MustDefaultClassifier()

	payload := map[string]any{"__ch": "heartbeat"}
	a.Record(c.Classify("heartbeat", payload), time.UnixMilli(base*1000))
	a.Record(c.Classify("heartbeat", payload), time.UnixMilli(base*1000+1))
	a.Flush()

	buckets := a.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].Counts["heartbeat"])
}

func TestScenarioUnknownEventCountsAsOther(t *testing.T) {
	a := newManual(t, 60*time.Second)
	c := MustDefaultClassifier()

	a.Record(c.Classify("foo", nil), at(base))
	a.Record("also-unknown", at(base))
	a.Flush()

	buckets := a.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].Counts[Other])
	_, adhoc := buckets[0].Counts["foo"]
	assert.False(t, adhoc)
	_, adhoc = buckets[0].Counts["also-unknown"]
	assert.False(t, adhoc)
}

func TestOutOfOrderSeconds(t *testing.T) {
	a := newManual(t, 10*time.Second)

	a.Record("api", at(base+5))
	a.Flush()

	// Inside existing range
	a.Record("api", at(base+5))
	// Before the first bucket but inside the window: prepended
	a.Record("db", at(base+2))
	a.Flush()

	buckets := a.Buckets()
	assert.Equal(t, []int64{base + 2, base + 3, base + 4, base + 5}, times(buckets))
	assert.Equal(t, 1, buckets[0].Counts["db"])
	assert.Equal(t, 2, buckets[3].Counts["api"])

	// Older than the window: counted in the oldest bucket, trailing edge unchanged
	a.Record("db", at(base-20))
	a.Flush()
	buckets = a.Buckets()
	assert.Equal(t, base+2, buckets[0].T)
	assert.Equal(t, base+5, buckets[len(buckets)-1].T)
	assert.Equal(t, 2, buckets[0].Counts["db"])

	// Merge into a middle bucket
	a.Record("rule", at(base+3))
	a.Flush()
	buckets = a.Buckets()
	assert.Equal(t, 1, buckets[1].Counts["rule"])
}

func TestServerClockAhead(t *testing.T) {
	a := newManual(t, 60*time.Second)
	now := at(base)
	a.now = func() time.Time { return now }

	// A heartbeat stamped two minutes ahead of the local clock is pulled back
	a.Record("heartbeat", now.Add(2*time.Minute))
	a.Flush()
	buckets := a.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, base, buckets[0].T)

	for i := 0; i < 5; i++ {
		a.Record("open", now.Add(time.Duration(i)*time.Second))
	}
	a.Flush()

	buckets = a.Buckets()
	assert.Equal(t, base+4, buckets[len(buckets)-1].T)
	total := 0
	for _, b := range buckets {
		total += b.Counts["open"]
	}
	assert.Equal(t, 5, total)

	// A skew inside the window is kept as reported
	a.Record("heartbeat", now.Add(30*time.Second))
	a.Flush()
	buckets = a.Buckets()
	assert.Equal(t, base+30, buckets[len(buckets)-1].T)
}

func TestLateEventsAreNeverLost(t *testing.T) {
	a := newManual(t, 10*time.Second)

	a.Record("api", at(base+100))
	a.Flush()
	for i := 0; i < 5; i++ {
		a.Record("open", at(base))
	}
	a.Flush()

	buckets := a.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, base+100, buckets[0].T)
	assert.Equal(t, 5, buckets[0].Counts["open"])
	assert.Equal(t, 1, buckets[0].Counts["api"])
}

func TestFlushIsDeterministic(t *testing.T) {
	records := []struct {
		source string
		sec    int64
	}{
		{"api", base + 3}, {"db", base}, {"heartbeat", base + 1}, {"api", base + 3}, {"open", base},
	}

	run := func() []Bucket {
		a := newManual(t, 60*time.Second)
		for _, r := range records {
			a.Record(r.source, at(r.sec))
		}
		a.Flush()
		return a.Buckets()
	}

	first := run()
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, run()); diff != "" {
			t.Fatalf("flush result differs (-first +run):\n%s", diff)
		}
	}
}

func TestScheduledFlush(t *testing.T) {
	a := New(Config{Window: 60 * time.Second, FlushDelay: 10 * time.Millisecond}, MustDefaultClassifier())
	defer a.Close()

	var (
		mu      sync.Mutex
		flushes [][]Bucket
	)
	a.OnFlush(func(b []Bucket) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, b)
	})

	a.Record("sync", at(base))
	a.Record("sync", at(base))
	assert.Equal(t, 1, a.Pending())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(flushes) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, a.Pending())
	mu.Lock()
	assert.Equal(t, 2, flushes[0][0].Counts["sync"])
	mu.Unlock()

	// Empty flushes do not notify
	a.Flush()
	mu.Lock()
	assert.Len(t, flushes, 1)
	mu.Unlock()
}

func TestCloseCancelsScheduledFlush(t *testing.T) {
	a := New(Config{Window: 60 * time.Second, FlushDelay: 20 * time.Millisecond}, MustDefaultClassifier())

	called := make(chan struct{}, 1)
	a.OnFlush(func([]Bucket) { called <- struct{}{} })

	a.Record("api", at(base))
	a.Close()
	a.Record("api", at(base))

	select {
	case <-called:
		t.Fatal("flush ran after Close")
	case <-time.After(60 * time.Millisecond):
	}
	assert.Empty(t, a.Buckets())
}

func TestFlushListenerPanicIsContained(t *testing.T) {
	a := newManual(t, 60*time.Second)

	var got []Bucket
	a.OnFlush(func([]Bucket) { panic("listener") })
	a.OnFlush(func(b []Bucket) { got = b })

	a.Record("api", at(base))
	assert.NotPanics(t, a.Flush)
	require.Len(t, got, 1)
}

func TestBucketsAreCopies(t *testing.T) {
	a := newManual(t, 60*time.Second)
	a.Record("api", at(base))
	a.Flush()

	b := a.Buckets()
	b[0].Counts["api"] = 99
	assert.Equal(t, 1, a.Buckets()[0].Counts["api"])
}

func TestBucketMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Bucket{T: base, Counts: map[string]int{"api": 2, Other: 0}})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(base), m["t"])
	assert.Equal(t, float64(2), m["api"])
	assert.Equal(t, float64(0), m[Other])
}
