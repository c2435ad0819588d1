package sse

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expoFor(b Backoff, retry int) time.Duration {
	e := float64(b.Base) * math.Pow(b.Factor, float64(retry))
	if e > float64(b.Max) {
		e = float64(b.Max)
	}
	return time.Duration(math.Round(e))
}

func TestBackoffDelayBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 1.7, Jitter: 0.25}

	for retry := 0; retry < 12; retry++ {
		expo := expoFor(b, retry)
		for _, r := range []float64{0, 0.5, 0.999} {
			d := b.Delay(retry, r)
			assert.GreaterOrEqual(t, d, expo, "retry %d r=%v below computed delay", retry, r)
			assert.LessOrEqual(t, float64(d), float64(expo)*1.25+1, "retry %d r=%v above jitter bound", retry, r)
			assert.LessOrEqual(t, d, b.Max, "retry %d r=%v above max", retry, r)
		}
	}
}

func TestBackoffMonotonic(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second, Factor: 1.7, Jitter: 0.25}

	// Worst case: maximum jitter on the earlier attempt, none on the later one
	prev := b.Delay(0, 0.999)
	for retry := 1; retry < 12; retry++ {
		cur := b.Delay(retry, 0)
		assert.GreaterOrEqual(t, cur, prev, "delay %d decreased", retry)
		prev = b.Delay(retry, 0.999)
	}
	assert.Equal(t, b.Max, b.Delay(20, 0))
	assert.Equal(t, b.Max, b.Delay(1000, 0.999))
}

func TestBackoffThreeConsecutiveErrors(t *testing.T) {
	b := Backoff{Base: 1000 * time.Millisecond, Max: 10 * time.Second, Factor: 1.7, Jitter: 0.25}

	var delays []time.Duration
	for retry := 0; retry < 3; retry++ {
		delays = append(delays, b.Delay(retry, 0.999))
	}

	require.Len(t, delays, 3)
	assert.True(t, delays[0] < b.Delay(1, 0), "second delay must exceed the first")
	assert.True(t, delays[1] < b.Delay(2, 0), "third delay must exceed the second")

	assert.InDelta(t, 1000, delays[0].Milliseconds(), 250)
	assert.InDelta(t, 1700, delays[1].Milliseconds(), 425)
	assert.InDelta(t, 2890, delays[2].Milliseconds(), 723)
}

func TestBackoffDefaults(t *testing.T) {
	b := Backoff{}.withDefaults()
	assert.Equal(t, DefaultBackoff(), b)

	// Max below Base is raised rather than producing zero delays
	b = Backoff{Base: 2 * time.Second, Max: time.Second}.withDefaults()
	assert.Equal(t, 2*time.Second, b.Max)
	assert.Equal(t, 2*time.Second, b.Delay(3, 0.5))
}
