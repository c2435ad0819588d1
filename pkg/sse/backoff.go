package sse

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultRand() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSource.Float64()
}

// Backoff controls the delay between reconnection attempts.
type Backoff struct {
	Base   time.Duration // delay before the first retry
	Max    time.Duration // ceiling for any delay, jitter included
	Factor float64       // growth per consecutive failure
	Jitter float64       // fraction of the computed delay added at random, <0 disables
}

// DefaultBackoff returns the reconnect tuning used when none is given
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1200 * time.Millisecond,
		Max:    10 * time.Second,
		Factor: 1.7,
		Jitter: 0.25,
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Factor < 1 {
		b.Factor = def.Factor
	}
	if b.Jitter == 0 {
		b.Jitter = def.Jitter
	}
	return b
}

// Delay returns the wait before retry number retry (zero-based), given a
// random sample r in [0, 1). The result is min(Max, Base*Factor^retry) plus
// up to Jitter of that value, never above Max.
func (b Backoff) Delay(retry int, r float64) time.Duration {
	b = b.withDefaults()
	if retry < 0 {
		retry = 0
	}

	expo := float64(b.Base) * math.Pow(b.Factor, float64(retry))
	if math.IsInf(expo, 0) || expo > float64(b.Max) {
		expo = float64(b.Max)
	}
	expo = math.Round(expo)

	jitter := 0.0
	if b.Jitter > 0 {
		jitter = math.Round(r * expo * b.Jitter)
	}
	delay := time.Duration(expo + jitter)
	if delay > b.Max {
		delay = b.Max
	}
	return delay
}
