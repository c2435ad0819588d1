package notifier

import (
	"sync"
	"time"

	"github.com/nkkko/engine-tap/internal/metrics"
	"github.com/rs/zerolog/log"
)

// BroadcastBuffer batches published updates and hands every batch to all
// subscribers, flushing on an interval or as soon as the batch is full
type BroadcastBuffer struct {
	bufferSize    int
	flushInterval time.Duration

	subscribers     map[string]chan *Update
	subscribersLock sync.RWMutex

	currentBuffer     []*Update
	currentBufferLock sync.Mutex

	forceFlush chan struct{}
	close      chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	metrics *metrics.Metrics
}

// NewBroadcastBuffer creates a broadcast buffer and starts its flush loop
func NewBroadcastBuffer(bufferSize int, flushInterval time.Duration) *BroadcastBuffer {
	b := &BroadcastBuffer{
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		subscribers:   make(map[string]chan *Update),
		currentBuffer: make([]*Update, 0, bufferSize),
		forceFlush:    make(chan struct{}, 1),
		close:         make(chan struct{}),
		done:          make(chan struct{}),
		metrics:       metrics.GetMetrics(),
	}

	go b.bufferFlushLoop()

	return b
}

// Subscribe registers a subscriber with a channel of the given capacity
func (b *BroadcastBuffer) Subscribe(id string, buffer int) chan *Update {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		return ch
	}

	channel := make(chan *Update, buffer)
	b.subscribers[id] = channel
	b.metrics.NotifierConnectionsActive.Inc()

	return channel
}

// Unsubscribe removes a subscriber and closes its channel
func (b *BroadcastBuffer) Unsubscribe(id string) {
	b.subscribersLock.Lock()
	defer b.subscribersLock.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
		b.metrics.NotifierConnectionsActive.Dec()
	}
}

// Subscribers returns the number of subscribers
func (b *BroadcastBuffer) Subscribers() int {
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()
	return len(b.subscribers)
}

// Publish queues an update for the next flush
func (b *BroadcastBuffer) Publish(update *Update) {
	b.currentBufferLock.Lock()
	b.currentBuffer = append(b.currentBuffer, update)
	full := len(b.currentBuffer) >= b.bufferSize
	b.currentBufferLock.Unlock()

	if full {
		select {
		case b.forceFlush <- struct{}{}:
		default:
			// A flush is already requested
		}
	}
}

func (b *BroadcastBuffer) bufferFlushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.forceFlush:
			b.flush()
		case <-b.close:
			b.flush()
			return
		}
	}
}

// flush delivers the current batch without blocking on slow subscribers
func (b *BroadcastBuffer) flush() {
	b.currentBufferLock.Lock()
	buffer := b.currentBuffer
	if len(buffer) == 0 {
		b.currentBufferLock.Unlock()
		return
	}
	b.currentBuffer = make([]*Update, 0, b.bufferSize)
	b.currentBufferLock.Unlock()

	// Deliver under the read lock so Unsubscribe cannot close a channel mid-send
	b.subscribersLock.RLock()
	defer b.subscribersLock.RUnlock()

	if len(b.subscribers) == 0 {
		return
	}

	start := time.Now()
	delivered := 0
	skipped := 0

	for id, ch := range b.subscribers {
		sent := 0
		dropped := 0
		for _, update := range buffer {
			select {
			case ch <- update:
				sent++
			default:
				dropped++
			}
		}
		delivered += sent
		skipped += dropped

		if dropped > 0 {
			log.Warn().
				Str("subscriber_id", id).
				Int("dropped", dropped).
				Msg("Subscriber channel is full, dropping updates")
		}
		b.metrics.NotifierEventsPublished.WithLabelValues("broadcast").Add(float64(sent))
	}

	delay := time.Since(start).Seconds()
	b.metrics.NotifierEventDelay.Observe(delay)

	if delay > 0.1 {
		log.Warn().
			Float64("delay_seconds", delay).
			Int("updates", len(buffer)).
			Int("subscribers", len(b.subscribers)).
			Int("delivered", delivered).
			Int("skipped", skipped).
			Msg("High latency in broadcast buffer flush")
	}
}

// Close flushes what is pending, stops the loop and closes every
// subscriber channel. Safe to call more than once.
func (b *BroadcastBuffer) Close() error {
	b.closeOnce.Do(func() {
		close(b.close)
		<-b.done

		b.subscribersLock.Lock()
		defer b.subscribersLock.Unlock()
		for id, ch := range b.subscribers {
			close(ch)
			delete(b.subscribers, id)
			b.metrics.NotifierConnectionsActive.Dec()
		}
	})
	return nil
}
