package notifier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUpdate(id, topic string) *Update {
	return &Update{ID: id, Topic: topic, Time: time.Now(), Payload: map[string]any{"n": id}}
}

// TestBroadcastBuffer tests batched delivery to several subscribers
func TestBroadcastBuffer(t *testing.T) {
	flushInterval := 20 * time.Millisecond
	buffer := NewBroadcastBuffer(10, flushInterval)
	defer buffer.Close()

	const numSubscribers = 5
	channels := make([]chan *Update, numSubscribers)
	for i := 0; i < numSubscribers; i++ {
		channels[i] = buffer.Subscribe(fmt.Sprintf("subscriber-%d", i), 10)
	}
	assert.Equal(t, numSubscribers, buffer.Subscribers())

	buffer.Publish(testUpdate("u-1", "feed"))

	for i, ch := range channels {
		select {
		case received := <-ch:
			assert.Equal(t, "u-1", received.ID, "Subscriber %d should receive the update", i)
		case <-time.After(time.Second):
			t.Errorf("Timeout waiting for subscriber %d", i)
		}
	}

	buffer.Unsubscribe("subscriber-0")
	buffer.Unsubscribe("subscriber-0")
	_, open := <-channels[0]
	assert.False(t, open, "unsubscribed channel is closed")

	buffer.Publish(testUpdate("u-2", "feed"))
	for i := 1; i < numSubscribers; i++ {
		select {
		case received := <-channels[i]:
			assert.Equal(t, "u-2", received.ID)
		case <-time.After(time.Second):
			t.Errorf("Timeout waiting for subscriber %d for second update", i)
		}
	}
}

// TestBufferFlushTriggers checks that a full batch flushes before the interval
func TestBufferFlushTriggers(t *testing.T) {
	buffer := NewBroadcastBuffer(5, time.Hour)
	defer buffer.Close()

	ch := buffer.Subscribe("sub", 10)

	for i := 0; i < 5; i++ {
		buffer.Publish(testUpdate(fmt.Sprint(i), "activity"))
	}

	for i := 0; i < 5; i++ {
		select {
		case u := <-ch:
			assert.Equal(t, fmt.Sprint(i), u.ID, "updates keep publish order")
		case <-time.After(time.Second):
			t.Fatalf("size-triggered flush did not deliver update %d", i)
		}
	}
}

// TestBufferChannelFull checks that a slow subscriber does not block others
func TestBufferChannelFull(t *testing.T) {
	buffer := NewBroadcastBuffer(100, 10*time.Millisecond)
	defer buffer.Close()

	slow := buffer.Subscribe("slow", 2)
	fast := buffer.Subscribe("fast", 100)

	for i := 0; i < 10; i++ {
		buffer.Publish(testUpdate(fmt.Sprint(i), "feed"))
	}

	var got int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range fast {
			if atomic.AddInt32(&got, 1) == 10 {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow one")
	}
	assert.Len(t, slow, 2)
}

func TestBufferCloseFlushesAndClosesSubscribers(t *testing.T) {
	buffer := NewBroadcastBuffer(100, time.Hour)
	ch := buffer.Subscribe("sub", 10)

	buffer.Publish(testUpdate("last", "status"))
	require.NoError(t, buffer.Close())
	require.NoError(t, buffer.Close())

	u, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, "last", u.ID)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestBufferConcurrentPublish(t *testing.T) {
	buffer := NewBroadcastBuffer(50, 5*time.Millisecond)
	defer buffer.Close()

	ch := buffer.Subscribe("sub", 1000)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				buffer.Publish(testUpdate(fmt.Sprintf("%d-%d", w, i), "feed"))
			}
		}(w)
	}
	wg.Wait()

	received := 0
	timeout := time.After(2 * time.Second)
	for received < 400 {
		select {
		case <-ch:
			received++
		case <-timeout:
			t.Fatalf("received %d of 400 updates", received)
		}
	}
}

func BenchmarkBroadcastBuffer(b *testing.B) {
	buffer := NewBroadcastBuffer(100, 10*time.Millisecond)
	defer buffer.Close()

	for i := 0; i < 10; i++ {
		ch := buffer.Subscribe(fmt.Sprintf("bench-%d", i), 1000)
		go func() {
			for range ch {
			}
		}()
	}

	u := testUpdate("bench", "feed")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buffer.Publish(u)
	}
}
