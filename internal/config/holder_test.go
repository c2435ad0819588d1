package config

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolderReload(t *testing.T) {
	first := DefaultConfig()
	second := DefaultConfig()
	second.Activity.WindowSeconds = 30

	calls := 0
	h := NewHolder(first, "", func() (*Config, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("broken file")
		}
		return second, nil
	})

	var seen atomic.Int32
	h.OnReload(func(c *Config) {
		seen.Add(1)
		assert.Equal(t, 30, c.Activity.WindowSeconds)
	})
	h.OnReload(func(*Config) { panic("listener bug") })

	require.NoError(t, h.Reload())
	assert.Same(t, second, h.Get())
	assert.Equal(t, int32(1), seen.Load())

	// A failed load keeps the current configuration
	assert.Error(t, h.Reload())
	assert.Same(t, second, h.Get())
	assert.Equal(t, int32(1), seen.Load())
}

func TestHolderWatchWithoutFile(t *testing.T) {
	h := NewHolder(DefaultConfig(), "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}

func TestHolderWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "activity:\n  window_seconds: 60\n")

	initial, err := LoadConfig(path, Overrides{})
	require.NoError(t, err)

	h := NewHolder(initial, path, func() (*Config, error) {
		return LoadConfig(path, Overrides{})
	})
	h.debounce = 20 * time.Millisecond

	reloaded := make(chan int, 4)
	h.OnReload(func(c *Config) {
		select {
		case reloaded <- c.Activity.WindowSeconds:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.Watch(ctx) }()

	// Wait for the watcher to be installed before touching the file
	require.Eventually(t, func() bool { return h.watching.Load() }, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("activity:\n  window_seconds: 90\n"), 0644))

	// A truncate-then-write may surface an intermediate reload first
	deadline := time.After(3 * time.Second)
	for got := 0; got != 90; {
		select {
		case got = <-reloaded:
		case <-deadline:
			t.Fatal("config was not reloaded")
		}
	}
	assert.Equal(t, 90, h.Get().Activity.WindowSeconds)

	cancel()
	assert.NoError(t, <-done)
}

func TestHolderWatchMissingFile(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/nonexistent/engine-tap.yaml", nil)
	assert.Error(t, h.Watch(context.Background()))
}
