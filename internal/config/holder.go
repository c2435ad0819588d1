package config

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce collapses bursts of file events into one reload
const DefaultDebounce = 500 * time.Millisecond

// LoadFunc produces a fresh, validated configuration
type LoadFunc func() (*Config, error)

// Holder keeps the current configuration and reloads it when its file
// changes. A failed reload keeps the previous configuration.
type Holder struct {
	mu       sync.RWMutex
	current  *Config
	load     LoadFunc
	path     string
	debounce time.Duration
	watching atomic.Bool
	logger   zerolog.Logger

	listenersMu sync.RWMutex
	listeners   []func(*Config)
}

// NewHolder creates a holder. path may be empty, in which case there is
// nothing to watch and only manual reloads apply.
func NewHolder(initial *Config, path string, load LoadFunc) *Holder {
	return &Holder{
		current:  initial,
		load:     load,
		path:     path,
		debounce: DefaultDebounce,
		logger:   log.With().Str("component", "config").Logger(),
	}
}

// Get returns the current configuration. Callers must not modify it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// OnReload registers fn to run after every successful reload
func (h *Holder) OnReload(fn func(*Config)) {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Reload loads and swaps in a new configuration
func (h *Holder) Reload() error {
	h.logger.Info().Str("event", "config.reload_start").Msg("Reloading configuration")

	next, err := h.load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("Failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	h.logChanges(prev, next)
	h.notify(next)

	h.logger.Info().Str("event", "config.reload_success").Msg("Configuration reloaded")
	return nil
}

// Watch reloads on file changes until ctx is done
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("No config file, watcher disabled")
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watching.Store(true)
	defer h.watching.Store(false)

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.path).Msg("Watching config file")

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("Config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Editors that replace the file emit Remove/Rename; re-add the path
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Add(h.path)
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			h.logger.Debug().Str("event", "config.file_changed").Str("op", event.Op.String()).Msg("Config file changed")

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(h.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				_ = h.Reload()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("Config watcher error")
		}
	}
}

func (h *Holder) notify(cfg *Config) {
	h.listenersMu.RLock()
	listeners := append([]func(*Config){}, h.listeners...)
	h.listenersMu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error().Interface("panic", r).Msg("Config listener panicked")
				}
			}()
			fn(cfg)
		}()
	}
}

// logChanges notes which sections differ; settings that only take effect
// at startup are flagged
func (h *Holder) logChanges(prev, next *Config) {
	if prev == nil || next == nil {
		return
	}
	if !reflect.DeepEqual(prev.Activity.Classifier, next.Activity.Classifier) {
		h.logger.Info().Str("section", "activity.classifier").Msg("Classifier table changed")
	}
	if prev.Logging.Level != next.Logging.Level {
		h.logger.Info().Str("old", prev.Logging.Level).Str("new", next.Logging.Level).Msg("Log level changed")
	}
	if !reflect.DeepEqual(prev.Engine, next.Engine) || !reflect.DeepEqual(prev.Stream, next.Stream) {
		h.logger.Warn().Str("section", "engine").Msg("Engine settings changed; restart to apply")
	}
	if !reflect.DeepEqual(prev.Server, next.Server) {
		h.logger.Warn().Str("section", "server").Msg("Server settings changed; restart to apply")
	}
}
