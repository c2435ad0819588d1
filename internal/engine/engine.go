// Package engine wires configuration, the tap, the notifier and the API
// together and runs them until shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/nkkko/engine-tap/internal/api"
	"github.com/nkkko/engine-tap/internal/config"
	"github.com/nkkko/engine-tap/internal/logging"
	"github.com/nkkko/engine-tap/internal/notifier"
	"github.com/nkkko/engine-tap/internal/tap"
	"github.com/nkkko/engine-tap/internal/telemetry"
	"github.com/nkkko/engine-tap/pkg/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the main coordinator of all components
type Engine struct {
	holder     *config.Holder
	classifier *activity.Classifier
	aggregator *activity.Aggregator
	tap        *tap.Tap
	notifier   *notifier.Notifier
	api        *api.API
	client     *client.Client
	logger     zerolog.Logger

	shutdownTimeout time.Duration
	telemetryFn     func(context.Context) error
}

// New builds every component from the holder's current configuration
func New(holder *config.Holder) (*Engine, error) {
	cfg := holder.Get()

	classifier, err := activity.NewClassifier(cfg.ToClassifierConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}

	aggregator := activity.New(cfg.ToActivityConfig(), classifier)
	n := notifier.NewNotifier(cfg.ToNotifierConfig())

	t, err := tap.New(cfg.ToTapConfig(), classifier, aggregator, n)
	if err != nil {
		aggregator.Close()
		return nil, fmt.Errorf("failed to create tap: %w", err)
	}

	engineClient := cfg.NewClient()

	e := &Engine{
		holder:          holder,
		classifier:      classifier,
		aggregator:      aggregator,
		tap:             t,
		notifier:        n,
		api:             api.NewAPI(cfg.ToAPIConfig(), t, n, engineClient),
		client:          engineClient,
		logger:          log.With().Str("component", "engine").Logger(),
		shutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
	}
	if e.shutdownTimeout <= 0 {
		e.shutdownTimeout = 10 * time.Second
	}

	n.SetInitial(e.snapshot)
	holder.OnReload(e.applyReload)

	return e, nil
}

// Tap returns the running tap
func (e *Engine) Tap() *tap.Tap {
	return e.tap
}

// API returns the HTTP API
func (e *Engine) API() *api.API {
	return e.api
}

// Start runs all components until ctx is done or one of them fails,
// then shuts everything down
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting engine-tap")

	telShutdown, err := telemetry.Setup(ctx, e.holder.Get().ToTelemetryConfig())
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.notifier.Start(gctx)
	})

	g.Go(func() error {
		return e.tap.Run(gctx)
	})

	g.Go(func() error {
		return e.api.Start(gctx)
	})

	g.Go(func() error {
		// Hot reload is best effort; the tap keeps running without it
		if err := e.holder.Watch(gctx); err != nil {
			e.logger.Warn().Err(err).Msg("Config watcher unavailable")
		}
		return nil
	})

	<-gctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.shutdownTimeout)
	defer cancel()
	shutdownErr := e.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("engine-tap shut down")
	return shutdownErr
}

// Shutdown stops the components in dependency order
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down engine-tap")

	var errs []error

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
		errs = append(errs, err)
	}

	// Pending activity is dropped; the tap has already closed its stream
	e.aggregator.Close()

	if err := e.notifier.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down notifier")
		errs = append(errs, err)
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// snapshot is what a dashboard receives when it connects
func (e *Engine) snapshot() []*notifier.Update {
	now := time.Now()
	return []*notifier.Update{
		{ID: uuid.NewString(), Topic: tap.TopicStatus, Time: now, Payload: e.tap.Status()},
		{ID: uuid.NewString(), Topic: tap.TopicActivity, Time: now, Payload: e.aggregator.Buckets()},
		{ID: uuid.NewString(), Topic: tap.TopicFeed, Time: now, Payload: e.tap.Feed().Entries()},
	}
}

// applyReload applies the settings that can change at runtime
func (e *Engine) applyReload(cfg *config.Config) {
	if err := e.classifier.Update(cfg.ToClassifierConfig()); err != nil {
		e.logger.Error().Err(err).Msg("Rejected classifier update")
	}

	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		if zl, err := zerolog.ParseLevel(string(level)); err == nil {
			zerolog.SetGlobalLevel(zl)
		}
	}
}
