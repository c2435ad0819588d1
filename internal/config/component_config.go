package config

import (
	"time"

	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/nkkko/engine-tap/internal/api"
	"github.com/nkkko/engine-tap/internal/logging"
	"github.com/nkkko/engine-tap/internal/notifier"
	"github.com/nkkko/engine-tap/internal/tap"
	"github.com/nkkko/engine-tap/internal/telemetry"
	"github.com/nkkko/engine-tap/pkg/client"
	"github.com/nkkko/engine-tap/pkg/sse"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// ToBackoff converts the stream section to reconnect tuning
func (c *Config) ToBackoff() sse.Backoff {
	return sse.Backoff{
		Base:   millis(c.Stream.BackoffBaseMs),
		Max:    millis(c.Stream.BackoffMaxMs),
		Factor: c.Stream.BackoffFactor,
		Jitter: c.Stream.BackoffJitter,
	}
}

// ToStreamOptions converts the engine and stream sections to transport options
func (c *Config) ToStreamOptions() sse.Options {
	return sse.Options{
		BaseURL:     c.Engine.BaseURL,
		Credentials: c.Engine.Credentials,
		Backoff:     c.ToBackoff(),
	}
}

// ToTapConfig converts the central config to a tap config
func (c *Config) ToTapConfig() tap.Config {
	return tap.Config{
		Path:        c.Engine.TapPath,
		Interval:    millis(c.Engine.IntervalMs),
		Listen:      c.Engine.Listen,
		Event:       c.Engine.Event,
		Names:       c.Engine.Names,
		FeedSize:    c.Activity.FeedSize,
		CatalogSize: c.Activity.CatalogSize,
		CatalogTTL:  seconds(c.Activity.CatalogTTLSeconds),
		Focus:       c.Engine.Focus,
		Stream:      c.ToStreamOptions(),
	}
}

// ToActivityConfig converts the activity section to an aggregator config
func (c *Config) ToActivityConfig() activity.Config {
	return activity.Config{
		Window:     seconds(c.Activity.WindowSeconds),
		FlushDelay: millis(c.Activity.FlushDelayMs),
	}
}

// ToClassifierConfig returns the classification table
func (c *Config) ToClassifierConfig() activity.ClassifierConfig {
	return c.Activity.Classifier
}

// ToNotifierConfig converts the central config to a notifier config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		MaxIdleTime:            seconds(c.Notifier.MaxIdleTime),
		HeartbeatInterval:      seconds(c.Notifier.HeartbeatInterval),
		BroadcastBufferSize:    c.Notifier.BroadcastBufferSize,
		BroadcastFlushInterval: millis(c.Notifier.BroadcastFlushIntervalMs),
		ClientBufferSize:       c.Notifier.ClientBufferSize,
		ClientMessageRate:      c.Notifier.ClientMessageRate,
		ClientMessageBurst:     c.Notifier.ClientMessageBurst,
		AllowedOrigins:         c.Server.AllowedOrigins,
	}
}

// ToAPIConfig converts the central config to an API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:              c.Server.Addr,
		ReadTimeout:       seconds(c.Server.ReadTimeout),
		IdleTimeout:       seconds(c.Server.IdleTimeout),
		RequestTimeout:    seconds(c.Server.RequestTimeout),
		AllowedOrigins:    c.Server.AllowedOrigins,
		RateLimitEnabled:  c.RateLimit.Enabled,
		RequestsPerMinute: c.RateLimit.RPM,
		MetricsEnabled:    c.Metrics.Enabled,
		MetricsPath:       c.Metrics.Endpoint,
		ServiceName:       c.Telemetry.ServiceName,
	}
}

// ToLoggingConfig converts the central config to a logging config
func (c *Config) ToLoggingConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = logging.ParseFormat(c.Logging.Format)
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.IncludeTraceContext = c.Logging.IncludeTrace
	for k, v := range c.Logging.GlobalFields {
		cfg.GlobalFields[k] = v
	}
	return cfg, nil
}

// ToTelemetryConfig converts the central config to a telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.Endpoint != "" {
		cfg.Endpoint = c.Telemetry.Endpoint
	}
	cfg.Insecure = c.Telemetry.Insecure
	cfg.SamplingRatio = c.Telemetry.SamplingRatio
	cfg.Engine = c.Engine.BaseURL
	for k, v := range c.Telemetry.Headers {
		cfg.Headers[k] = v
	}
	for k, v := range c.Telemetry.Attributes {
		cfg.Attributes[k] = v
	}
	return cfg
}

// NewClient builds the engine REST client
func (c *Config) NewClient() *client.Client {
	return client.New(
		c.Engine.BaseURL,
		client.WithAdminToken(c.Engine.AdminToken),
		client.WithTimeout(seconds(c.Engine.RequestTimeout)),
	)
}
