package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/nkkko/engine-tap/internal/activity"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "ENGINETAP_"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Stream    StreamConfig    `yaml:"stream"`
	Activity  ActivityConfig  `yaml:"activity"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig contains dashboard HTTP server settings
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     int      `yaml:"read_timeout"`
	IdleTimeout     int      `yaml:"idle_timeout"`
	RequestTimeout  int      `yaml:"request_timeout"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// EngineConfig describes the upstream engine
type EngineConfig struct {
	BaseURL        string   `yaml:"base_url"`
	AdminToken     string   `yaml:"admin_token"`
	TapPath        string   `yaml:"tap_path"`
	IntervalMs     int      `yaml:"interval_ms"`
	Event          string   `yaml:"event"`
	Listen         []string `yaml:"listen"`
	Names          []string `yaml:"names"`
	Credentials    bool     `yaml:"credentials"`
	Focus          string   `yaml:"focus"`
	RequestTimeout int      `yaml:"request_timeout"`
}

// StreamConfig tunes reconnects
type StreamConfig struct {
	BackoffBaseMs int     `yaml:"backoff_base_ms"`
	BackoffMaxMs  int     `yaml:"backoff_max_ms"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	BackoffJitter float64 `yaml:"backoff_jitter"`
}

// ActivityConfig contains aggregation and tap state settings
type ActivityConfig struct {
	WindowSeconds     int                       `yaml:"window_seconds"`
	FlushDelayMs      int                       `yaml:"flush_delay_ms"`
	FeedSize          int                       `yaml:"feed_size"`
	CatalogSize       int                       `yaml:"catalog_size"`
	CatalogTTLSeconds int                       `yaml:"catalog_ttl_seconds"`
	Classifier        activity.ClassifierConfig `yaml:"classifier"`
}

// NotifierConfig contains real-time notification settings
type NotifierConfig struct {
	MaxIdleTime              int     `yaml:"max_idle_time"`
	HeartbeatInterval        int     `yaml:"heartbeat_interval"`
	BroadcastBufferSize      int     `yaml:"broadcast_buffer_size"`
	BroadcastFlushIntervalMs int     `yaml:"broadcast_flush_interval_ms"`
	ClientBufferSize         int     `yaml:"client_buffer_size"`
	ClientMessageRate        float64 `yaml:"client_message_rate"`
	ClientMessageBurst       int     `yaml:"client_message_burst"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	IncludeTrace  bool              `yaml:"include_trace"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	Headers       map[string]string `yaml:"headers"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// RateLimitConfig contains API rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RPM     int  `yaml:"rpm"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     5,
			IdleTimeout:     120,
			RequestTimeout:  30,
			ShutdownTimeout: 10,
		},
		Engine: EngineConfig{
			BaseURL:        "http://localhost:3000",
			TapPath:        "/events/tap",
			IntervalMs:     15000,
			Event:          "heartbeat",
			Listen:         []string{"sync", "reconcile", "events", "healthz", "isp", "ixc"},
			Credentials:    true,
			Focus:          "all",
			RequestTimeout: 10,
		},
		Stream: StreamConfig{
			BackoffBaseMs: 1200,
			BackoffMaxMs:  10000,
			BackoffFactor: 1.7,
			BackoffJitter: 0.25,
		},
		Activity: ActivityConfig{
			WindowSeconds:     60,
			FlushDelayMs:      250,
			FeedSize:          200,
			CatalogSize:       512,
			CatalogTTLSeconds: 3600,
			Classifier:        activity.DefaultClassifierConfig(),
		},
		Notifier: NotifierConfig{
			MaxIdleTime:              60,
			HeartbeatInterval:        15,
			BroadcastBufferSize:      200,
			BroadcastFlushIntervalMs: 50,
			ClientBufferSize:         256,
			ClientMessageRate:        5,
			ClientMessageBurst:       10,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "json",
			IncludeCaller: false,
			IncludeTrace:  true,
			GlobalFields:  map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "engine-tap",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPM:     600,
		},
	}
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	u, err := url.Parse(c.Engine.BaseURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("engine.base_url must be an absolute http(s) URL, got %q", c.Engine.BaseURL)
	}
	if c.Engine.TapPath == "" {
		return fmt.Errorf("engine.tap_path is required")
	}
	if c.Engine.IntervalMs <= 0 {
		return fmt.Errorf("engine.interval_ms must be positive")
	}
	if c.Activity.WindowSeconds <= 0 {
		return fmt.Errorf("activity.window_seconds must be positive")
	}
	if c.Activity.FlushDelayMs < 0 {
		return fmt.Errorf("activity.flush_delay_ms must not be negative")
	}
	if c.Stream.BackoffMaxMs > 0 && c.Stream.BackoffBaseMs > c.Stream.BackoffMaxMs {
		return fmt.Errorf("stream.backoff_base_ms exceeds stream.backoff_max_ms")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPM <= 0 {
		return fmt.Errorf("rate_limit.rpm must be positive when rate limiting is enabled")
	}
	if err := c.Activity.Classifier.Validate(); err != nil {
		return fmt.Errorf("activity.classifier: %w", err)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a YAML file
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Overrides are command line values; empty fields leave the config alone
type Overrides struct {
	BaseURL    string
	AdminToken string
	ServerAddr string
	LogLevel   string
	LogFormat  string
}

// LoadConfig loads configuration from file, environment variables, and flags
func LoadConfig(configFile string, flags Overrides) (*Config, error) {
	var config *Config
	var err error

	if configFile != "" {
		config, err = LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		config = DefaultConfig()
	}

	applyEnvOverrides(config)

	// Command line flags have the highest priority
	if flags.BaseURL != "" {
		config.Engine.BaseURL = flags.BaseURL
	}
	if flags.AdminToken != "" {
		config.Engine.AdminToken = flags.AdminToken
	}
	if flags.ServerAddr != "" {
		config.Server.Addr = flags.ServerAddr
	}
	if flags.LogLevel != "" {
		config.Logging.Level = flags.LogLevel
	}
	if flags.LogFormat != "" {
		config.Logging.Format = flags.LogFormat
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(config *Config) {
	envString("SERVER_ADDR", &config.Server.Addr)

	envString("ENGINE_BASE_URL", &config.Engine.BaseURL)
	envString("ADMIN_TOKEN", &config.Engine.AdminToken)
	envString("ENGINE_TAP_PATH", &config.Engine.TapPath)
	envInt("ENGINE_INTERVAL_MS", &config.Engine.IntervalMs)
	envList("ENGINE_LISTEN", &config.Engine.Listen)
	envList("ENGINE_NAMES", &config.Engine.Names)
	envBool("ENGINE_CREDENTIALS", &config.Engine.Credentials)
	envString("ENGINE_FOCUS", &config.Engine.Focus)

	envInt("STREAM_BACKOFF_BASE_MS", &config.Stream.BackoffBaseMs)
	envInt("STREAM_BACKOFF_MAX_MS", &config.Stream.BackoffMaxMs)

	envInt("ACTIVITY_WINDOW_SECONDS", &config.Activity.WindowSeconds)
	envInt("ACTIVITY_FLUSH_DELAY_MS", &config.Activity.FlushDelayMs)
	envInt("ACTIVITY_FEED_SIZE", &config.Activity.FeedSize)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)

	envBool("TELEMETRY_ENABLED", &config.Telemetry.Enabled)
	envString("TELEMETRY_ENDPOINT", &config.Telemetry.Endpoint)
	envBool("TELEMETRY_INSECURE", &config.Telemetry.Insecure)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_RPM", &config.RateLimit.RPM)
}

func envString(name string, dst *string) {
	if v := os.Getenv(EnvPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("Ignoring non-numeric environment override")
		return
	}
	*dst = n
}

func envBool(name string, dst *bool) {
	v := os.Getenv(EnvPrefix + name)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("var", EnvPrefix+name).Str("value", v).Msg("Ignoring non-boolean environment override")
		return
	}
	*dst = b
}

func envList(name string, dst *[]string) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	list := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			list = append(list, part)
		}
	}
	*dst = list
}
