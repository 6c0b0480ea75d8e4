// Package config loads and validates the engine configuration from a YAML
// file with environment variable overrides. Validation failures are
// structured configuration errors and fatal at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openquant/helix/pkg/bus"
	"github.com/openquant/helix/pkg/errdefs"
	"github.com/openquant/helix/pkg/ingest"
	"github.com/openquant/helix/pkg/log"
	"github.com/openquant/helix/pkg/types"
)

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SubscriptionConfig bounds the subscription registry
type SubscriptionConfig struct {
	MaxSubscriptions  int `yaml:"max_subscriptions"`
	DefaultPriority   int `yaml:"default_priority"`
	DefaultMaxRetries int `yaml:"default_max_retries"`
}

// ProcessingConfig controls the event processor
type ProcessingConfig struct {
	MaxProcessingTimeSeconds float64 `yaml:"max_processing_time_seconds"`
	MaxConcurrentHandlers    int     `yaml:"max_concurrent_handlers"`
	CircuitBreakerEnabled    bool    `yaml:"circuit_breaker_enabled"`
	EnableMetrics            bool    `yaml:"enable_metrics"`
	RetryDelayMs             int     `yaml:"retry_delay_ms"`
}

// BusConfig configures the event bus
type BusConfig struct {
	MaxQueueSize        int                `yaml:"max_queue_size"`
	NumWorkers          int                `yaml:"num_workers"`
	DeadLetterQueueSize int                `yaml:"dead_letter_queue_size"`
	EnablePersistence   bool               `yaml:"enable_persistence"`
	Subscription        SubscriptionConfig `yaml:"subscription"`
	Processing          ProcessingConfig   `yaml:"processing"`
}

// VenueConfig configures one venue ingester
type VenueConfig struct {
	Venue                string   `yaml:"venue"`
	Symbols              []string `yaml:"symbols"`
	Timeframes           []string `yaml:"timeframes"`
	WSBaseURL            string   `yaml:"ws_base_url"`
	RESTBaseURL          string   `yaml:"rest_base_url"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	ReconnectDelayMs     int      `yaml:"reconnect_delay_ms"`
}

// IngestConfig configures the ingestion pipeline
type IngestConfig struct {
	Venues []VenueConfig `yaml:"venues"`
}

// DatabaseConfig configures the persistence backend
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // empty selects the in-memory store
}

// MetricsConfig configures the metrics HTTP server
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root engine configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Bus      BusConfig      `yaml:"bus"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	DataDir  string         `yaml:"data_dir"`
}

// Default returns the configuration defaults
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", JSON: true},
		Bus: BusConfig{
			MaxQueueSize:        10000,
			NumWorkers:          4,
			DeadLetterQueueSize: 1000,
			Subscription: SubscriptionConfig{
				MaxSubscriptions:  1000,
				DefaultPriority:   0,
				DefaultMaxRetries: 3,
			},
			Processing: ProcessingConfig{
				MaxProcessingTimeSeconds: 30,
				MaxConcurrentHandlers:    10,
				CircuitBreakerEnabled:    true,
				EnableMetrics:            true,
				RetryDelayMs:             100,
			},
		},
		Metrics: MetricsConfig{ListenAddr: ":9100"},
		DataDir: "/var/lib/helix",
	}
}

// Load reads the YAML config at path over the defaults, then applies
// environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errdefs.NewConfigurationError(
				fmt.Sprintf("read config file: %v", err), "config", "load").WithCause(err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errdefs.NewConfigurationError(
				fmt.Sprintf("parse config file: %v", err), "config", "load").WithCause(err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides selected options from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("HELIX_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HELIX_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("HELIX_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
	if v, err := strconv.Atoi(os.Getenv("HELIX_BUS_MAX_QUEUE_SIZE")); err == nil {
		c.Bus.MaxQueueSize = v
	}
	if v, err := strconv.Atoi(os.Getenv("HELIX_BUS_NUM_WORKERS")); err == nil {
		c.Bus.NumWorkers = v
	}
	if v, err := strconv.ParseBool(os.Getenv("HELIX_BUS_ENABLE_PERSISTENCE")); err == nil {
		c.Bus.EnablePersistence = v
	}
}

// Validate checks every documented range; the first violation is returned
// as a structured configuration error.
func (c *Config) Validate() error {
	if err := c.BusConfig().Validate(); err != nil {
		return err
	}
	if c.Bus.Subscription.MaxSubscriptions <= 0 {
		return errdefs.NewConfigurationError("subscription.max_subscriptions must be positive", "config", "validate")
	}
	if c.Bus.Subscription.DefaultMaxRetries < 0 {
		return errdefs.NewConfigurationError("subscription.default_max_retries must not be negative", "config", "validate")
	}
	if c.Bus.Processing.MaxProcessingTimeSeconds <= 0 {
		return errdefs.NewConfigurationError("processing.max_processing_time_seconds must be positive", "config", "validate")
	}
	if c.Bus.Processing.MaxConcurrentHandlers <= 0 {
		return errdefs.NewConfigurationError("processing.max_concurrent_handlers must be positive", "config", "validate")
	}
	for _, v := range c.Ingest.Venues {
		if err := venueConfig(v).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// BusConfig converts to the bus package configuration
func (c *Config) BusConfig() bus.Config {
	return bus.Config{
		MaxQueueSize:        c.Bus.MaxQueueSize,
		NumWorkers:          c.Bus.NumWorkers,
		DeadLetterQueueSize: c.Bus.DeadLetterQueueSize,
		EnablePersistence:   c.Bus.EnablePersistence,
	}
}

// RegistryConfig converts to the subscription registry configuration
func (c *Config) RegistryConfig() bus.SubscriptionConfig {
	return bus.SubscriptionConfig{
		MaxSubscriptions:  c.Bus.Subscription.MaxSubscriptions,
		DefaultPriority:   c.Bus.Subscription.DefaultPriority,
		DefaultMaxRetries: c.Bus.Subscription.DefaultMaxRetries,
	}
}

// ProcessingConfig converts to the event processor configuration
func (c *Config) ProcessingConfig() bus.ProcessingConfig {
	return bus.ProcessingConfig{
		MaxProcessingTime:     time.Duration(c.Bus.Processing.MaxProcessingTimeSeconds * float64(time.Second)),
		MaxConcurrentHandlers: c.Bus.Processing.MaxConcurrentHandlers,
		CircuitBreakerEnabled: c.Bus.Processing.CircuitBreakerEnabled,
		EnableMetrics:         c.Bus.Processing.EnableMetrics,
		RetryDelay:            time.Duration(c.Bus.Processing.RetryDelayMs) * time.Millisecond,
	}
}

// IngestConfigs converts to per-venue ingester configurations
func (c *Config) IngestConfigs() []ingest.Config {
	out := make([]ingest.Config, 0, len(c.Ingest.Venues))
	for _, v := range c.Ingest.Venues {
		out = append(out, venueConfig(v))
	}
	return out
}

func venueConfig(v VenueConfig) ingest.Config {
	tfs := make([]types.Timeframe, 0, len(v.Timeframes))
	for _, tf := range v.Timeframes {
		tfs = append(tfs, types.Timeframe(tf))
	}
	return ingest.Config{
		Venue:                types.Venue(v.Venue),
		Symbols:              v.Symbols,
		Timeframes:           tfs,
		WSBaseURL:            v.WSBaseURL,
		RESTBaseURL:          v.RESTBaseURL,
		MaxReconnectAttempts: v.MaxReconnectAttempts,
		ReconnectDelay:       time.Duration(v.ReconnectDelayMs) * time.Millisecond,
	}
}

// LogConfig converts to the log package configuration
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
