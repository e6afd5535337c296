// Package config defines all configuration for the exchange daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via EXCH_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Symbols   []string        `mapstructure:"symbols"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Expiry    ExpiryConfig    `mapstructure:"expiry"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds the Postgres connection and retry policy.
// Transient failures (serialization conflicts, deadlocks, dropped
// connections) retry the whole intent with exponential backoff.
type DatabaseConfig struct {
	URL        string        `mapstructure:"url"`
	MaxRetries uint64        `mapstructure:"max_retries"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
	RetryMax   time.Duration `mapstructure:"retry_max"`
}

// EngineConfig tunes the per-symbol matching engines.
//
//   - QueueCapacity: intents buffered per symbol before submits reject BUSY.
//   - SlippageCushion: multiplier on the top-of-book cost estimate reserved
//     for market buys (1.10 = 10% headroom for walking the book).
type EngineConfig struct {
	QueueCapacity   int     `mapstructure:"queue_capacity"`
	SlippageCushion float64 `mapstructure:"slippage_cushion"`
}

// ExpiryConfig controls the time-in-force sweep.
type ExpiryConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// PublisherConfig controls outbox draining.
//
//   - BatchSize: events claimed per transaction.
//   - PartialDelay: pause after a partial batch.
//   - IdleBackoffMin/Max: pause range while the outbox is empty; doubles
//     each idle round up to the max.
//   - WebhookURL: optional HTTP endpoint that receives each batch as JSON
//     in addition to the WebSocket broadcast.
type PublisherConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	PartialDelay   time.Duration `mapstructure:"partial_delay"`
	IdleBackoffMin time.Duration `mapstructure:"idle_backoff_min"`
	IdleBackoffMax time.Duration `mapstructure:"idle_backoff_max"`
	WebhookURL     string        `mapstructure:"webhook_url"`
}

// APIConfig controls the HTTP/WebSocket server.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. The database
// URL is typically supplied via EXCH_DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine.queue_capacity", 1024)
	v.SetDefault("engine.slippage_cushion", 1.10)
	v.SetDefault("database.max_retries", 5)
	v.SetDefault("database.retry_base", 50*time.Millisecond)
	v.SetDefault("database.retry_max", 1500*time.Millisecond)
	v.SetDefault("expiry.interval", time.Second)
	v.SetDefault("expiry.batch_size", 256)
	v.SetDefault("publisher.batch_size", 100)
	v.SetDefault("publisher.partial_delay", 10*time.Millisecond)
	v.SetDefault("publisher.idle_backoff_min", 100*time.Millisecond)
	v.SetDefault("publisher.idle_backoff_max", time.Second)
	v.SetDefault("api.port", 8080)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if url := os.Getenv("EXCH_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (set EXCH_DATABASE_URL)")
	}
	if c.Engine.QueueCapacity <= 0 {
		return fmt.Errorf("engine.queue_capacity must be > 0")
	}
	if c.Engine.SlippageCushion < 1.0 {
		return fmt.Errorf("engine.slippage_cushion must be >= 1.0")
	}
	if c.Database.RetryBase <= 0 || c.Database.RetryMax < c.Database.RetryBase {
		return fmt.Errorf("database retry intervals must satisfy 0 < retry_base <= retry_max")
	}
	if c.Expiry.Interval <= 0 {
		return fmt.Errorf("expiry.interval must be > 0")
	}
	if c.Expiry.BatchSize <= 0 {
		return fmt.Errorf("expiry.batch_size must be > 0")
	}
	if c.Publisher.BatchSize <= 0 {
		return fmt.Errorf("publisher.batch_size must be > 0")
	}
	if c.Publisher.IdleBackoffMin <= 0 || c.Publisher.IdleBackoffMax < c.Publisher.IdleBackoffMin {
		return fmt.Errorf("publisher idle backoff must satisfy 0 < idle_backoff_min <= idle_backoff_max")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be a valid port")
	}
	return nil
}
