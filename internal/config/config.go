// Package config loads process configuration for the evcore binary from the
// environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	// QueueMode selects how projection refreshes are dispatched:
	// "inprocess" uses the in-memory scheduler, "river" the durable job queue.
	QueueMode         string `env:"QUEUE_MODE" envDefault:"inprocess"`
	ProjectionWorkers int    `env:"PROJECTION_WORKERS" envDefault:"4"`
	FallbackPolicy    string `env:"FALLBACK_POLICY" envDefault:"all"`

	VersionCacheTTL time.Duration `env:"VERSION_CACHE_TTL" envDefault:"10m"`

	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"2160h"` // 90 days
	ArchiveBatchSize int           `env:"ARCHIVE_BATCH_SIZE" envDefault:"500"`
	ArchiveRate      float64       `env:"ARCHIVE_RATE" envDefault:"10"` // batches per second
	ArchiveSchedule  time.Duration `env:"ARCHIVE_SCHEDULE" envDefault:"0"`
	SQLiteColdPath   string        `env:"SQLITE_COLD_PATH"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.QueueMode {
	case "inprocess", "river":
	default:
		return fmt.Errorf("config: QUEUE_MODE must be inprocess or river, got %q", c.QueueMode)
	}
	switch c.FallbackPolicy {
	case "all", "none":
	default:
		return fmt.Errorf("config: FALLBACK_POLICY must be all or none, got %q", c.FallbackPolicy)
	}
	if c.QueueMode == "river" && c.DatabaseURL == "" {
		return errors.New("config: QUEUE_MODE=river requires DATABASE_URL")
	}
	if c.ProjectionWorkers < 1 {
		return errors.New("config: PROJECTION_WORKERS must be at least 1")
	}
	if c.ArchiveRetention <= 0 {
		return errors.New("config: ARCHIVE_RETENTION must be positive")
	}
	if c.ArchiveBatchSize < 1 {
		return errors.New("config: ARCHIVE_BATCH_SIZE must be at least 1")
	}
	if c.ArchiveRate < 0 {
		return errors.New("config: ARCHIVE_RATE must not be negative")
	}
	return nil
}
