// Package config assembles runtime configuration in three layers: built-in
// defaults, an optional YAML file named by PULSE_CONFIG, and environment
// variables. Later layers win, so an env var always overrides the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultSQLitePath      = "data/pulse.db"
	defaultRedisURL        = "redis://localhost:6379/0"
	defaultTickInterval    = 5 * time.Second
	defaultBatchSize       = 100
	defaultWindowTTLMargin = 60 * time.Second
	defaultWorkerTTL       = 60 * time.Second
	defaultGeneratorRate   = 2.0
	defaultLogLevel        = "info"
	defaultOTLPEndpoint    = "localhost:4317"
)

// Config holds engine configuration.
type Config struct {
	DatabaseURL     string        // postgres DSN; empty selects the sqlite lite mode
	SQLitePath      string        // sqlite file used when DatabaseURL is empty
	RedisURL        string        // window primary and worker registry
	TickInterval    time.Duration // engine poll interval
	BatchSize       int           // max events fetched per tick
	WindowTTLMargin time.Duration // extra TTL on Redis window keys
	WorkerTTL       time.Duration // registry heartbeat expiry
	GeneratorRate   float64       // synthetic events per second
	LogLevel        string        // debug | info | warn | error
	OTLPEndpoint    string        // OTLP gRPC endpoint for telemetry
	Telemetry       bool          // enable otel export
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		SQLitePath:      defaultSQLitePath,
		RedisURL:        defaultRedisURL,
		TickInterval:    defaultTickInterval,
		BatchSize:       defaultBatchSize,
		WindowTTLMargin: defaultWindowTTLMargin,
		WorkerTTL:       defaultWorkerTTL,
		GeneratorRate:   defaultGeneratorRate,
		LogLevel:        defaultLogLevel,
		OTLPEndpoint:    defaultOTLPEndpoint,
	}
}

// Load builds the configuration: defaults, then the PULSE_CONFIG file when
// set, then environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("PULSE_CONFIG"); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.applyFile(fc)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("ENGINE_TICK_INTERVAL"); v != "" {
		c.TickInterval = parseDuration(v, c.TickInterval)
	}
	if v := os.Getenv("ENGINE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BatchSize = n
		}
	}
	if v := os.Getenv("WINDOW_TTL_MARGIN"); v != "" {
		c.WindowTTLMargin = parseDuration(v, c.WindowTTLMargin)
	}
	if v := os.Getenv("WORKER_TTL"); v != "" {
		c.WorkerTTL = parseDuration(v, c.WorkerTTL)
	}
	if v := os.Getenv("GENERATOR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.GeneratorRate = f
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.Telemetry = v == "true" || v == "1"
	}
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("config: tick interval must be positive, got %s", c.TickInterval)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive, got %d", c.BatchSize)
	}
	if c.WindowTTLMargin < 0 {
		return fmt.Errorf("config: window TTL margin must not be negative, got %s", c.WindowTTLMargin)
	}
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: either DATABASE_URL or SQLITE_PATH must be set")
	}
	if _, err := redis.ParseURL(c.RedisURL); err != nil {
		return fmt.Errorf("config: invalid redis url: %w", err)
	}
	return nil
}

// RedisOptions parses the configured Redis URL.
func (c *Config) RedisOptions() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("config: invalid redis url: %w", err)
	}
	return opts, nil
}

// SlogLevel maps the configured level name onto slog. Unknown names fall
// back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug", "DEBUG":
		return slog.LevelDebug
	case "warn", "WARN", "warning":
		return slog.LevelWarn
	case "error", "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
