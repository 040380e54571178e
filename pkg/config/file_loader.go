package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML layout. Durations are strings ("5s", "1m") so the
// file reads like the env vars do.
type FileConfig struct {
	Name      string          `yaml:"name"`
	LogLevel  string          `yaml:"log_level"`
	Storage   StorageConfig   `yaml:"storage"`
	Engine    EngineConfig    `yaml:"engine"`
	Window    WindowConfig    `yaml:"window"`
	Registry  RegistryConfig  `yaml:"registry"`
	Generator GeneratorConfig `yaml:"generator"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	SQLitePath  string `yaml:"sqlite_path"`
	RedisURL    string `yaml:"redis_url"`
}

type EngineConfig struct {
	TickInterval string `yaml:"tick_interval"`
	BatchSize    int    `yaml:"batch_size"`
}

type WindowConfig struct {
	TTLMargin string `yaml:"ttl_margin"`
}

type RegistryConfig struct {
	WorkerTTL string `yaml:"worker_ttl"`
}

type GeneratorConfig struct {
	EventsPerSecond float64 `yaml:"events_per_second"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoadFile reads one YAML config file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &fc, nil
}

// applyFile overlays the file's set values. Zero values leave the current
// setting alone so a sparse file works.
func (c *Config) applyFile(fc *FileConfig) {
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}
	if fc.Storage.DatabaseURL != "" {
		c.DatabaseURL = fc.Storage.DatabaseURL
	}
	if fc.Storage.SQLitePath != "" {
		c.SQLitePath = fc.Storage.SQLitePath
	}
	if fc.Storage.RedisURL != "" {
		c.RedisURL = fc.Storage.RedisURL
	}
	if fc.Engine.TickInterval != "" {
		c.TickInterval = parseDuration(fc.Engine.TickInterval, c.TickInterval)
	}
	if fc.Engine.BatchSize > 0 {
		c.BatchSize = fc.Engine.BatchSize
	}
	if fc.Window.TTLMargin != "" {
		c.WindowTTLMargin = parseDuration(fc.Window.TTLMargin, c.WindowTTLMargin)
	}
	if fc.Registry.WorkerTTL != "" {
		c.WorkerTTL = parseDuration(fc.Registry.WorkerTTL, c.WorkerTTL)
	}
	if fc.Generator.EventsPerSecond > 0 {
		c.GeneratorRate = fc.Generator.EventsPerSecond
	}
	if fc.Telemetry.Enabled {
		c.Telemetry = true
	}
	if fc.Telemetry.OTLPEndpoint != "" {
		c.OTLPEndpoint = fc.Telemetry.OTLPEndpoint
	}
}
