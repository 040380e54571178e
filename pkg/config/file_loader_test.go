package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
name: staging
log_level: warn
storage:
  database_url: postgres://db.staging:5432/pulse
  redis_url: redis://cache.staging:6379/0
engine:
  tick_interval: 2s
  batch_size: 250
window:
  ttl_margin: 90s
generator:
  events_per_second: 10
telemetry:
  enabled: true
  otlp_endpoint: otel.staging:4317
`)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if fc.Name != "staging" {
		t.Errorf("expected name staging, got %q", fc.Name)
	}
	if fc.Engine.BatchSize != 250 {
		t.Errorf("expected batch size 250, got %d", fc.Engine.BatchSize)
	}

	cfg := Defaults()
	cfg.applyFile(fc)
	if cfg.DatabaseURL != "postgres://db.staging:5432/pulse" {
		t.Errorf("database url not applied, got %q", cfg.DatabaseURL)
	}
	if cfg.TickInterval != 2*time.Second {
		t.Errorf("tick interval not applied, got %s", cfg.TickInterval)
	}
	if cfg.WindowTTLMargin != 90*time.Second {
		t.Errorf("ttl margin not applied, got %s", cfg.WindowTTLMargin)
	}
	if cfg.GeneratorRate != 10 {
		t.Errorf("generator rate not applied, got %f", cfg.GeneratorRate)
	}
	if !cfg.Telemetry || cfg.OTLPEndpoint != "otel.staging:4317" {
		t.Errorf("telemetry not applied: %v %q", cfg.Telemetry, cfg.OTLPEndpoint)
	}
}

func TestLoadFile_SparseLeavesDefaults(t *testing.T) {
	path := writeConfig(t, `
engine:
  batch_size: 10
`)

	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	cfg := Defaults()
	cfg.applyFile(fc)
	if cfg.BatchSize != 10 {
		t.Errorf("batch size not applied, got %d", cfg.BatchSize)
	}
	if cfg.TickInterval != defaultTickInterval {
		t.Errorf("tick interval should keep default, got %s", cfg.TickInterval)
	}
	if cfg.SQLitePath != defaultSQLitePath {
		t.Errorf("sqlite path should keep default, got %q", cfg.SQLitePath)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeConfig(t, "engine: [broken")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoadUsesPulseConfigFile(t *testing.T) {
	path := writeConfig(t, `
log_level: error
engine:
  tick_interval: 1s
`)
	t.Setenv("PULSE_CONFIG", path)
	t.Setenv("LOG_LEVEL", "debug") // env outranks the file
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("ENGINE_TICK_INTERVAL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("env should win over file, got %q", cfg.LogLevel)
	}
	if cfg.TickInterval != time.Second {
		t.Errorf("file tick interval should apply, got %s", cfg.TickInterval)
	}
}
