package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
chartflow:
  name: chartflow
  version: "1.0.0"
cache:
  dir: /tmp/chartflow-cache
source:
  binance:
    linear:
      enabled: true
      ws_url: wss://fstream.binance.com/stream
      rest_url: https://fapi.binance.com
      symbols: [BTCUSDT, ETHUSDT]
  bybit:
    linear:
      enabled: true
      ws_url: wss://stream.bybit.com/v5/public/linear
      rest_url: https://api.bybit.com
      symbols: [BTCUSDT]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Chartflow.Name != "chartflow" {
		t.Errorf("name = %q, want chartflow", cfg.Chartflow.Name)
	}
	if len(cfg.Source.Binance.Linear.Symbols) != 2 {
		t.Errorf("binance linear symbols = %v, want 2 entries", cfg.Source.Binance.Linear.Symbols)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Channels.EventBuffer != 10000 {
		t.Errorf("event_buffer default = %d, want 10000", cfg.Channels.EventBuffer)
	}
	if cfg.Source.Binance.Linear.DepthLimit != 1000 {
		t.Errorf("binance linear depth_limit default = %d, want 1000", cfg.Source.Binance.Linear.DepthLimit)
	}
	if cfg.Source.Bybit.Linear.DepthLimit != 500 {
		t.Errorf("bybit linear depth_limit default = %d, want 500", cfg.Source.Bybit.Linear.DepthLimit)
	}
	if cfg.Source.Bybit.Linear.DepthCadenceMs != 200 {
		t.Errorf("bybit depth_cadence_ms default = %d, want 200", cfg.Source.Bybit.Linear.DepthCadenceMs)
	}
	if cfg.Backfill.RetryCooldown != 30*time.Second {
		t.Errorf("retry_cooldown default = %v, want 30s", cfg.Backfill.RetryCooldown)
	}
}

func TestLoadConfigMissingName(t *testing.T) {
	yaml := `
chartflow:
  version: "1.0.0"
cache:
  dir: /tmp/cache
`
	if _, err := LoadConfig(writeConfig(t, yaml)); err == nil {
		t.Fatal("expected validation error for missing chartflow.name")
	}
}

func TestLoadConfigEnabledSourceRequiresSymbols(t *testing.T) {
	yaml := `
chartflow:
  name: chartflow
  version: "1.0.0"
cache:
  dir: /tmp/cache
source:
  binance:
    spot:
      enabled: true
      ws_url: wss://stream.binance.com:9443/stream
      rest_url: https://api.binance.com
`
	if _, err := LoadConfig(writeConfig(t, yaml)); err == nil {
		t.Fatal("expected validation error for enabled source without symbols")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CHARTFLOW_CACHE_DIR", "/data/cache")
	yaml := `
chartflow:
  name: ${CHARTFLOW_NAME:-chartflow}
  version: "1.0.0"
cache:
  dir: ${CHARTFLOW_CACHE_DIR}
`
	cfg, err := LoadConfig(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.Cache.Dir != "/data/cache" {
		t.Errorf("cache.dir = %q, want /data/cache", cfg.Cache.Dir)
	}
	if cfg.Chartflow.Name != "chartflow" {
		t.Errorf("name default = %q, want chartflow", cfg.Chartflow.Name)
	}
}

func TestAppEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if got := AppEnvironment(); got != EnvironmentProduction {
		t.Errorf("AppEnvironment() = %q, want production", got)
	}
	if !IsProductionLike(EnvironmentStaging) {
		t.Error("staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Error("development should not be production-like")
	}
}
