package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_AppliesDefaultsForMissingFields(t *testing.T) {
	path := writeTempConfig(t, "symbols:\n  - BTC/USDT\n")

	cfg, err := NewConfigLoader().LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Redis.Host != "localhost" || cfg.Redis.Port != 6379 || cfg.Redis.PoolSize != 10 {
		t.Fatalf("unexpected redis defaults: %+v", cfg.Redis)
	}
	if cfg.Server.ListenAddr != ":8899" {
		t.Fatalf("unexpected listen addr default: %q", cfg.Server.ListenAddr)
	}
}

func TestLoadConfig_HonorsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
redis:
  host: redis.internal
  port: 7000
  pool_size: 50
server:
  listen_addr: ":9000"
symbols:
  - BTC/USDT
  - ETH/USDT
`)

	cfg, err := NewConfigLoader().LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Redis.Host != "redis.internal" || cfg.Redis.Port != 7000 || cfg.Redis.PoolSize != 50 {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("unexpected listen addr: %q", cfg.Server.ListenAddr)
	}
	if len(cfg.Symbols) != 2 {
		t.Fatalf("unexpected symbols: %v", cfg.Symbols)
	}
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	if _, err := NewConfigLoader().LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
