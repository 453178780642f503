package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"log_level": "debug",
		"data_dir": "/var/lib/kazi",
		"engine": {"binary_path": "/usr/local/bin/claude", "max_concurrent_runs": 4},
		"server": {"addr": ":9090", "api_keys": ["k1", "k2"], "rate_limit_per_min": 60}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want debug", cfg.Level())
	}
	if cfg.Engine.Binary() != "/usr/local/bin/claude" {
		t.Errorf("Binary = %q", cfg.Engine.Binary())
	}
	if cfg.Engine.MaxConcurrentRuns != 4 {
		t.Errorf("MaxConcurrentRuns = %d, want 4", cfg.Engine.MaxConcurrentRuns)
	}
	if cfg.Server.Address() != ":9090" {
		t.Errorf("Address = %q, want :9090", cfg.Server.Address())
	}
	if len(cfg.Server.APIKeys) != 2 {
		t.Errorf("APIKeys = %v, want 2 keys", cfg.Server.APIKeys)
	}
	if cfg.ResolvedDataDir() != "/var/lib/kazi" {
		t.Errorf("ResolvedDataDir = %q", cfg.ResolvedDataDir())
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: warn
storage:
  driver: sqlite
  sqlite:
    path: /tmp/kazi-test.db
    journal_mode: wal
scheduler:
  enabled: false
  poll_interval_seconds: 10
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Level() != slog.LevelWarn {
		t.Errorf("Level = %v, want warn", cfg.Level())
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.Storage.SQLite.Path != "/tmp/kazi-test.db" {
		t.Errorf("sqlite path = %q", cfg.Storage.SQLite.Path)
	}
	if cfg.Scheduler.IsEnabled() {
		t.Error("scheduler should be disabled")
	}
	if cfg.Scheduler.PollInterval() != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.Scheduler.PollInterval())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeFile(t, "bad.json", `{not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoad_UnknownDriver(t *testing.T) {
	path := writeFile(t, "config.json", `{"storage": {"driver": "mysql"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for unknown driver")
	}
}

func TestLoad_PostgresRequiresDSN(t *testing.T) {
	path := writeFile(t, "config.json", `{"storage": {"driver": "postgres"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing DSN")
	}
}

func TestLoad_TracingRequiresEndpoint(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"observability": {"tracing": {"enabled": true}}
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing tracing endpoint")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAZI_DATA_DIR", "/data/kazi")
	t.Setenv("KAZI_AGENT_BINARY", "/opt/bin/claude")
	t.Setenv("KAZI_API_KEY", "env-key")

	cfg := Default()
	if cfg.DataDir != "/data/kazi" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Engine.Binary() != "/opt/bin/claude" {
		t.Errorf("Binary = %q", cfg.Engine.Binary())
	}
	if len(cfg.Server.APIKeys) != 1 || cfg.Server.APIKeys[0] != "env-key" {
		t.Errorf("APIKeys = %v", cfg.Server.APIKeys)
	}
}

func TestEnvOverride_PostgresDSN(t *testing.T) {
	t.Setenv("KAZI_POSTGRES_DSN", "postgres://kazi@localhost/kazi")

	cfg := Default()
	if cfg.StorageDriverName() != "postgres" {
		t.Errorf("driver = %q, want postgres", cfg.StorageDriverName())
	}
	if cfg.Storage.Postgres.DSN != "postgres://kazi@localhost/kazi" {
		t.Errorf("DSN = %q", cfg.Storage.Postgres.DSN)
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{}

	if got := cfg.Engine.Binary(); got != "claude" {
		t.Errorf("Binary = %q, want claude", got)
	}
	if got := cfg.Engine.ResumeBuffer(); got != 5*time.Minute {
		t.Errorf("ResumeBuffer = %v, want 5m", got)
	}
	if got := cfg.Engine.CancelGrace(); got != 10*time.Second {
		t.Errorf("CancelGrace = %v, want 10s", got)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Error("scheduler should default to enabled")
	}
	if got := cfg.Scheduler.PollInterval(); got != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", got)
	}
	if got := cfg.Scheduler.ReconcileGrace(); got != time.Minute {
		t.Errorf("ReconcileGrace = %v, want 1m", got)
	}
	if got := cfg.Server.Address(); got != ":8080" {
		t.Errorf("Address = %q, want :8080", got)
	}
	if got := cfg.Server.ReadTimeout(); got != 30*time.Second {
		t.Errorf("ReadTimeout = %v, want 30s", got)
	}
	if got := cfg.Server.WriteTimeout(); got != 0 {
		t.Errorf("WriteTimeout = %v, want 0", got)
	}
	if got := cfg.StorageDriverName(); got != "sqlite" {
		t.Errorf("driver = %q, want sqlite", got)
	}
	if got := cfg.Level(); got != slog.LevelInfo {
		t.Errorf("Level = %v, want info", got)
	}
}

func TestMetricsPath_Default(t *testing.T) {
	m := &MetricsConfig{Enabled: true}
	if got := m.MetricsPath(); got != "/metrics" {
		t.Errorf("MetricsPath = %q, want /metrics", got)
	}
}
