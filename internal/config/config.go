// Package config loads and validates the Kazi configuration file.
//
// Config files are JSON or YAML (detected by extension). A .env file in
// the working directory is loaded on startup; environment variables take
// precedence over file values for secrets and paths.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env if present; real env vars are not overwritten.
	_ = godotenv.Load()
}

// Config is the root configuration.
type Config struct {
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"` // "debug", "info" (default), "warn", "error".
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: ~/.kazi. Override: KAZI_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`     // nil = SQLite default (derived from data dir)
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"` // nil = scheduler enabled with defaults
	Server        ServerConfig         `json:"server" yaml:"server"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the effective driver name.
func (s *StorageConfig) StorageDriver() string {
	if s == nil || s.Driver == "" {
		return "sqlite"
	}
	return s.Driver
}

// SQLiteStorageConfig holds SQLite settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ConnMaxLifetime returns the pooled connection lifetime.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p.ConnMaxLifetimeS <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(p.ConnMaxLifetimeS) * time.Second
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	BinaryPath          string `json:"binary_path" yaml:"binary_path"`                     // Agent CLI binary. Default: "claude". Override: KAZI_AGENT_BINARY env var.
	ResumeBufferSeconds int    `json:"resume_buffer_seconds" yaml:"resume_buffer_seconds"` // Added to usage-limit reset times. Default: 300 (5 min).
	MaxConcurrentRuns   int    `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`     // 0 = unlimited.
	CancelGraceSeconds  int    `json:"cancel_grace_seconds" yaml:"cancel_grace_seconds"`   // SIGTERM-to-SIGKILL wait. Default: 10.
	DefaultModel        string `json:"default_model" yaml:"default_model"`                 // Used when an agent has no model set.
	DefaultProjectPath  string `json:"default_project_path" yaml:"default_project_path"`   // Used when a run request has no path.
}

// Binary returns the agent CLI binary path.
func (e *EngineConfig) Binary() string {
	if e.BinaryPath == "" {
		return "claude"
	}
	return e.BinaryPath
}

// ResumeBuffer returns the safety margin added to reset times.
func (e *EngineConfig) ResumeBuffer() time.Duration {
	if e.ResumeBufferSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(e.ResumeBufferSeconds) * time.Second
}

// CancelGrace returns the graceful-termination window.
func (e *EngineConfig) CancelGrace() time.Duration {
	if e.CancelGraceSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.CancelGraceSeconds) * time.Second
}

// SchedulerConfig tunes the background sweep.
type SchedulerConfig struct {
	Enabled               *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`             // Default: true.
	PollIntervalSeconds   int   `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`     // Default: 30.
	ReconcileGraceSeconds int   `json:"reconcile_grace_seconds" yaml:"reconcile_grace_seconds"` // Default: 60.
}

// IsEnabled reports whether the sweep should run.
func (s *SchedulerConfig) IsEnabled() bool {
	if s == nil || s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// PollInterval returns the sweep period.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s == nil || s.PollIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// ReconcileGrace returns the minimum run age before reconciliation.
func (s *SchedulerConfig) ReconcileGrace() time.Duration {
	if s == nil || s.ReconcileGraceSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(s.ReconcileGraceSeconds) * time.Second
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`                             // Default: ":8080".
	APIKeys         []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // Empty = no auth (local use). Override: KAZI_API_KEY env var adds a key.
	RateLimitPerMin int      `json:"rate_limit_per_min" yaml:"rate_limit_per_min"` // Per client. 0 = disabled.
	ReadTimeoutS    int      `json:"read_timeout_s" yaml:"read_timeout_s"`         // Default: 30.
	WriteTimeoutS   int      `json:"write_timeout_s" yaml:"write_timeout_s"`       // Default: 0 (unlimited, SSE/WebSocket streams).
}

// Address returns the listen address.
func (s *ServerConfig) Address() string {
	if s.Addr == "" {
		return ":8080"
	}
	return s.Addr
}

// ReadTimeout returns the HTTP read timeout.
func (s *ServerConfig) ReadTimeout() time.Duration {
	if s.ReadTimeoutS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.ReadTimeoutS) * time.Second
}

// WriteTimeout returns the HTTP write timeout. Zero disables it so
// long-lived event streams are not cut off.
func (s *ServerConfig) WriteTimeout() time.Duration {
	if s.WriteTimeoutS <= 0 {
		return 0
	}
	return time.Duration(s.WriteTimeoutS) * time.Second
}

// ObservabilityConfig groups the optional observability surfaces.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the scrape path.
func (m *MetricsConfig) MetricsPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kazi"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// Level maps the configured log level onto slog's scale.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultConfigPath returns the default config file path (~/.kazi/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kazi.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kazi", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML,
// everything else for JSON. Environment variables take precedence over
// file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", resolved, err)
	}
	return &cfg, nil
}

// Default returns a usable zero configuration: local SQLite, scheduler
// on, no auth, observability off.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if envDD := os.Getenv("KAZI_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envBin := os.Getenv("KAZI_AGENT_BINARY"); envBin != "" {
		c.Engine.BinaryPath = envBin
	}
	if envKey := os.Getenv("KAZI_API_KEY"); envKey != "" {
		c.Server.APIKeys = append(c.Server.APIKeys, envKey)
	}
	if envDSN := os.Getenv("KAZI_POSTGRES_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
}

// ResolvedDataDir returns the data directory, defaulting to ~/.kazi.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kazi"
	}
	return filepath.Join(home, ".kazi")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set KAZI_POSTGRES_DSN)")
		}
	}
	if c.Engine.MaxConcurrentRuns < 0 {
		return fmt.Errorf("engine.max_concurrent_runs must not be negative")
	}
	if c.Engine.ResumeBufferSeconds < 0 {
		return fmt.Errorf("engine.resume_buffer_seconds must not be negative")
	}
	if c.Server.RateLimitPerMin < 0 {
		return fmt.Errorf("server.rate_limit_per_min must not be negative")
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch c.Observability.Tracing.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", c.Observability.Tracing.Protocol)
		}
	}
	return nil
}

// resolvePath expands a leading ~ to the user's home directory.
func resolvePath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
