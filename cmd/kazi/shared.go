package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/config"
	"github.com/jkaninda/kazi/internal/engine"
	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/kazi/internal/storage"
	pgstore "github.com/jkaninda/kazi/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kazi/internal/storage/sqlite"
	"github.com/jkaninda/kazi/internal/workspace"
)

// SharedComponents bundles everything both serve and run modes need.
type SharedComponents struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    storage.Store
	Obs      *observability.Observability // nil when observability is disabled.
	Engine   *engine.Engine
	Registry *engine.Registry
}

// Cleanup releases shared resources in reverse initialization order.
func (sc *SharedComponents) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sc.Engine.Shutdown(ctx)
	if err := sc.Store.Close(); err != nil {
		sc.Logger.Error("closing store", slog.String("error", err.Error()))
	}
	sc.Obs.Shutdown(ctx)
}

// loadConfig loads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string) (*config.Config, error) {
	path = goutils.Env("KAZI_CONFIG", path)
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func newLogger(cfg *config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
}

// initShared opens storage, runs migrations, and builds the engine.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	store, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("storage ready",
		slog.String("driver", store.Driver()),
	)

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var (
		engMetrics *engine.Metrics
		tracer     trace.Tracer
	)
	if obs != nil && obs.Metrics != nil {
		engMetrics = engine.NewMetrics(obs.Metrics.Registry)
	}
	if ts := obs.TracerOrNil(); ts != nil {
		tracer = ts.Tracer()
	}

	registry := engine.NewRegistry(cfg.Engine.CancelGrace(), logger)
	eng := engine.New(
		store.Agents(),
		store.Runs(),
		store.Outputs(),
		store.Violations(),
		registry,
		engMetrics,
		tracer,
		logger,
		engine.Config{
			BinaryPath:        cfg.Engine.Binary(),
			ResumeBuffer:      cfg.Engine.ResumeBuffer(),
			MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
			CancelGrace:       cfg.Engine.CancelGrace(),
		},
	)

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("storage", store.Ping)
		obs.Health.AddCheck("agent_binary", eng.ProbeBinary)
		obs.Health.SetActiveRunsFunc(registry.Count)
	}

	return &SharedComponents{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Obs:      obs,
		Engine:   eng,
		Registry: registry,
	}, nil
}

// startScheduler wires the background sweep when enabled. Returns a stop
// function (a no-op when the scheduler is disabled).
func (sc *SharedComponents) startScheduler(ctx context.Context) func() {
	if !sc.Config.Scheduler.IsEnabled() {
		sc.Logger.Info("scheduler disabled")
		return func() {}
	}

	var schedMetrics *scheduler.Metrics
	if sc.Obs != nil && sc.Obs.Metrics != nil {
		schedMetrics = scheduler.NewMetrics(sc.Obs.Metrics.Registry)
	}

	sched := scheduler.New(
		sc.Engine,
		sc.Registry,
		sc.Store.Runs(),
		sc.Store.Schedules(),
		schedMetrics,
		sc.Logger,
		scheduler.Config{
			PollInterval:   sc.Config.Scheduler.PollInterval(),
			ReconcileGrace: sc.Config.Scheduler.ReconcileGrace(),
		},
	)
	cancel := sched.Start(ctx)
	sc.Logger.Info("scheduler started",
		slog.String("poll_interval", sc.Config.Scheduler.PollInterval().String()),
	)
	return cancel
}

func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pgCfg := pgstore.Config{DSN: cfg.Storage.Postgres.DSN}
		if cfg.Storage.Postgres.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		}
		if cfg.Storage.Postgres.MaxIdleConns > 0 {
			pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		}
		pgCfg.ConnMaxLifetime = cfg.Storage.Postgres.ConnMaxLifetime()

		db, err := pgstore.Open(pgCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pgstore.NewStore(db), nil

	default: // sqlite
		ws, err := workspace.New(cfg.ResolvedDataDir())
		if err != nil {
			return nil, fmt.Errorf("preparing workspace: %w", err)
		}
		sqliteCfg := sqlitestore.Config{Path: ws.DatabaseFile()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				sqliteCfg.Path = cfg.Storage.SQLite.Path
			}
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		store, err := sqlitestore.Open(sqliteCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return store, nil
	}
}

// apiKeyMap maps configured keys onto stable client identifiers for
// rate limiting and request logs.
func apiKeyMap(keys []string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	m := make(map[string]string, len(keys))
	for i, k := range keys {
		m[k] = fmt.Sprintf("client-%d", i+1)
	}
	return m
}
