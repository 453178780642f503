// Package storage defines the unified persistence interface implemented
// by the SQLite and PostgreSQL backends.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

// Driver identifiers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ScheduleStore is the persistence interface for recurring run
// schedules. The scheduler consumes the List/Update subset; the HTTP API
// uses the full CRUD surface.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *domain.RunSchedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.RunSchedule, error)
	ListSchedules(ctx context.Context) ([]domain.RunSchedule, error)
	ListEnabledSchedules(ctx context.Context) ([]domain.RunSchedule, error)
	UpdateSchedule(ctx context.Context, s *domain.RunSchedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
}

// Store is the unified storage interface.
type Store interface {
	// Sub-store accessors — each returns a domain-specific store interface.
	Agents() engine.AgentStore
	Runs() engine.RunStore
	Outputs() engine.OutputStore
	Violations() engine.ViolationStore
	Schedules() ScheduleStore

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity for health/readiness probes.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error

	// Driver returns the backend identifier ("sqlite" or "postgres").
	Driver() string
}
