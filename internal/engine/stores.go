package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// AgentStore is the persistence interface for stored agent configurations.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	UpdateAgent(ctx context.Context, a *domain.Agent) error
	// DeleteAgent cascades to the agent's runs (foreign-key cascade).
	DeleteAgent(ctx context.Context, id uuid.UUID) error
}

// RunStore is the persistence interface for agent runs. Every write is
// transactional per call; the engine never assumes multi-call transactions.
type RunStore interface {
	CreateRun(ctx context.Context, n domain.NewRun) (int64, error)
	GetRun(ctx context.Context, id int64) (*domain.AgentRun, error)
	FindRuns(ctx context.Context, f domain.RunFilter) ([]domain.AgentRun, error)

	// MarkRunning sets status, pid, and the start timestamp atomically.
	MarkRunning(ctx context.Context, id int64, pid int, startedAt time.Time) error

	// MarkTerminal moves a run to a terminal status, clears the pid, and
	// records the completion time plus a human-readable failure reason.
	MarkTerminal(ctx context.Context, id int64, status domain.RunStatus, reason string, completedAt time.Time) error

	// MarkPaused records a usage-limit pause with the buffered reset time.
	MarkPaused(ctx context.Context, id int64, resetAt time.Time, completedAt time.Time) error

	// PromoteScheduled moves a Scheduled row to Pending; the update is
	// conditional on the row still being Scheduled so concurrent sweeps
	// cannot double-promote. Reports whether the row was claimed.
	PromoteScheduled(ctx context.Context, id int64) (bool, error)

	SetSessionID(ctx context.Context, id int64, sessionID string) error

	// ClearAutoResume drops the auto-resume flag once a resume run has
	// been created, so sweeps never resume the same paused run twice.
	ClearAutoResume(ctx context.Context, id int64) error
}

// OutputStore persists run output records. AppendOutput is an upsert on
// (run_id, seq): rewriting an existing sequence number overwrites, which
// de-duplicates stream restarts without ever losing committed data.
type OutputStore interface {
	AppendOutput(ctx context.Context, rec domain.OutputRecord) error
	ReadOutput(ctx context.Context, runID int64) ([]domain.OutputRecord, error)
}

// ViolationStore records sandbox denials. Append-only.
type ViolationStore interface {
	RecordViolation(ctx context.Context, v *domain.SandboxViolation) error
	ListViolations(ctx context.Context, runID int64) ([]domain.SandboxViolation, error)
}
