// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent is a stored, reusable configuration for executing tasks:
// a system prompt, a model, and four permission flags that the sandbox
// policy builder compiles into enforcement rules per run.
type Agent struct {
	ID           uuid.UUID
	Name         string
	Icon         string
	SystemPrompt string
	DefaultTask  string
	Model        string

	// Permission flags. SandboxEnabled=false means runs launch
	// unconstrained and the engine surfaces a "running without sandbox"
	// signal on the run.
	SandboxEnabled  bool
	EnableFileRead  bool
	EnableFileWrite bool
	EnableNetwork   bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunStatus is the closed set of run lifecycle states.
// Persisted via its string value; every transition site matches exhaustively.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunScheduled RunStatus = "scheduled" // Future-dated; picked up by the scheduler sweep.
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	// RunPausedUsageLimit marks a run stopped by a provider usage limit.
	// The row stays in this state forever; resuming creates a child run.
	RunPausedUsageLimit RunStatus = "paused_usage_limit"
)

// Terminal reports whether the status is final for this run attempt.
// PausedUsageLimit is terminal for the row but resumable through a child run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunPausedUsageLimit:
		return true
	case RunPending, RunScheduled, RunRunning:
		return false
	}
	return false
}

// Active reports whether the status counts toward concurrency accounting.
func (s RunStatus) Active() bool {
	return s == RunPending || s == RunRunning
}

// Valid reports whether s is a known status value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunScheduled, RunRunning, RunCompleted, RunFailed, RunCancelled, RunPausedUsageLimit:
		return true
	}
	return false
}

// AgentRun is one execution attempt of an agent against a task and project path.
// Agent name/icon/model are denormalized copies so history survives agent edits.
//
// Invariants:
//   - PID and ProcessStartedAt are set iff Status == RunRunning.
//   - ParentRunID, when set, references a run whose status was RunPausedUsageLimit.
type AgentRun struct {
	ID          int64
	AgentID     uuid.UUID
	AgentName   string
	AgentIcon   string
	Task        string
	Model       string
	ProjectPath string
	SessionID   string // Provider session identifier; empty until the process reports it.
	Status      RunStatus

	PID              *int
	ProcessStartedAt *time.Time

	ScheduledStartAt  *time.Time // Set for RunScheduled rows.
	UsageLimitResetAt *time.Time // Buffered reset time; set on RunPausedUsageLimit.
	AutoResume        bool
	ResumeCount       int
	ParentRunID       *int64

	// FailureReason carries a human-readable cause for RunFailed rows:
	// binary not found, process crashed, non-zero exit, process lost.
	FailureReason string

	Sandboxed bool // False means the run executed without any sandbox.

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// NewRun is the creation request for an AgentRun row.
type NewRun struct {
	AgentID          uuid.UUID
	AgentName        string
	AgentIcon        string
	Task             string
	Model            string
	ProjectPath      string
	Status           RunStatus // RunPending or RunScheduled.
	ScheduledStartAt *time.Time
	AutoResume       bool
	ResumeCount      int
	ParentRunID      *int64
	Sandboxed        bool
}

// RunFilter narrows find_runs queries. Zero values mean "no constraint".
type RunFilter struct {
	AgentID      *uuid.UUID
	Statuses     []RunStatus
	ScheduledDue *time.Time // Rows with ScheduledStartAt <= this instant.
	ResetDue     *time.Time // Rows with UsageLimitResetAt <= this instant.
	AutoResume   *bool
	Limit        int
}

// OutputRecord is one persisted line of a run's raw process output.
// Seq is strictly increasing per run with no gaps once the run is final;
// rewriting an existing Seq overwrites (stream-restart de-duplication).
type OutputRecord struct {
	RunID     int64
	Seq       int64
	Line      string // Raw text; stdout lines are JSON-encoded provider events.
	Stream    string // "stdout" or "stderr".
	CreatedAt time.Time
}

const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// SandboxViolation records a denied or logged access attempt during a run.
// Append-only; violations never block the run.
type SandboxViolation struct {
	ID         int64
	RunID      int64
	Operation  string // e.g. "file-write", "network-outbound".
	Resource   string
	Reason     string
	OccurredAt time.Time
}

// RunSchedule is an optional recurring schedule for an agent.
// Each firing creates a one-shot RunScheduled row and advances NextRunAt.
type RunSchedule struct {
	ID             uuid.UUID
	AgentID        uuid.UUID
	Task           string
	Model          string
	ProjectPath    string
	CronExpression string // Standard 5-field cron (minute hour dom month dow).
	Enabled        bool
	NextRunAt      *time.Time
	LastRunID      *int64
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Sentinel errors returned to callers for invalid ids or transitions.
var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrRunNotFound   = errors.New("run not found")
	// ErrInvalidTransition is returned when an operation would move a run
	// out of a state that does not permit it (e.g. resuming a run that is
	// not paused on a usage limit). Rejected, never silently coerced.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// ValidateTransition checks a status change against the run state machine.
func ValidateTransition(from, to RunStatus) error {
	allowed := map[RunStatus][]RunStatus{
		RunScheduled: {RunPending, RunCancelled},
		RunPending:   {RunRunning, RunFailed, RunCancelled},
		RunRunning:   {RunCompleted, RunFailed, RunCancelled, RunPausedUsageLimit},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
