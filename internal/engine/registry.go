package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const defaultCancelGrace = 10 * time.Second

// RegistryEntry is one in-flight run: the OS pid, a cancellation handle,
// and denormalized identifying fields so listings need no database
// round trip.
type RegistryEntry struct {
	RunID       int64
	PID         int
	AgentName   string
	Task        string
	ProjectPath string
	StartedAt   time.Time

	handle *ProcessHandle
	cancel context.CancelFunc
}

// Registry is the process-wide table of in-flight runs. It is the single
// source of truth for "is this pid still mine": pids are only ever
// signalled through an entry looked up here, never raw, so a recycled OS
// pid can never be signalled by mistake.
//
// The lock guards only lookup/insert/remove — never held across process
// or pipe waits.
type Registry struct {
	mu     sync.Mutex
	runs   map[int64]*RegistryEntry
	grace  time.Duration
	logger *slog.Logger
}

// NewRegistry creates an empty Registry. grace bounds how long Cancel
// waits after SIGTERM before force-killing; zero means the default.
func NewRegistry(grace time.Duration, logger *slog.Logger) *Registry {
	if grace <= 0 {
		grace = defaultCancelGrace
	}
	return &Registry{
		runs:   make(map[int64]*RegistryEntry),
		grace:  grace,
		logger: logger,
	}
}

// Register adds an in-flight run. Called by the orchestrator right after
// the Running transition.
func (r *Registry) Register(e *RegistryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[e.RunID] = e
}

// Unregister removes a run once its process is confirmed dead.
func (r *Registry) Unregister(runID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Get returns the entry for a run id, if the run is in flight.
func (r *Registry) Get(runID int64) (*RegistryEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runs[runID]
	return e, ok
}

// Has reports whether the run id is registered.
func (r *Registry) Has(runID int64) bool {
	_, ok := r.Get(runID)
	return ok
}

// ListActive returns a snapshot of in-flight runs ordered by run id.
func (r *Registry) ListActive() []RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RegistryEntry, 0, len(r.runs))
	for _, e := range r.runs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}

// Count returns the number of in-flight runs.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// Cancel terminates a run's process: graceful signal, bounded wait, then
// force-kill, and only then is the entry removed (by the run's own
// executor once Wait returns). Cancelling a run that is not registered
// is a no-op. Never synchronous-instant: callers must not assume the
// process is dead before Cancel returns.
func (r *Registry) Cancel(ctx context.Context, runID int64) {
	e, ok := r.Get(runID)
	if !ok {
		return
	}

	r.logger.Info("cancelling run",
		slog.Int64("run_id", runID),
		slog.Int("pid", e.PID),
	)

	// Tell the executor this exit is a cancellation, not a crash.
	e.cancel()

	if err := e.handle.Terminate(); err != nil {
		r.logger.Warn("graceful terminate failed, killing",
			slog.Int64("run_id", runID),
			slog.String("error", err.Error()),
		)
		_ = e.handle.Kill()
	}

	select {
	case <-e.handle.Done():
		return
	case <-time.After(r.grace):
	case <-ctx.Done():
	}

	r.logger.Warn("run did not exit within grace period, force-killing",
		slog.Int64("run_id", runID),
		slog.Duration("grace", r.grace),
	)
	_ = e.handle.Kill()

	select {
	case <-e.handle.Done():
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
}
