package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Each dependency check gets its own deadline so one hung dependency
// (a stuck database, a slow binary probe) cannot eat the whole
// readiness budget.
const perCheckTimeout = 2 * time.Second

// CheckFunc probes one dependency of the run engine.
type CheckFunc func(ctx context.Context) error

// HealthChecker aggregates readiness across the engine's dependencies:
// storage reachability, the agent CLI binary, and whatever else is
// registered. Liveness is independent of all of them — a process that
// can answer HTTP is alive even when its database is down.
type HealthChecker struct {
	mu     sync.RWMutex
	names  []string // registration order, for stable output
	checks map[string]CheckFunc

	// activeRuns, when set, reports the number of supervised processes
	// in the readiness payload. Purely informational.
	activeRuns func() int

	startedAt time.Time
	logger    *slog.Logger
}

// HealthStatus is the JSON body for the health and readiness endpoints.
type HealthStatus struct {
	Status        string                 `json:"status"` // "ok" or "degraded"
	UptimeSeconds int64                  `json:"uptime_seconds"`
	ActiveRuns    *int                   `json:"active_runs,omitempty"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]CheckFunc),
		startedAt: time.Now(),
		logger:    logger,
	}
}

// AddCheck registers a named dependency check. Re-registering a name
// replaces the previous check.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.checks[name]; !exists {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// SetActiveRunsFunc wires the process registry's count into readiness
// output.
func (h *HealthChecker) SetActiveRunsFunc(fn func() int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeRuns = fn
}

// CheckHealth is the liveness answer: "ok" whenever the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
}

// CheckReady runs every registered check and aggregates: "ok" only when
// all pass, "degraded" otherwise. Individual failures never abort the
// sweep — the payload shows exactly which dependency is down.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, len(h.names))
	copy(names, h.names)
	checks := make(map[string]CheckFunc, len(h.checks))
	for n, c := range h.checks {
		checks[n] = c
	}
	activeRuns := h.activeRuns
	h.mu.RUnlock()

	status := HealthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if activeRuns != nil {
		n := activeRuns()
		status.ActiveRuns = &n
	}
	if len(names) == 0 {
		return status
	}

	status.Checks = make(map[string]CheckResult, len(names))
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, perCheckTimeout)
		begin := time.Now()
		err := checks[name](checkCtx)
		cancel()

		result := CheckResult{
			Status:    "ok",
			LatencyMS: time.Since(begin).Milliseconds(),
		}
		if err != nil {
			status.Status = "degraded"
			result.Status = "fail"
			result.Message = err.Error()
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[name] = result
	}

	return status
}
