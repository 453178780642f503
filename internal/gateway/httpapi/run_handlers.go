package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/claude"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
	"github.com/jkaninda/okapi"
)

// RunRequest is the JSON body for POST /v1/runs.
// A non-nil scheduled_start_at creates a future-dated run picked up by
// the scheduler sweep; otherwise the run launches immediately.
type RunRequest struct {
	AgentID          string     `json:"agent_id"`
	Task             string     `json:"task,omitempty"`  // Empty = agent's default task.
	Model            string     `json:"model,omitempty"` // Empty = agent's configured model.
	ProjectPath      string     `json:"project_path"`
	AutoResume       bool       `json:"auto_resume,omitempty"`
	ScheduledStartAt *time.Time `json:"scheduled_start_at,omitempty"`
}

// RunResponse is the JSON representation of a run row.
type RunResponse struct {
	ID          int64  `json:"id"`
	AgentID     string `json:"agent_id"`
	AgentName   string `json:"agent_name"`
	AgentIcon   string `json:"agent_icon,omitempty"`
	Task        string `json:"task"`
	Model       string `json:"model"`
	ProjectPath string `json:"project_path"`
	SessionID   string `json:"session_id,omitempty"`
	Status      string `json:"status"`

	PID              *int       `json:"pid,omitempty"`
	ProcessStartedAt *time.Time `json:"process_started_at,omitempty"`

	ScheduledStartAt  *time.Time `json:"scheduled_start_at,omitempty"`
	UsageLimitResetAt *time.Time `json:"usage_limit_reset_at,omitempty"`
	AutoResume        bool       `json:"auto_resume"`
	ResumeCount       int        `json:"resume_count"`
	ParentRunID       *int64     `json:"parent_run_id,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
	Sandboxed     bool   `json:"sandboxed"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunMetricsResponse carries metrics computed from a run's output records.
type RunMetricsResponse struct {
	DurationMS       int64   `json:"duration_ms"`
	TotalTokens      int64   `json:"total_tokens"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	MessageCount     int     `json:"message_count"`
}

// RunDetailResponse is a run row plus its computed metrics.
type RunDetailResponse struct {
	RunResponse
	Metrics RunMetricsResponse `json:"metrics"`
}

// ActiveRunResponse is a run with a live process in the registry.
type ActiveRunResponse struct {
	RunID       int64     `json:"run_id"`
	PID         int       `json:"pid"`
	AgentName   string    `json:"agent_name"`
	Task        string    `json:"task"`
	ProjectPath string    `json:"project_path"`
	StartedAt   time.Time `json:"started_at"`
}

// OutputResponse carries a run's output text.
type OutputResponse struct {
	RunID  int64  `json:"run_id"`
	Live   bool   `json:"live"` // True when served from the in-memory buffer.
	Output string `json:"output"`
}

// ViolationResponse is a recorded sandbox violation.
type ViolationResponse struct {
	ID         int64     `json:"id"`
	RunID      int64     `json:"run_id"`
	Operation  string    `json:"operation"`
	Resource   string    `json:"resource"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func toRunResponse(r *domain.AgentRun) RunResponse {
	return RunResponse{
		ID:                r.ID,
		AgentID:           r.AgentID.String(),
		AgentName:         r.AgentName,
		AgentIcon:         r.AgentIcon,
		Task:              r.Task,
		Model:             r.Model,
		ProjectPath:       r.ProjectPath,
		SessionID:         r.SessionID,
		Status:            string(r.Status),
		PID:               r.PID,
		ProcessStartedAt:  r.ProcessStartedAt,
		ScheduledStartAt:  r.ScheduledStartAt,
		UsageLimitResetAt: r.UsageLimitResetAt,
		AutoResume:        r.AutoResume,
		ResumeCount:       r.ResumeCount,
		ParentRunID:       r.ParentRunID,
		FailureReason:     r.FailureReason,
		Sandboxed:         r.Sandboxed,
		CreatedAt:         r.CreatedAt,
		CompletedAt:       r.CompletedAt,
	}
}

func toMetricsResponse(m claude.RunMetrics) RunMetricsResponse {
	return RunMetricsResponse{
		DurationMS:       m.DurationMS,
		TotalTokens:      m.TotalTokens,
		InputTokens:      m.InputTokens,
		OutputTokens:     m.OutputTokens,
		CacheWriteTokens: m.CacheWriteTokens,
		CacheReadTokens:  m.CacheReadTokens,
		CostUSD:          m.CostUSD,
		MessageCount:     m.MessageCount,
	}
}

func (g *Gateway) handleRunStart(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests(err.Error())
	}

	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	agentID, err := uuid.Parse(req.AgentID)
	if err != nil {
		return c.AbortBadRequest("agent_id is required")
	}
	if req.ProjectPath == "" {
		return c.AbortBadRequest("project_path is required")
	}

	correlationID := newCorrelationID()
	opts := engine.StartOptions{
		AgentID:     agentID,
		ProjectPath: req.ProjectPath,
		Task:        req.Task,
		Model:       req.Model,
		AutoResume:  req.AutoResume,
	}

	var runID int64
	if req.ScheduledStartAt != nil {
		if req.ScheduledStartAt.Before(time.Now()) {
			return c.AbortBadRequest("scheduled_start_at must be in the future")
		}
		runID, err = g.engine.Schedule(c.Context(), opts, *req.ScheduledStartAt)
	} else {
		runID, err = g.engine.Start(c.Context(), opts)
	}
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAgentNotFound):
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		case errors.Is(err, engine.ErrBinaryNotFound):
			return c.AbortServiceUnavailable("agent binary not found")
		case errors.Is(err, engine.ErrTooManyRuns):
			return c.AbortTooManyRequests("maximum concurrent runs reached")
		default:
			g.logger.Error("run start failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("run start failed")
		}
	}

	g.logger.Info("run accepted",
		slog.Int64("run_id", runID),
		slog.String("agent_id", req.AgentID),
		slog.String("correlation_id", correlationID),
		slog.Bool("scheduled", req.ScheduledStartAt != nil),
	)

	run, err := g.store.Runs().GetRun(c.Context(), runID)
	if err != nil {
		return c.JSON(http.StatusCreated, okapi.M{"id": runID})
	}
	return c.JSON(http.StatusCreated, toRunResponse(run))
}

func (g *Gateway) handleRunList(c *okapi.Context) error {
	q := c.Request().URL.Query()

	filter := domain.RunFilter{Limit: 100}
	if v := q.Get("agent_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return c.AbortBadRequest("invalid agent_id")
		}
		filter.AgentID = &id
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := domain.RunStatus(strings.TrimSpace(s))
			if !status.Valid() {
				return c.AbortBadRequest("invalid status: " + s)
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return c.AbortBadRequest("invalid limit")
		}
		filter.Limit = n
	}

	runs, err := g.store.Runs().FindRuns(c.Context(), filter)
	if err != nil {
		g.logger.Error("run list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("run listing failed")
	}

	resp := make([]RunResponse, len(runs))
	for i := range runs {
		resp[i] = toRunResponse(&runs[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunActive(c *okapi.Context) error {
	entries := g.engine.ListActive()
	resp := make([]ActiveRunResponse, len(entries))
	for i, e := range entries {
		resp[i] = ActiveRunResponse{
			RunID:       e.RunID,
			PID:         e.PID,
			AgentName:   e.AgentName,
			Task:        e.Task,
			ProjectPath: e.ProjectPath,
			StartedAt:   e.StartedAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunGet(c *okapi.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, metrics, err := g.engine.GetRunWithMetrics(c.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("run lookup failed")
	}

	return c.OK(RunDetailResponse{
		RunResponse: toRunResponse(run),
		Metrics:     toMetricsResponse(metrics),
	})
}

func (g *Gateway) handleRunOutput(c *okapi.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	run, err := g.store.Runs().GetRun(c.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		return c.AbortInternalServerError("run lookup failed")
	}

	output, err := g.engine.GetLiveOutput(c.Context(), runID)
	if err != nil {
		return c.AbortInternalServerError("output read failed")
	}

	return c.OK(OutputResponse{
		RunID:  runID,
		Live:   run.Status == domain.RunRunning,
		Output: output,
	})
}

func (g *Gateway) handleRunViolations(c *okapi.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	violations, err := g.store.Violations().ListViolations(c.Context(), runID)
	if err != nil {
		return c.AbortInternalServerError("violation listing failed")
	}

	resp := make([]ViolationResponse, len(violations))
	for i, v := range violations {
		resp[i] = ViolationResponse{
			ID:         v.ID,
			RunID:      v.RunID,
			Operation:  v.Operation,
			Resource:   v.Resource,
			Reason:     v.Reason,
			OccurredAt: v.OccurredAt,
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	runID, err := parseRunID(c)
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	if err := g.engine.Cancel(c.Context(), runID); err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		}
		g.logger.Error("run cancel failed",
			slog.Int64("run_id", runID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("cancellation failed")
	}

	g.logger.Info("run cancel requested", slog.Int64("run_id", runID))
	return c.OK(okapi.M{"status": "cancelled"})
}

func (g *Gateway) handleRunResume(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests(err.Error())
	}

	runID, err := parseRunID(c)
	if err != nil {
		return c.AbortBadRequest("invalid run ID")
	}

	childID, err := g.engine.Resume(c.Context(), runID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunNotFound):
			return c.JSON(http.StatusNotFound, okapi.M{"error": "run not found"})
		case errors.Is(err, domain.ErrInvalidTransition):
			return c.JSON(http.StatusConflict, okapi.M{"error": "run is not paused on a usage limit"})
		case errors.Is(err, engine.ErrTooManyRuns):
			return c.AbortTooManyRequests("maximum concurrent runs reached")
		default:
			g.logger.Error("run resume failed",
				slog.Int64("run_id", runID),
				slog.String("error", err.Error()),
			)
			return c.AbortInternalServerError("resume failed")
		}
	}

	g.logger.Info("run resumed",
		slog.Int64("run_id", runID),
		slog.Int64("child_run_id", childID),
	)

	child, err := g.store.Runs().GetRun(c.Context(), childID)
	if err != nil {
		return c.JSON(http.StatusCreated, okapi.M{"id": childID})
	}
	return c.JSON(http.StatusCreated, toRunResponse(child))
}

func parseRunID(c *okapi.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}
