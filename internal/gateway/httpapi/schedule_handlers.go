package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/scheduler"
	"github.com/jkaninda/okapi"
)

// ScheduleRequest is the JSON body for creating or updating a recurring schedule.
type ScheduleRequest struct {
	AgentID        string `json:"agent_id"`
	Task           string `json:"task,omitempty"`
	Model          string `json:"model,omitempty"`
	ProjectPath    string `json:"project_path"`
	CronExpression string `json:"cron_expression"`   // Standard 5-field cron.
	Enabled        *bool  `json:"enabled,omitempty"` // Default: true
}

// ScheduleResponse is the JSON representation of a recurring schedule.
type ScheduleResponse struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	Task           string     `json:"task,omitempty"`
	Model          string     `json:"model,omitempty"`
	ProjectPath    string     `json:"project_path"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunID      *int64     `json:"last_run_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toScheduleResponse(s *domain.RunSchedule) ScheduleResponse {
	return ScheduleResponse{
		ID:             s.ID.String(),
		AgentID:        s.AgentID.String(),
		Task:           s.Task,
		Model:          s.Model,
		ProjectPath:    s.ProjectPath,
		CronExpression: s.CronExpression,
		Enabled:        s.Enabled,
		NextRunAt:      s.NextRunAt,
		LastRunID:      s.LastRunID,
		LastError:      s.LastError,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// validate checks the request and returns the parsed agent ID and the
// first firing time computed from the cron expression.
func (r *ScheduleRequest) validate() (uuid.UUID, time.Time, error) {
	agentID, err := uuid.Parse(r.AgentID)
	if err != nil {
		return uuid.Nil, time.Time{}, errors.New("agent_id is required")
	}
	if r.ProjectPath == "" {
		return uuid.Nil, time.Time{}, errors.New("project_path is required")
	}
	next, err := scheduler.ComputeNextRunFrom(r.CronExpression, time.Now())
	if err != nil {
		return uuid.Nil, time.Time{}, errors.New("invalid cron_expression")
	}
	return agentID, next, nil
}

func (g *Gateway) handleScheduleCreate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests(err.Error())
	}

	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	agentID, next, err := req.validate()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	// The referenced agent must exist before the sweep starts firing runs for it.
	if _, err := g.store.Agents().GetAgent(c.Context(), agentID); err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		return c.AbortInternalServerError("agent lookup failed")
	}

	sched := domain.RunSchedule{
		AgentID:        agentID,
		Task:           req.Task,
		Model:          req.Model,
		ProjectPath:    req.ProjectPath,
		CronExpression: req.CronExpression,
		Enabled:        boolOr(req.Enabled, true),
		NextRunAt:      &next,
	}
	if err := g.store.Schedules().CreateSchedule(c.Context(), &sched); err != nil {
		g.logger.Error("schedule create failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("schedule creation failed")
	}

	g.logger.Info("schedule created",
		slog.String("schedule_id", sched.ID.String()),
		slog.String("agent_id", req.AgentID),
		slog.String("cron", req.CronExpression),
	)
	return c.JSON(http.StatusCreated, toScheduleResponse(&sched))
}

func (g *Gateway) handleScheduleList(c *okapi.Context) error {
	schedules, err := g.store.Schedules().ListSchedules(c.Context())
	if err != nil {
		return c.AbortInternalServerError("schedule listing failed")
	}

	resp := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		resp[i] = toScheduleResponse(&schedules[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleScheduleGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}

	sched, err := g.store.Schedules().GetSchedule(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "schedule not found"})
	}
	return c.OK(toScheduleResponse(sched))
}

func (g *Gateway) handleScheduleUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}

	var req ScheduleRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	agentID, next, err := req.validate()
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	sched, err := g.store.Schedules().GetSchedule(c.Context(), id)
	if err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "schedule not found"})
	}

	sched.AgentID = agentID
	sched.Task = req.Task
	sched.Model = req.Model
	sched.ProjectPath = req.ProjectPath
	sched.Enabled = boolOr(req.Enabled, true)
	if sched.CronExpression != req.CronExpression {
		// A new expression resets the firing clock.
		sched.CronExpression = req.CronExpression
		sched.NextRunAt = &next
		sched.LastError = ""
	}

	if err := g.store.Schedules().UpdateSchedule(c.Context(), sched); err != nil {
		g.logger.Error("schedule update failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("schedule update failed")
	}
	return c.OK(toScheduleResponse(sched))
}

func (g *Gateway) handleScheduleDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid schedule ID")
	}

	if err := g.store.Schedules().DeleteSchedule(c.Context(), id); err != nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "schedule not found"})
	}

	g.logger.Info("schedule deleted", slog.String("schedule_id", id.String()))
	return c.OK(okapi.M{"status": "deleted"})
}
