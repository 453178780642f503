package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/okapi"
)

// AgentRequest is the JSON body for creating or updating an agent.
type AgentRequest struct {
	Name         string `json:"name"`
	Icon         string `json:"icon,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	DefaultTask  string `json:"default_task,omitempty"`
	Model        string `json:"model"`

	SandboxEnabled  *bool `json:"sandbox_enabled,omitempty"`   // Default: true
	EnableFileRead  *bool `json:"enable_file_read,omitempty"`  // Default: true
	EnableFileWrite *bool `json:"enable_file_write,omitempty"` // Default: false
	EnableNetwork   *bool `json:"enable_network,omitempty"`    // Default: false
}

// AgentResponse is the JSON representation of a stored agent.
type AgentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Icon         string `json:"icon,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	DefaultTask  string `json:"default_task,omitempty"`
	Model        string `json:"model"`

	SandboxEnabled  bool `json:"sandbox_enabled"`
	EnableFileRead  bool `json:"enable_file_read"`
	EnableFileWrite bool `json:"enable_file_write"`
	EnableNetwork   bool `json:"enable_network"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toAgentResponse(a *domain.Agent) AgentResponse {
	return AgentResponse{
		ID:              a.ID.String(),
		Name:            a.Name,
		Icon:            a.Icon,
		SystemPrompt:    a.SystemPrompt,
		DefaultTask:     a.DefaultTask,
		Model:           a.Model,
		SandboxEnabled:  a.SandboxEnabled,
		EnableFileRead:  a.EnableFileRead,
		EnableFileWrite: a.EnableFileWrite,
		EnableNetwork:   a.EnableNetwork,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

// applyTo copies the request onto a domain agent, filling flag defaults.
func (r *AgentRequest) applyTo(a *domain.Agent) {
	a.Name = r.Name
	a.Icon = r.Icon
	a.SystemPrompt = r.SystemPrompt
	a.DefaultTask = r.DefaultTask
	a.Model = r.Model
	a.SandboxEnabled = boolOr(r.SandboxEnabled, true)
	a.EnableFileRead = boolOr(r.EnableFileRead, true)
	a.EnableFileWrite = boolOr(r.EnableFileWrite, false)
	a.EnableNetwork = boolOr(r.EnableNetwork, false)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func (g *Gateway) handleAgentCreate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return c.AbortTooManyRequests(err.Error())
	}

	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}
	if req.Model == "" {
		return c.AbortBadRequest("model is required")
	}

	var agent domain.Agent
	req.applyTo(&agent)

	if err := g.store.Agents().CreateAgent(c.Context(), &agent); err != nil {
		g.logger.Error("agent create failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("agent creation failed")
	}

	g.logger.Info("agent created",
		slog.String("agent_id", agent.ID.String()),
		slog.String("name", agent.Name),
	)
	return c.JSON(http.StatusCreated, toAgentResponse(&agent))
}

func (g *Gateway) handleAgentList(c *okapi.Context) error {
	agents, err := g.store.Agents().ListAgents(c.Context())
	if err != nil {
		g.logger.Error("agent list failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("agent listing failed")
	}

	resp := make([]AgentResponse, len(agents))
	for i := range agents {
		resp[i] = toAgentResponse(&agents[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleAgentGet(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid agent ID")
	}

	agent, err := g.store.Agents().GetAgent(c.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		return c.AbortInternalServerError("agent lookup failed")
	}
	return c.OK(toAgentResponse(agent))
}

func (g *Gateway) handleAgentUpdate(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid agent ID")
	}

	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Name == "" {
		return c.AbortBadRequest("name is required")
	}
	if req.Model == "" {
		return c.AbortBadRequest("model is required")
	}

	agent, err := g.store.Agents().GetAgent(c.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		return c.AbortInternalServerError("agent lookup failed")
	}

	req.applyTo(agent)
	if err := g.store.Agents().UpdateAgent(c.Context(), agent); err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		g.logger.Error("agent update failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("agent update failed")
	}
	return c.OK(toAgentResponse(agent))
}

func (g *Gateway) handleAgentDelete(c *okapi.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid agent ID")
	}

	if err := g.store.Agents().DeleteAgent(c.Context(), id); err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return c.JSON(http.StatusNotFound, okapi.M{"error": "agent not found"})
		}
		g.logger.Error("agent delete failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("agent deletion failed")
	}

	g.logger.Info("agent deleted", slog.String("agent_id", id.String()))
	return c.OK(okapi.M{"status": "deleted"})
}
