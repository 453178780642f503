package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

// AgentRepository implements agent persistence with GORM.
type AgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *gorm.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

// CreateAgent persists a new agent. A nil ID is assigned here.
func (r *AgentRepository) CreateAgent(ctx context.Context, a *domain.Agent) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	model := toAgentModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating agent %q: %w", a.Name, err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (r *AgentRepository) GetAgent(ctx context.Context, id uuid.UUID) (*domain.Agent, error) {
	var model AgentModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAgentNotFound
		}
		return nil, fmt.Errorf("getting agent %s: %w", id, err)
	}
	return toAgentDomain(&model), nil
}

// ListAgents returns all agents ordered by creation time.
func (r *AgentRepository) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var models []AgentModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	agents := make([]domain.Agent, len(models))
	for i := range models {
		agents[i] = *toAgentDomain(&models[i])
	}
	return agents, nil
}

// UpdateAgent persists changes to an existing agent.
func (r *AgentRepository) UpdateAgent(ctx context.Context, a *domain.Agent) error {
	a.UpdatedAt = time.Now().UTC()
	model := toAgentModel(a)
	result := r.db.WithContext(ctx).Model(&AgentModel{}).Where("id = ?", a.ID).Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating agent %s: %w", a.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrAgentNotFound
	}
	return nil
}

// DeleteAgent removes an agent and everything hanging off it: runs,
// output records, and violations. Done in one transaction so a partial
// delete can never strand orphan output rows.
func (r *AgentRepository) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var runIDs []int64
		if err := tx.Model(&AgentRunModel{}).Where("agent_id = ?", id).Pluck("id", &runIDs).Error; err != nil {
			return fmt.Errorf("listing runs for agent %s: %w", id, err)
		}

		if len(runIDs) > 0 {
			if err := tx.Where("run_id IN ?", runIDs).Delete(&RunOutputModel{}).Error; err != nil {
				return fmt.Errorf("deleting run outputs: %w", err)
			}
			if err := tx.Where("run_id IN ?", runIDs).Delete(&SandboxViolationModel{}).Error; err != nil {
				return fmt.Errorf("deleting sandbox violations: %w", err)
			}
			if err := tx.Where("agent_id = ?", id).Delete(&AgentRunModel{}).Error; err != nil {
				return fmt.Errorf("deleting runs: %w", err)
			}
		}

		if err := tx.Where("agent_id = ?", id).Delete(&RunScheduleModel{}).Error; err != nil {
			return fmt.Errorf("deleting schedules: %w", err)
		}

		result := tx.Delete(&AgentModel{}, "id = ?", id)
		if result.Error != nil {
			return fmt.Errorf("deleting agent %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return domain.ErrAgentNotFound
		}
		return nil
	})
}

var _ engine.AgentStore = (*AgentRepository)(nil)
