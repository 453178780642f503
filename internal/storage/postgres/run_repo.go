package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

// RunRepository implements run persistence with GORM. State transitions
// are conditional UPDATEs so concurrent writers (engine, scheduler,
// cancel requests) race safely at the database instead of in memory.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// CreateRun inserts a run row and returns its assigned id.
func (r *RunRepository) CreateRun(ctx context.Context, n domain.NewRun) (int64, error) {
	model := AgentRunModel{
		AgentID:          n.AgentID,
		AgentName:        n.AgentName,
		AgentIcon:        n.AgentIcon,
		Task:             n.Task,
		Model:            n.Model,
		ProjectPath:      n.ProjectPath,
		Status:           string(n.Status),
		ScheduledStartAt: n.ScheduledStartAt,
		AutoResume:       n.AutoResume,
		ResumeCount:      n.ResumeCount,
		ParentRunID:      n.ParentRunID,
		Sandboxed:        n.Sandboxed,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, fmt.Errorf("creating run: %w", err)
	}
	return model.ID, nil
}

// GetRun retrieves a run by id.
func (r *RunRepository) GetRun(ctx context.Context, id int64) (*domain.AgentRun, error) {
	var model AgentRunModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}
	return toRunDomain(&model), nil
}

// FindRuns returns runs matching the filter, newest first.
func (r *RunRepository) FindRuns(ctx context.Context, f domain.RunFilter) ([]domain.AgentRun, error) {
	q := r.db.WithContext(ctx).Model(&AgentRunModel{})

	if f.AgentID != nil {
		q = q.Where("agent_id = ?", *f.AgentID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.ScheduledDue != nil {
		q = q.Where("scheduled_start_at IS NOT NULL AND scheduled_start_at <= ?", *f.ScheduledDue)
	}
	if f.ResetDue != nil {
		q = q.Where("usage_limit_reset_at IS NOT NULL AND usage_limit_reset_at <= ?", *f.ResetDue)
	}
	if f.AutoResume != nil {
		q = q.Where("auto_resume = ?", *f.AutoResume)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []AgentRunModel
	if err := q.Order("id DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("finding runs: %w", err)
	}
	runs := make([]domain.AgentRun, len(models))
	for i := range models {
		runs[i] = *toRunDomain(&models[i])
	}
	return runs, nil
}

// MarkRunning transitions a pending run to running, recording the pid
// and start time in the same statement. The WHERE clause enforces the
// state machine: a cancelled or already-running row is not overwritten.
func (r *RunRepository) MarkRunning(ctx context.Context, id int64, pid int, startedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&AgentRunModel{}).
		Where("id = ? AND status = ?", id, string(domain.RunPending)).
		Updates(map[string]any{
			"status":             string(domain.RunRunning),
			"pid":                pid,
			"process_started_at": startedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("marking run %d running: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return r.transitionConflict(ctx, id, domain.RunRunning)
	}
	return nil
}

// MarkTerminal moves a run to a terminal status and clears the pid.
func (r *RunRepository) MarkTerminal(ctx context.Context, id int64, status domain.RunStatus, reason string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidTransition, status)
	}
	result := r.db.WithContext(ctx).Model(&AgentRunModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":         string(status),
			"pid":            nil,
			"failure_reason": reason,
			"completed_at":   completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("marking run %d %s: %w", id, status, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// MarkPaused records a usage-limit pause with the buffered reset time.
func (r *RunRepository) MarkPaused(ctx context.Context, id int64, resetAt time.Time, completedAt time.Time) error {
	result := r.db.WithContext(ctx).Model(&AgentRunModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":               string(domain.RunPausedUsageLimit),
			"pid":                  nil,
			"usage_limit_reset_at": resetAt,
			"completed_at":         completedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("marking run %d paused: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// PromoteScheduled claims a scheduled run for starting. The conditional
// update is the claim: whichever sweep commits first wins, everyone else
// sees zero rows affected.
func (r *RunRepository) PromoteScheduled(ctx context.Context, id int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&AgentRunModel{}).
		Where("id = ? AND status = ?", id, string(domain.RunScheduled)).
		Update("status", string(domain.RunPending))
	if result.Error != nil {
		return false, fmt.Errorf("promoting scheduled run %d: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// SetSessionID records the provider session identifier.
func (r *RunRepository) SetSessionID(ctx context.Context, id int64, sessionID string) error {
	result := r.db.WithContext(ctx).Model(&AgentRunModel{}).
		Where("id = ?", id).
		Update("session_id", sessionID)
	if result.Error != nil {
		return fmt.Errorf("setting session id for run %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// ClearAutoResume drops the auto-resume flag after a resume run exists.
func (r *RunRepository) ClearAutoResume(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).Model(&AgentRunModel{}).
		Where("id = ?", id).
		Update("auto_resume", false)
	if result.Error != nil {
		return fmt.Errorf("clearing auto-resume for run %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.ErrRunNotFound
	}
	return nil
}

// transitionConflict distinguishes "row missing" from "row in the wrong
// state" after a zero-row conditional update.
func (r *RunRepository) transitionConflict(ctx context.Context, id int64, to domain.RunStatus) error {
	run, err := r.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, run.Status, to)
}

var _ engine.RunStore = (*RunRepository)(nil)
