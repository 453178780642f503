package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
)

// ScheduleRepository implements recurring schedule persistence with GORM.
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a ScheduleRepository.
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// CreateSchedule persists a new schedule. A nil ID is assigned here.
func (r *ScheduleRepository) CreateSchedule(ctx context.Context, s *domain.RunSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	model := toScheduleModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (r *ScheduleRepository) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.RunSchedule, error) {
	var model RunScheduleModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("schedule %s not found", id)
		}
		return nil, fmt.Errorf("getting schedule %s: %w", id, err)
	}
	return toScheduleDomain(&model), nil
}

// ListSchedules returns all schedules ordered by creation time.
func (r *ScheduleRepository) ListSchedules(ctx context.Context) ([]domain.RunSchedule, error) {
	return r.list(ctx, r.db.WithContext(ctx))
}

// ListEnabledSchedules returns schedules the sweep should consider.
func (r *ScheduleRepository) ListEnabledSchedules(ctx context.Context) ([]domain.RunSchedule, error) {
	return r.list(ctx, r.db.WithContext(ctx).Where("enabled = ?", true))
}

func (r *ScheduleRepository) list(_ context.Context, q *gorm.DB) ([]domain.RunSchedule, error) {
	var models []RunScheduleModel
	if err := q.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	schedules := make([]domain.RunSchedule, len(models))
	for i := range models {
		schedules[i] = *toScheduleDomain(&models[i])
	}
	return schedules, nil
}

// UpdateSchedule persists changes to an existing schedule.
func (r *ScheduleRepository) UpdateSchedule(ctx context.Context, s *domain.RunSchedule) error {
	s.UpdatedAt = time.Now().UTC()
	model := toScheduleModel(s)
	// Save, not Updates: zero values (Enabled=false, empty LastError)
	// must be written through.
	result := r.db.WithContext(ctx).Save(&model)
	if result.Error != nil {
		return fmt.Errorf("updating schedule %s: %w", s.ID, result.Error)
	}
	return nil
}

// DeleteSchedule removes a schedule by ID.
func (r *ScheduleRepository) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&RunScheduleModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting schedule %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("schedule %s not found", id)
	}
	return nil
}
