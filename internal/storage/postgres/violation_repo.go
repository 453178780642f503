package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

// ViolationRepository implements sandbox violation persistence with GORM.
// Append-only — no update or delete methods.
type ViolationRepository struct {
	db *gorm.DB
}

// NewViolationRepository creates a ViolationRepository.
func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

// RecordViolation inserts a violation and assigns its id.
func (r *ViolationRepository) RecordViolation(ctx context.Context, v *domain.SandboxViolation) error {
	model := toViolationModel(v)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording violation for run %d: %w", v.RunID, err)
	}
	v.ID = model.ID
	return nil
}

// ListViolations returns a run's violations in occurrence order.
func (r *ViolationRepository) ListViolations(ctx context.Context, runID int64) ([]domain.SandboxViolation, error) {
	var models []SandboxViolationModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing violations for run %d: %w", runID, err)
	}
	violations := make([]domain.SandboxViolation, len(models))
	for i := range models {
		violations[i] = toViolationDomain(&models[i])
	}
	return violations, nil
}

var _ engine.ViolationStore = (*ViolationRepository)(nil)
