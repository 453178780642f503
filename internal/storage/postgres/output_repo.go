package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/engine"
)

// OutputRepository implements run output persistence with GORM.
type OutputRepository struct {
	db *gorm.DB
}

// NewOutputRepository creates an OutputRepository.
func NewOutputRepository(db *gorm.DB) *OutputRepository {
	return &OutputRepository{db: db}
}

// AppendOutput upserts one output record on (run_id, seq). A replayed
// sequence number overwrites the previous row, which makes stream
// restarts idempotent without a read-before-write.
func (r *OutputRepository) AppendOutput(ctx context.Context, rec domain.OutputRecord) error {
	model := toOutputModel(rec)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "run_id"}, {Name: "seq"}},
			DoUpdates: clause.AssignmentColumns([]string{"line", "stream", "created_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("appending output for run %d seq %d: %w", rec.RunID, rec.Seq, err)
	}
	return nil
}

// ReadOutput returns a run's output records in sequence order.
func (r *OutputRepository) ReadOutput(ctx context.Context, runID int64) ([]domain.OutputRecord, error) {
	var models []RunOutputModel
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("reading output for run %d: %w", runID, err)
	}
	records := make([]domain.OutputRecord, len(models))
	for i := range models {
		records[i] = toOutputDomain(&models[i])
	}
	return records, nil
}

var _ engine.OutputStore = (*OutputRepository)(nil)
