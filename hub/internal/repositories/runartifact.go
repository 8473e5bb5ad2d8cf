package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// gormRunArtifactRepository is the GORM implementation of RunArtifactRepository.
type gormRunArtifactRepository struct {
	db *gorm.DB
}

// NewRunArtifactRepository returns a RunArtifactRepository backed by the
// provided *gorm.DB.
func NewRunArtifactRepository(db *gorm.DB) RunArtifactRepository {
	return &gormRunArtifactRepository{db: db}
}

// Create inserts a new run_artifacts row, one per run, at the start of
// packaging.
func (r *gormRunArtifactRepository) Create(ctx context.Context, artifact *db.RunArtifact) error {
	if err := r.db.WithContext(ctx).Create(artifact).Error; err != nil {
		return fmt.Errorf("run_artifacts: create: %w", err)
	}
	return nil
}

// GetByRunID retrieves the artifact row for a run.
func (r *gormRunArtifactRepository) GetByRunID(ctx context.Context, runID uuid.UUID) (*db.RunArtifact, error) {
	var artifact db.RunArtifact
	err := r.db.WithContext(ctx).First(&artifact, "run_id = ?", runID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("run_artifacts: get by run id: %w", err)
	}
	return &artifact, nil
}

// UpdateStatus transitions an artifact's lifecycle status (pending, present,
// deleting, deleted, missing).
func (r *gormRunArtifactRepository) UpdateStatus(ctx context.Context, runID uuid.UUID, status string, endedAt *time.Time, lastErr string) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunArtifact{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":     status,
			"ended_at":   endedAt,
			"last_error": lastErr,
		})
	if result.Error != nil {
		return fmt.Errorf("run_artifacts: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTotals records the source/transfer byte totals captured during
// packaging and upload.
func (r *gormRunArtifactRepository) UpdateTotals(ctx context.Context, runID uuid.UUID, sourceFiles, sourceDirs, sourceBytes, transferBytes int64) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunArtifact{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"source_files":   sourceFiles,
			"source_dirs":    sourceDirs,
			"source_bytes":   sourceBytes,
			"transfer_bytes": transferBytes,
		})
	if result.Error != nil {
		return fmt.Errorf("run_artifacts: update totals: %w", result.Error)
	}
	return nil
}

// Pin sets or clears pinned_at. A pinned artifact is excluded from retention
// selection (§4.12) regardless of age.
func (r *gormRunArtifactRepository) Pin(ctx context.Context, runID uuid.UUID, pinnedAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.RunArtifact{}).
		Where("run_id = ?", runID).
		Update("pinned_at", pinnedAt)
	if result.Error != nil {
		return fmt.Errorf("run_artifacts: pin: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByJob returns every artifact for a job, newest-started first.
func (r *gormRunArtifactRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.RunArtifact, error) {
	var artifacts []db.RunArtifact
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at DESC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("run_artifacts: list by job: %w", err)
	}
	return artifacts, nil
}

// ListPresentByJob returns only "present" artifacts for a job — the
// candidate set the retention selector (C12) runs over.
func (r *gormRunArtifactRepository) ListPresentByJob(ctx context.Context, jobID uuid.UUID) ([]db.RunArtifact, error) {
	var artifacts []db.RunArtifact
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, "present").
		Order("started_at DESC").
		Find(&artifacts).Error; err != nil {
		return nil, fmt.Errorf("run_artifacts: list present by job: %w", err)
	}
	return artifacts, nil
}
