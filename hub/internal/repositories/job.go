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

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// Create inserts a new job record into the database.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID. Returns ErrNotFound if no record
// exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// Update persists all fields of an existing job record.
func (r *gormJobRepository) Update(ctx context.Context, job *db.Job) error {
	result := r.db.WithContext(ctx).Save(job)
	if result.Error != nil {
		return fmt.Errorf("jobs: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSchedule records the last and next scheduled run times, called by
// the scheduler after dispatching a run.
func (r *gormJobRepository) UpdateSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
		})
	if result.Error != nil {
		return fmt.Errorf("jobs: update schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete soft-deletes a job.
func (r *gormJobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Job{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("jobs: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of jobs, most recently created first.
func (r *gormJobRepository) List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Job{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}

	return jobs, total, nil
}

// ListByNode returns every job assigned to the given node.
func (r *gormJobRepository) ListByNode(ctx context.Context, nodeID uuid.UUID) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list by node: %w", err)
	}
	return jobs, nil
}

// ListEnabled returns every enabled job, used by the scheduler to build its
// in-memory cron table and by the retention loop (C16) to find
// retention-enabled jobs.
func (r *gormJobRepository) ListEnabled(ctx context.Context) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("enabled = ?", true).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list enabled: %w", err)
	}
	return jobs, nil
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// CreateRun inserts a new run record (one backup/restore/verify execution).
func (r *gormJobRepository) CreateRun(ctx context.Context, run *db.Run) error {
	if err := r.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("runs: create: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *gormJobRepository) GetRun(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	var run db.Run
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runs: get by id: %w", err)
	}
	return &run, nil
}

// UpdateRunStatus finalizes a run with its terminal status, summary, and
// optional error.
func (r *gormJobRepository) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, endedAt *time.Time, summaryJSON, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       status,
			"ended_at":     endedAt,
			"summary_json": summaryJSON,
			"error":        errMsg,
		})
	if result.Error != nil {
		return fmt.Errorf("runs: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRunProgress persists the latest progress snapshot for a run (§4.15).
func (r *gormJobRepository) UpdateRunProgress(ctx context.Context, id uuid.UUID, progressJSON string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("id = ?", id).
		Update("progress_json", progressJSON)
	if result.Error != nil {
		return fmt.Errorf("runs: update progress: %w", result.Error)
	}
	return nil
}

// ListRunsByJob returns runs for a job, most recent first.
func (r *gormJobRepository) ListRunsByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Run, int64, error) {
	var runs []db.Run
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Run{}).Where("job_id = ?", jobID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by job count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("started_at DESC").
		Find(&runs).Error; err != nil {
		return nil, 0, fmt.Errorf("runs: list by job: %w", err)
	}
	return runs, total, nil
}

// -----------------------------------------------------------------------------
// Run events — the Store contract C15's events.Bus expects.
// -----------------------------------------------------------------------------

// AppendEvent assigns the next seq for runID inside a transaction so seq
// never has gaps, then inserts the row.
func (r *gormJobRepository) AppendEvent(ctx context.Context, runID string, level, kind, message string, fieldsJSON string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("run_events: parse run_id: %w", err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&db.RunEvent{}).
			Where("run_id = ?", id).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("run_events: max seq: %w", err)
		}
		ev := db.RunEvent{
			RunID:      id,
			Seq:        maxSeq + 1,
			TS:         time.Now().UTC(),
			Level:      level,
			Kind:       kind,
			Message:    message,
			FieldsJSON: fieldsJSON,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("run_events: create: %w", err)
		}
		return nil
	})
}

// ListEventsByRun returns every event for a run in seq order.
func (r *gormJobRepository) ListEventsByRun(ctx context.Context, runID uuid.UUID) ([]db.RunEvent, error) {
	var events []db.RunEvent
	if err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("run_events: list by run: %w", err)
	}
	return events, nil
}
