package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormArtifactDeleteTaskRepository is the GORM implementation of
// ArtifactDeleteTaskRepository.
type gormArtifactDeleteTaskRepository struct {
	db *gorm.DB
}

// NewArtifactDeleteTaskRepository returns an ArtifactDeleteTaskRepository
// backed by the provided *gorm.DB.
func NewArtifactDeleteTaskRepository(db *gorm.DB) ArtifactDeleteTaskRepository {
	return &gormArtifactDeleteTaskRepository{db: db}
}

// Enqueue inserts a new task, or is a no-op if a row for RunID already
// exists — the runner (C13) and retention loop (C16) both rely on this
// idempotency to enqueue safely on retry.
func (r *gormArtifactDeleteTaskRepository) Enqueue(ctx context.Context, task *db.ArtifactDeleteTask) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "run_id"}}, DoNothing: true}).
		Create(task).Error
	if err != nil {
		return fmt.Errorf("artifact_delete_tasks: enqueue: %w", err)
	}
	return nil
}

// ClaimDue selects up to limit tasks in queued state, or failed state past
// their next_attempt_at, and flips them to running within a transaction so
// two runner ticks never claim the same task.
func (r *gormArtifactDeleteTaskRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]db.ArtifactDeleteTask, error) {
	var claimed []db.ArtifactDeleteTask

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []db.ArtifactDeleteTask
		if err := tx.
			Where("status = ? OR (status = ? AND next_attempt_at <= ?)", "queued", "failed", now).
			Order("next_attempt_at ASC").
			Limit(limit).
			Find(&due).Error; err != nil {
			return fmt.Errorf("select due: %w", err)
		}
		for _, t := range due {
			if err := tx.Model(&db.ArtifactDeleteTask{}).
				Where("run_id = ?", t.RunID).
				Update("status", "running").Error; err != nil {
				return fmt.Errorf("claim %s: %w", t.RunID, err)
			}
			t.Status = "running"
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifact_delete_tasks: claim due: %w", err)
	}
	return claimed, nil
}

// MarkDone flips a task to done after a successful (or already-missing)
// deletion.
func (r *gormArtifactDeleteTaskRepository) MarkDone(ctx context.Context, runID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.ArtifactDeleteTask{}).
		Where("run_id = ?", runID).
		Update("status", "done")
	if result.Error != nil {
		return fmt.Errorf("artifact_delete_tasks: mark done: %w", result.Error)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next retry.
func (r *gormArtifactDeleteTaskRepository) MarkFailed(ctx context.Context, runID uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string) error {
	result := r.db.WithContext(ctx).
		Model(&db.ArtifactDeleteTask{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":          "failed",
			"attempts":        attempts,
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastErr,
		})
	if result.Error != nil {
		return fmt.Errorf("artifact_delete_tasks: mark failed: %w", result.Error)
	}
	return nil
}

// MarkIgnored stops retrying a task — operator override for a target that
// will never come back.
func (r *gormArtifactDeleteTaskRepository) MarkIgnored(ctx context.Context, runID uuid.UUID, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.ArtifactDeleteTask{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":     "ignored",
			"ignored_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("artifact_delete_tasks: mark ignored: %w", result.Error)
	}
	return nil
}

// RetryNow resets a failed or ignored task to queued with next_attempt_at
// set to now, for immediate reattempt on the next tick.
func (r *gormArtifactDeleteTaskRepository) RetryNow(ctx context.Context, runID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.ArtifactDeleteTask{}).
		Where("run_id = ?", runID).
		Updates(map[string]interface{}{
			"status":          "queued",
			"next_attempt_at": time.Now().UTC(),
			"ignored_at":      nil,
		})
	if result.Error != nil {
		return fmt.Errorf("artifact_delete_tasks: retry now: %w", result.Error)
	}
	return nil
}

// AppendEvent assigns the next seq for runID and inserts a row into
// artifact_delete_events, mirroring JobRepository.AppendEvent's gapless-seq
// transaction.
func (r *gormArtifactDeleteTaskRepository) AppendEvent(ctx context.Context, runID string, level, kind, message string, fieldsJSON string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return fmt.Errorf("artifact_delete_events: parse run_id: %w", err)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&db.ArtifactDeleteEvent{}).
			Where("run_id = ?", id).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("max seq: %w", err)
		}
		ev := db.ArtifactDeleteEvent{
			RunID:      id,
			Seq:        maxSeq + 1,
			TS:         time.Now().UTC(),
			Level:      level,
			Kind:       kind,
			Message:    message,
			FieldsJSON: fieldsJSON,
		}
		if err := tx.Create(&ev).Error; err != nil {
			return fmt.Errorf("create: %w", err)
		}
		return nil
	})
}

// CountQueuedToday counts delete tasks for jobID whose next_attempt_at is at
// or after the given time (next_attempt_at is the enqueue time until a
// failure or retry moves it), used to clamp retention's per-day delete
// budget (§4.12).
func (r *gormArtifactDeleteTaskRepository) CountQueuedToday(ctx context.Context, jobID uuid.UUID, since time.Time) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.ArtifactDeleteTask{}).
		Where("job_id = ? AND next_attempt_at >= ?", jobID, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("artifact_delete_tasks: count queued today: %w", err)
	}
	return int(count), nil
}
