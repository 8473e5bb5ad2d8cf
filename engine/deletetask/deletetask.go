// Package deletetask implements the durable artifact delete task runner
// (C13): a retrying state machine over (run_id, target_snapshot) deletion
// requests, with per-attempt exponential backoff and an idempotent enqueue.
package deletetask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bastion-backup/bastion/engine/targetstore"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	StatusIgnored Status = "ignored"
	StatusDone    Status = "done"
)

const (
	backoffBase = 30 * time.Second
	backoffCap  = time.Hour
)

// Backoff computes next_attempt_at's delay for the given (1-indexed)
// attempt count: base 30s, doubling, capped at 1h.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// Task is one row of artifact_delete_tasks.
type Task struct {
	RunID              string
	JobID              string
	NodeID             string
	TargetType         string
	TargetSnapshotJSON string
	Status             Status
	Attempts           int
	NextAttemptAt      time.Time
	LastError          *string
	IgnoredAt          *time.Time
}

var (
	ErrRunningTask    = errors.New("deletetask: cannot modify a running task")
	ErrAlreadyQueued  = errors.New("deletetask: already queued")
)

// Store persists tasks and the delete-event log. Implemented by the hub's
// repository layer against artifact_delete_tasks / artifact_delete_events.
type Store interface {
	// Enqueue inserts a new queued task. Implementations MUST make this an
	// idempotent no-op (INSERT OR IGNORE semantics) when a row for RunID
	// already exists and has not resolved to done.
	Enqueue(ctx context.Context, t Task) error
	// ClaimDue returns up to limit tasks in queued or failed-and-due state,
	// transitioning each to running as it is returned.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	MarkDone(ctx context.Context, runID string) error
	MarkFailed(ctx context.Context, runID string, attempts int, nextAttemptAt time.Time, lastErr string) error
	MarkIgnored(ctx context.Context, runID string, now time.Time) error
	RetryNow(ctx context.Context, runID string) error
	AppendEvent(ctx context.Context, runID string, seq int64, level, kind, message string, fields map[string]any) error
	// MarkArtifactDeleted / MarkArtifactMissing flip the corresponding
	// run_artifacts row's status.
	MarkArtifactDeleted(ctx context.Context, runID string) error
	MarkArtifactMissing(ctx context.Context, runID string) error
}

// Deleter removes one artifact set from its target. Implementations map
// TargetType + TargetSnapshotJSON to a concrete targetstore.Store and call
// Delete on the run's base path.
type Deleter interface {
	Delete(ctx context.Context, t Task) error
}

// Runner drives the queued -> running -> {done, failed} state machine.
type Runner struct {
	store   Store
	deleter Deleter
}

func NewRunner(store Store, deleter Deleter) *Runner {
	return &Runner{store: store, deleter: deleter}
}

// Enqueue is the idempotent public entry point used by the retention loop
// (C16) and operator actions.
func (r *Runner) Enqueue(ctx context.Context, t Task) error {
	t.Status = StatusQueued
	return r.store.Enqueue(ctx, t)
}

// Tick claims up to limit due tasks and attempts each exactly once.
func (r *Runner) Tick(ctx context.Context, now time.Time, limit int) error {
	tasks, err := r.store.ClaimDue(ctx, now, limit)
	if err != nil {
		return fmt.Errorf("deletetask: claim due: %w", err)
	}
	for _, t := range tasks {
		r.attempt(ctx, t)
	}
	return nil
}

func (r *Runner) attempt(ctx context.Context, t Task) {
	err := r.deleter.Delete(ctx, t)
	attempts := t.Attempts + 1

	switch {
	case err == nil:
		_ = r.store.MarkDone(ctx, t.RunID)
		_ = r.store.MarkArtifactDeleted(ctx, t.RunID)
	case errors.Is(err, targetstore.ErrMissingTarget):
		_ = r.store.MarkDone(ctx, t.RunID)
		_ = r.store.MarkArtifactMissing(ctx, t.RunID)
	default:
		next := time.Now().UTC().Add(Backoff(attempts))
		_ = r.store.MarkFailed(ctx, t.RunID, attempts, next, err.Error())
	}
}
