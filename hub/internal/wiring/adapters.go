// Package wiring bridges the hub's GORM-backed repositories to the plain
// interfaces the engine's domain packages (events, deletetask, retentionloop)
// expect. The engine packages are transport- and storage-agnostic by design;
// this package is the one place that knows both sides.
package wiring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-backup/bastion/engine/deletetask"
	"github.com/bastion-backup/bastion/engine/events"
	"github.com/bastion-backup/bastion/engine/retention"
	"github.com/bastion-backup/bastion/engine/retentionloop"
	"github.com/bastion-backup/bastion/engine/targetstore"
	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/bastion-backup/bastion/hub/internal/repositories"
)

// EventStore adapts repositories.JobRepository's plain-string AppendEvent to
// engine/events.Store, which types level and JSON-encodes fields.
type EventStore struct {
	Jobs repositories.JobRepository
}

func (s *EventStore) AppendEvent(ctx context.Context, runID string, level events.Level, kind, message string, fields json.RawMessage) error {
	return s.Jobs.AppendEvent(ctx, runID, string(level), kind, message, string(fields))
}

// NewRunBus returns an events.Bus scoped to runID, backed by s.
func (s *EventStore) NewRunBus(runID string) *events.Bus {
	return events.NewBus(s, runID)
}

// DeleteTaskStore adapts the artifact_delete_tasks/run_artifacts repositories
// to engine/deletetask.Store. Enqueue fills in TargetType/TargetSnapshotJSON
// from the run's RunArtifact row, since retentionloop only knows RunID/JobID/
// NodeID when it calls Enqueue.
type DeleteTaskStore struct {
	Tasks     repositories.ArtifactDeleteTaskRepository
	Artifacts repositories.RunArtifactRepository
}

func (s *DeleteTaskStore) Enqueue(ctx context.Context, t deletetask.Task) error {
	runID, err := uuid.Parse(t.RunID)
	if err != nil {
		return fmt.Errorf("wiring: enqueue: invalid run id %q: %w", t.RunID, err)
	}
	jobID, err := uuid.Parse(t.JobID)
	if err != nil {
		return fmt.Errorf("wiring: enqueue: invalid job id %q: %w", t.JobID, err)
	}
	nodeID, err := uuid.Parse(t.NodeID)
	if err != nil {
		return fmt.Errorf("wiring: enqueue: invalid node id %q: %w", t.NodeID, err)
	}

	targetType, targetSnapshot := t.TargetType, t.TargetSnapshotJSON
	if artifact, err := s.Artifacts.GetByRunID(ctx, runID); err == nil {
		targetType = artifact.TargetType
		targetSnapshot = artifact.TargetSnapshotJSON
	}

	task := &db.ArtifactDeleteTask{
		RunID:              runID,
		JobID:              jobID,
		NodeID:             nodeID,
		TargetType:         targetType,
		TargetSnapshotJSON: targetSnapshot,
		Status:             string(deletetask.StatusQueued),
		NextAttemptAt:      time.Now().UTC(),
	}
	return s.Tasks.Enqueue(ctx, task)
}

func (s *DeleteTaskStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]deletetask.Task, error) {
	rows, err := s.Tasks.ClaimDue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	tasks := make([]deletetask.Task, 0, len(rows))
	for _, r := range rows {
		var lastErr *string
		if r.LastError != "" {
			le := r.LastError
			lastErr = &le
		}
		tasks = append(tasks, deletetask.Task{
			RunID:              r.RunID.String(),
			JobID:              r.JobID.String(),
			NodeID:             r.NodeID.String(),
			TargetType:         r.TargetType,
			TargetSnapshotJSON: r.TargetSnapshotJSON,
			Status:             deletetask.Status(r.Status),
			Attempts:           r.Attempts,
			NextAttemptAt:      r.NextAttemptAt,
			LastError:          lastErr,
			IgnoredAt:          r.IgnoredAt,
		})
	}
	return tasks, nil
}

func (s *DeleteTaskStore) MarkDone(ctx context.Context, runID string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return err
	}
	return s.Tasks.MarkDone(ctx, id)
}

func (s *DeleteTaskStore) MarkFailed(ctx context.Context, runID string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return err
	}
	return s.Tasks.MarkFailed(ctx, id, attempts, nextAttemptAt, lastErr)
}

func (s *DeleteTaskStore) MarkIgnored(ctx context.Context, runID string, now time.Time) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return err
	}
	return s.Tasks.MarkIgnored(ctx, id, now)
}

func (s *DeleteTaskStore) RetryNow(ctx context.Context, runID string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return err
	}
	return s.Tasks.RetryNow(ctx, id)
}

// AppendEvent satisfies deletetask.Store's interface shape. The runner never
// actually calls it — delete-task event logging happens through the
// retention loop's EventAppender instead — but it still has to type-check.
func (s *DeleteTaskStore) AppendEvent(ctx context.Context, runID string, seq int64, level, kind, message string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return s.Tasks.AppendEvent(ctx, runID, level, kind, message, string(raw))
}

func (s *DeleteTaskStore) MarkArtifactDeleted(ctx context.Context, runID string) error {
	return s.setArtifactStatus(ctx, runID, "deleted")
}

func (s *DeleteTaskStore) MarkArtifactMissing(ctx context.Context, runID string) error {
	return s.setArtifactStatus(ctx, runID, "missing")
}

func (s *DeleteTaskStore) setArtifactStatus(ctx context.Context, runID, status string) error {
	id, err := uuid.Parse(runID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.Artifacts.UpdateStatus(ctx, id, status, &now, "")
}

// RetentionSource adapts the job/run-artifact/delete-task repositories to
// retentionloop.Source.
type RetentionSource struct {
	Jobs      repositories.JobRepository
	Artifacts repositories.RunArtifactRepository
	Tasks     repositories.ArtifactDeleteTaskRepository
}

func (s *RetentionSource) RetentionEnabledJobs(ctx context.Context) ([]retentionloop.Job, error) {
	enabled, err := s.Jobs.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]retentionloop.Job, 0, len(enabled))
	for _, j := range enabled {
		if !j.RetentionEnabled {
			continue
		}
		out = append(out, retentionloop.Job{
			ID:     j.ID.String(),
			NodeID: j.NodeID.String(),
			Policy: retention.Policy{
				Enabled:          j.RetentionEnabled,
				KeepLast:         j.RetentionKeepLast,
				KeepDays:         j.RetentionKeepDays,
				MaxDeletePerTick: j.RetentionMaxDeletePerTick,
				MaxDeletePerDay:  j.RetentionMaxDeletePerDay,
			},
		})
	}
	return out, nil
}

func (s *RetentionSource) PresentSnapshots(ctx context.Context, jobID string, limit int) ([]retention.Snapshot, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.Artifacts.ListPresentByJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(artifacts) > limit {
		artifacts = artifacts[:limit]
	}
	out := make([]retention.Snapshot, 0, len(artifacts))
	for _, a := range artifacts {
		endedAt := a.StartedAt
		if a.EndedAt != nil {
			endedAt = *a.EndedAt
		}
		out = append(out, retention.Snapshot{
			RunID:   a.RunID.String(),
			EndedAt: endedAt,
			Pinned:  a.PinnedAt != nil,
		})
	}
	return out, nil
}

func (s *RetentionSource) RetentionQueuedToday(ctx context.Context, jobID string, now time.Time) (int, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return 0, err
	}
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.Tasks.CountQueuedToday(ctx, id, since)
}

// MarkDeleting flips a run-artifact's status to "deleting" once its delete
// task has been queued; passed to retentionloop.New as markDeleting.
func MarkDeleting(artifacts repositories.RunArtifactRepository) func(ctx context.Context, runID string) error {
	return func(ctx context.Context, runID string) error {
		id, err := uuid.Parse(runID)
		if err != nil {
			return err
		}
		return artifacts.UpdateStatus(ctx, id, "deleting", nil, "")
	}
}

// EventsFor returns a retentionloop.EventAppender (in practice *events.Bus)
// for a given run, passed to retentionloop.New as eventsFor.
func EventsFor(store *EventStore) func(runID string) retentionloop.EventAppender {
	return func(runID string) retentionloop.EventAppender {
		return store.NewRunBus(runID)
	}
}

// RunnerSignaler adapts a *deletetask.Runner to retentionloop.Signaler: once
// the retention loop has queued a batch, Signal triggers an immediate
// best-effort tick instead of waiting for the next scheduled minute.
type RunnerSignaler struct {
	Runner *deletetask.Runner
}

func (s *RunnerSignaler) Signal() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		_ = s.Runner.Tick(ctx, time.Now().UTC(), 25)
	}()
}

// TargetDeleter adapts the destination snapshot stored on each delete task
// to engine/deletetask.Deleter by resolving the right targetstore.Store and
// removing the run's whole artifact-set directory (job_id/run_id).
type TargetDeleter struct{}

type destSnapshot struct {
	BaseDir     string `json:"base_dir,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

type webdavCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (TargetDeleter) Delete(ctx context.Context, t deletetask.Task) error {
	store, err := buildStore(t.TargetType, t.TargetSnapshotJSON)
	if err != nil {
		return err
	}

	base := t.JobID + "/" + t.RunID
	entries, err := store.List(ctx, base)
	if err != nil {
		return fmt.Errorf("wiring: list %s: %w", base, err)
	}
	if len(entries) == 0 {
		return targetstore.ErrMissingTarget
	}
	if err := store.Delete(ctx, base); err != nil {
		return fmt.Errorf("wiring: delete %s: %w", base, err)
	}
	return nil
}

func buildStore(targetType, snapshotJSON string) (targetstore.Store, error) {
	var snap destSnapshot
	if snapshotJSON != "" {
		if err := json.Unmarshal([]byte(snapshotJSON), &snap); err != nil {
			return nil, fmt.Errorf("wiring: decode target snapshot: %w", err)
		}
	}

	switch targetType {
	case "webdav":
		var creds webdavCredentials
		if snap.Credentials != "" {
			_ = json.Unmarshal([]byte(snap.Credentials), &creds)
		}
		return targetstore.NewWebDAV(snap.BaseURL, creds.Username, creds.Password), nil
	case "local", "":
		return targetstore.NewLocalDir(snap.BaseDir), nil
	default:
		return nil, fmt.Errorf("wiring: unsupported target type %q", targetType)
	}
}
