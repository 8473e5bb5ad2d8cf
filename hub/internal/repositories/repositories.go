package repositories

import (
	"context"
	"time"

	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination and filtering options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// NodeRepository
// -----------------------------------------------------------------------------

type NodeRepository interface {
	Create(ctx context.Context, node *db.Node) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Node, error)
	GetByHostname(ctx context.Context, hostname string) (*db.Node, error)
	Update(ctx context.Context, node *db.Node) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, lastSeenAt time.Time) error
	UpdateManagedConfigSeq(ctx context.Context, id uuid.UUID, seq int64) error
	AckManagedConfig(ctx context.Context, id uuid.UUID, seq int64) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Node, int64, error)
}

// -----------------------------------------------------------------------------
// DestinationRepository
// -----------------------------------------------------------------------------

type DestinationRepository interface {
	Create(ctx context.Context, destination *db.Destination) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Destination, error)
	Update(ctx context.Context, destination *db.Destination) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Destination, int64, error)
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository persists jobs, their runs, and the per-run event log (§6.4
// jobs, runs, run_events). Unlike the teacher's JobRepository, a Job carries
// no JobDestination/JobLog sub-entities — a job targets exactly one
// destination, and its execution history lives entirely in Run/RunEvent.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	UpdateSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)
	ListByNode(ctx context.Context, nodeID uuid.UUID) ([]db.Job, error)
	ListEnabled(ctx context.Context) ([]db.Job, error)

	// Runs
	CreateRun(ctx context.Context, run *db.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*db.Run, error)
	UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, endedAt *time.Time, summaryJSON, errMsg string) error
	UpdateRunProgress(ctx context.Context, id uuid.UUID, progressJSON string) error
	ListRunsByJob(ctx context.Context, jobID uuid.UUID, opts ListOptions) ([]db.Run, int64, error)

	// Run events
	AppendEvent(ctx context.Context, runID string, level, kind, message string, fieldsJSON string) error
	ListEventsByRun(ctx context.Context, runID uuid.UUID) ([]db.RunEvent, error)
}

// -----------------------------------------------------------------------------
// RunArtifactRepository
// -----------------------------------------------------------------------------

// RunArtifactRepository tracks the artifact set produced by each run: its
// target location, lifecycle status, and source-side totals (§4.3 manifest,
// §6.4 run_artifacts).
type RunArtifactRepository interface {
	Create(ctx context.Context, artifact *db.RunArtifact) error
	GetByRunID(ctx context.Context, runID uuid.UUID) (*db.RunArtifact, error)
	UpdateStatus(ctx context.Context, runID uuid.UUID, status string, endedAt *time.Time, lastErr string) error
	UpdateTotals(ctx context.Context, runID uuid.UUID, sourceFiles, sourceDirs, sourceBytes, transferBytes int64) error
	Pin(ctx context.Context, runID uuid.UUID, pinnedAt *time.Time) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.RunArtifact, error)
	// ListPresentByJob returns artifacts in "present" status for a job,
	// newest-started first — the candidate set the retention selector (C12)
	// runs over.
	ListPresentByJob(ctx context.Context, jobID uuid.UUID) ([]db.RunArtifact, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

// SettingsRepository persists generic key-value configuration, including the
// managed-config encryption key name and default retention overrides.
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}

// -----------------------------------------------------------------------------
// ArtifactDeleteTaskRepository
// -----------------------------------------------------------------------------

// ArtifactDeleteTaskRepository backs the durable delete-task queue (C13,
// §6.4 artifact_delete_tasks, artifact_delete_events).
type ArtifactDeleteTaskRepository interface {
	Enqueue(ctx context.Context, task *db.ArtifactDeleteTask) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]db.ArtifactDeleteTask, error)
	MarkDone(ctx context.Context, runID uuid.UUID) error
	MarkFailed(ctx context.Context, runID uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string) error
	MarkIgnored(ctx context.Context, runID uuid.UUID, now time.Time) error
	RetryNow(ctx context.Context, runID uuid.UUID) error
	AppendEvent(ctx context.Context, runID string, level, kind, message string, fieldsJSON string) error
	CountQueuedToday(ctx context.Context, jobID uuid.UUID, since time.Time) (int, error)
}
