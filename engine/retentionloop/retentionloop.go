// Package retentionloop implements the hourly snapshot retention loop
// (C16): for each retention-enabled job, lists candidate snapshots, runs
// the C12 selector, clamps to the job's daily/per-tick budget, and enqueues
// a delete task per selected snapshot.
package retentionloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bastion-backup/bastion/engine/deletetask"
	"github.com/bastion-backup/bastion/engine/events"
	"github.com/bastion-backup/bastion/engine/retention"
)

// maxCandidates is the hard cap on snapshots listed per job per tick.
const maxCandidates = 20000

// Job describes one retention-enabled job as seen by the loop.
type Job struct {
	ID       string
	NodeID   string
	Policy   retention.Policy
}

// Source supplies candidate snapshots and today's already-queued count.
type Source interface {
	RetentionEnabledJobs(ctx context.Context) ([]Job, error)
	PresentSnapshots(ctx context.Context, jobID string, limit int) ([]retention.Snapshot, error)
	RetentionQueuedToday(ctx context.Context, jobID string, now time.Time) (int, error)
}

// Enqueuer is the delete-task runner's public enqueue surface.
type Enqueuer interface {
	Enqueue(ctx context.Context, t deletetask.Task) error
}

// EventAppender appends the retention_queued event for a run.
type EventAppender interface {
	Emit(ctx context.Context, level events.Level, kind, message string, fields json.RawMessage) error
}

// Signaler kicks the delete-task runner after a batch is enqueued.
type Signaler interface {
	Signal()
}

// Loop wires Source, the delete-task runner, and a per-run event sink
// together for one hourly tick.
type Loop struct {
	source   Source
	enqueuer Enqueuer
	signaler Signaler
	events   func(runID string) EventAppender
	markDeleting func(ctx context.Context, runID string) error
}

// New builds a Loop. markDeleting flips a run-artifact's status to
// "deleting" once its delete task has been queued; eventsFor returns the
// event bus for a given run so "retention_queued" can be recorded on it.
func New(source Source, enqueuer Enqueuer, signaler Signaler, eventsFor func(runID string) EventAppender, markDeleting func(ctx context.Context, runID string) error) *Loop {
	return &Loop{source: source, enqueuer: enqueuer, signaler: signaler, events: eventsFor, markDeleting: markDeleting}
}

// Tick runs one full pass over every retention-enabled job.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	jobs, err := l.source.RetentionEnabledJobs(ctx)
	if err != nil {
		return fmt.Errorf("retentionloop: list jobs: %w", err)
	}

	queuedAny := false
	for _, job := range jobs {
		n, err := l.tickJob(ctx, now, job)
		if err != nil {
			return fmt.Errorf("retentionloop: job %s: %w", job.ID, err)
		}
		if n > 0 {
			queuedAny = true
		}
	}
	if queuedAny && l.signaler != nil {
		l.signaler.Signal()
	}
	return nil
}

func (l *Loop) tickJob(ctx context.Context, now time.Time, job Job) (int, error) {
	snapshots, err := l.source.PresentSnapshots(ctx, job.ID, maxCandidates)
	if err != nil {
		return 0, fmt.Errorf("list candidate snapshots: %w", err)
	}

	_, del := retention.Select(job.Policy, now, snapshots)
	if len(del) == 0 {
		return 0, nil
	}

	queuedToday, err := l.source.RetentionQueuedToday(ctx, job.ID, now)
	if err != nil {
		return 0, fmt.Errorf("count queued today: %w", err)
	}
	del = retention.Clamp(del, job.Policy.MaxDeletePerTick, job.Policy.MaxDeletePerDay, queuedToday)

	for _, sel := range del {
		task := deletetask.Task{
			RunID:  sel.Snapshot.RunID,
			JobID:  job.ID,
			NodeID: job.NodeID,
		}
		if err := l.enqueuer.Enqueue(ctx, task); err != nil {
			return 0, fmt.Errorf("enqueue %s: %w", sel.Snapshot.RunID, err)
		}
		if l.markDeleting != nil {
			if err := l.markDeleting(ctx, sel.Snapshot.RunID); err != nil {
				return 0, fmt.Errorf("mark deleting %s: %w", sel.Snapshot.RunID, err)
			}
		}
		if l.events != nil {
			bus := l.events(sel.Snapshot.RunID)
			if bus != nil {
				fields := fmt.Sprintf(`{"job_id":%q,"keep_last":%d,"keep_days":%d}`,
					job.ID, job.Policy.KeepLast, job.Policy.KeepDays)
				_ = bus.Emit(ctx, events.LevelInfo, "retention_queued", "", json.RawMessage(fields))
			}
		}
	}
	return len(del), nil
}
