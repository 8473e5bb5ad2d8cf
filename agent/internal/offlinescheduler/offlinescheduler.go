// Package offlinescheduler implements the agent-local cron table described
// in §4.19: on every tick it loads the managed-config snapshot cached by
// engine/managedconfig and, while the agent has no live hub connection,
// fires any job whose schedule has come due. It is the disconnected
// counterpart to the hub's scheduler — the hub dispatches live over the
// websocket; this package keeps jobs running when that link is down.
package offlinescheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/engine/journal"
	"github.com/bastion-backup/bastion/engine/managedconfig"
	"github.com/bastion-backup/bastion/shared/types"
	"github.com/bastion-backup/bastion/shared/wire"
)

// tickInterval is how often the cached managed-config is checked against
// the clock, per §4.19 ("on each cron tick (every minute)").
const tickInterval = time.Minute

// Enqueuer accepts a task for local execution. *executor.Executor satisfies
// this.
type Enqueuer interface {
	Enqueue(task wire.Task) error
}

// ConnectionChecker reports whether the agent currently has a live hub
// session. *connection.Manager satisfies this.
type ConnectionChecker interface {
	IsConnected() bool
}

// Scheduler polls the managed-config cache on a fixed tick and fires jobs
// that are due while the agent is offline.
type Scheduler struct {
	dataDir string
	key     []byte
	exec    Enqueuer
	conn    ConnectionChecker
	logger  *zap.Logger
	parser  cron.Parser

	lastTick time.Time
}

// New builds a Scheduler. dataDir and key must match the values the
// connection manager uses to persist config snapshots (engine/managedconfig).
func New(dataDir string, key []byte, exec Enqueuer, conn ConnectionChecker, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		dataDir: dataDir,
		key:     key,
		exec:    exec,
		conn:    conn,
		logger:  logger.Named("offlinescheduler"),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run blocks, ticking every minute until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.lastTick = time.Now().UTC()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.logger.Info("offline scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("offline scheduler stopped")
			return
		case now := <-ticker.C:
			s.tick(now.UTC())
		}
	}
}

// tick checks every managed job's schedule against the window since the
// last tick. Connected agents leave the window advancing but never fire —
// the hub is dispatching live, and firing here too would double-run the job.
func (s *Scheduler) tick(now time.Time) {
	since := s.lastTick
	s.lastTick = now

	if s.conn.IsConnected() {
		return
	}

	snap, err := managedconfig.Load(s.dataDir, s.key)
	if err != nil {
		s.logger.Warn("failed to load managed-config snapshot", zap.Error(err))
		return
	}
	if snap == nil || len(snap.Jobs) == 0 {
		return
	}

	var jobs []wire.ManagedJob
	if err := json.Unmarshal(snap.Jobs, &jobs); err != nil {
		s.logger.Warn("failed to decode managed-config jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		s.maybeFire(job, since, now)
	}
}

// maybeFire evaluates one job's schedule against the (since, now] window
// and, if due, enqueues it — unless a previous run of the same job is
// still in the journal as running, in which case overlap_policy decides
// whether to reject or allow the overlap (§4.14 point 4).
func (s *Scheduler) maybeFire(job wire.ManagedJob, since, now time.Time) {
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		s.logger.Warn("invalid schedule in managed config", zap.String("job_id", job.JobID), zap.String("schedule", job.Schedule), zap.Error(err))
		return
	}
	if sched.Next(since).After(now) {
		return
	}

	runID := uuid.NewString()

	busy, err := journal.JobHasRunningEntry(s.dataDir, job.JobID)
	if err != nil {
		s.logger.Warn("failed to check journal for in-flight run", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	if busy {
		if types.OverlapPolicy(job.OverlapPolicy) == types.OverlapPolicyReject {
			s.reject(job, runID, now)
		} else {
			s.logger.Info("previous offline run still in flight, allowing overlap", zap.String("job_id", job.JobID))
			s.fire(job, runID, now)
		}
		return
	}

	s.fire(job, runID, now)
}

func (s *Scheduler) fire(job wire.ManagedJob, runID string, now time.Time) {
	task := wire.Task{RunID: runID, JobID: job.JobID, StartedAt: now, Spec: job.Spec}
	if err := s.exec.Enqueue(task); err != nil {
		s.logger.Warn("failed to enqueue offline task", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	s.logger.Info("offline run fired", zap.String("job_id", job.JobID), zap.String("run_id", runID))
}

// reject records the overlap-rejected run per §4.14 point 4: a single
// rejected event and a terminal status, with no execution.
func (s *Scheduler) reject(job wire.ManagedJob, runID string, now time.Time) {
	entry, err := journal.Start(s.dataDir, runID, job.JobID, job.JobID, now)
	if err != nil {
		s.logger.Warn("failed to open journal entry for rejected run", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	if err := entry.Reject(now, "overlap_policy=reject: previous run still executing"); err != nil {
		s.logger.Warn("failed to record overlap rejection", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	s.logger.Info("offline run rejected by overlap policy", zap.String("job_id", job.JobID), zap.String("run_id", runID))
}
