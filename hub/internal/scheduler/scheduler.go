// Package scheduler drives every periodic tick on the hub: per-job backup
// dispatch via gocron, the snapshot retention loop (C16), and the artifact
// delete-task runner (C13).
//
// Each enabled Job maps to exactly one gocron job, identified by the Job
// UUID, running in singleton mode so an overrunning run never overlaps
// itself. Dispatch flow:
//
//  1. Tick fires -> create a Run + RunArtifact record (status: running/pending)
//  2. Build a websocket.Task carrying the resolved JobSpec
//  3. Attempt immediate dispatch via nodemanager if the node is connected
//  4. If the node is offline, the Run is left as created (running, with its
//     RunArtifact pending) and is not redispatched. While disconnected, the
//     agent's offline scheduler runs the node's jobs from its last cached
//     config_snapshot under run IDs of its own.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/engine/deletetask"
	"github.com/bastion-backup/bastion/engine/retentionloop"
	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/bastion-backup/bastion/hub/internal/nodemanager"
	"github.com/bastion-backup/bastion/hub/internal/repositories"
	"github.com/bastion-backup/bastion/hub/internal/websocket"
	"github.com/bastion-backup/bastion/shared/types"
)

const (
	retentionTickInterval  = time.Hour
	deleteTaskTickInterval = time.Minute
	deleteTaskClaimLimit   = 25
)

// scheduleParser validates the standard 5-field cron expressions jobs are
// stored with, the same grammar the agent's offline scheduler parses
// (agent/internal/offlinescheduler), so a
// schedule gocron rejects at tick time is instead caught up front with a
// message an operator can act on.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule reports whether schedule parses as a standard 5-field
// cron expression. Call it before persisting a job so a typo surfaces at
// create/update time rather than silently failing the first scheduled tick.
func ValidateSchedule(schedule string) error {
	if _, err := scheduleParser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// destSnapshot is the JSON shape stored in run_artifacts.target_snapshot_json
// and artifact_delete_tasks.target_snapshot_json: enough of the destination's
// configuration, captured at run time, for a later delete task to reach the
// target even if the Destination row has since changed or been removed.
type destSnapshot struct {
	BaseDir     string `json:"base_dir,omitempty"`
	BaseURL     string `json:"base_url,omitempty"`
	Credentials string `json:"credentials,omitempty"`
}

// Scheduler wraps gocron and coordinates job dispatch, retention, and
// artifact deletion. The zero value is not usable — create instances with
// New.
type Scheduler struct {
	cron      gocron.Scheduler
	jobs      repositories.JobRepository
	dests     repositories.DestinationRepository
	artifacts repositories.RunArtifactRepository
	nodes     repositories.NodeRepository
	nodeMgr   *nodemanager.Manager

	retention *retentionloop.Loop
	deletes   *deletetask.Runner

	logger *zap.Logger
}

// New creates and configures a new Scheduler. Call Start to begin processing.
func New(
	jobs repositories.JobRepository,
	dests repositories.DestinationRepository,
	artifacts repositories.RunArtifactRepository,
	nodes repositories.NodeRepository,
	nodeMgr *nodemanager.Manager,
	retention *retentionloop.Loop,
	deletes *deletetask.Runner,
	logger *zap.Logger,
) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:      s,
		jobs:      jobs,
		dests:     dests,
		artifacts: artifacts,
		nodes:     nodes,
		nodeMgr:   nodeMgr,
		retention: retention,
		deletes:   deletes,
		logger:    logger.Named("scheduler"),
	}, nil
}

// Start loads all enabled jobs from the database, schedules them, adds the
// retention-loop and delete-task ticks, and starts the underlying gocron
// scheduler. Called once at hub startup, after the database connection is
// established.
func (s *Scheduler) Start(ctx context.Context) error {
	enabled, err := s.jobs.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled jobs: %w", err)
	}

	for i := range enabled {
		if err := s.addJob(&enabled[i]); err != nil {
			s.logger.Error("failed to schedule job",
				zap.String("job_id", enabled[i].ID.String()),
				zap.String("job_name", enabled[i].Name),
				zap.Error(err),
			)
		}
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(retentionTickInterval),
		gocron.NewTask(s.runRetentionTick),
		gocron.WithTags("retention-loop"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule retention loop: %w", err)
	}

	if _, err := s.cron.NewJob(
		gocron.DurationJob(deleteTaskTickInterval),
		gocron.NewTask(s.runDeleteTaskTick),
		gocron.WithTags("delete-task-runner"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("failed to schedule delete task runner: %w", err)
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", len(enabled)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// AddJob schedules a newly created or re-enabled job. Safe to call while
// the scheduler is running.
func (s *Scheduler) AddJob(job *db.Job) error {
	if err := s.addJob(job); err != nil {
		return fmt.Errorf("failed to add job %s to scheduler: %w", job.ID, err)
	}
	s.logger.Info("job added to scheduler",
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.String("schedule", job.Schedule),
	)
	s.pushConfigSnapshotAsync(job.NodeID)
	return nil
}

// RemoveJob removes a job from the scheduler. Safe to call while the
// scheduler is running.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.cron.RemoveByTags(jobID.String())
	s.logger.Info("job removed from scheduler", zap.String("job_id", jobID.String()))
	return nil
}

// UpdateJob reschedules a job after its cron expression or enabled state
// has changed.
func (s *Scheduler) UpdateJob(job *db.Job) error {
	s.cron.RemoveByTags(job.ID.String())

	if !job.Enabled {
		s.logger.Info("job disabled, removed from scheduler", zap.String("job_id", job.ID.String()))
		s.pushConfigSnapshotAsync(job.NodeID)
		return nil
	}

	return s.AddJob(job)
}

// pushConfigSnapshotAsync pushes a fresh config snapshot to nodeID in the
// background so callers that hold an HTTP request or a cron tick don't block
// on a websocket round trip. Failures are logged, not returned — the node
// will pick up the current job set on its next connect in the worst case.
func (s *Scheduler) pushConfigSnapshotAsync(nodeID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.PushConfigSnapshot(ctx, nodeID); err != nil {
			s.logger.Warn("failed to push config snapshot after job change", zap.String("node_id", nodeID.String()), zap.Error(err))
		}
	}()
}

// TriggerNow manually triggers an immediate run for a job, bypassing the
// cron schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("job not found: %w", err)
	}
	s.logger.Info("manual trigger requested", zap.String("job_id", jobID.String()), zap.String("job_name", job.Name))
	return s.runJob(job)
}

// addJob registers a single job as a gocron job with singleton mode, keyed
// by the job's own UUID as its gocron tag.
func (s *Scheduler) addJob(job *db.Job) error {
	if err := ValidateSchedule(job.Schedule); err != nil {
		return err
	}

	_, err := s.cron.NewJob(
		gocron.CronJob(job.Schedule, false),
		gocron.NewTask(func(jobID uuid.UUID) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			j, err := s.jobs.GetByID(ctx, jobID)
			if err != nil {
				s.logger.Error("failed to reload job at tick time", zap.String("job_id", jobID.String()), zap.Error(err))
				return
			}
			if err := s.runJob(j); err != nil {
				s.logger.Error("job run failed", zap.String("job_id", j.ID.String()), zap.String("job_name", j.Name), zap.Error(err))
			}
		}, job.ID),
		gocron.WithTags(job.ID.String()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for job %s (schedule: %q): %w", job.ID, job.Schedule, err)
	}
	return nil
}

// runJob is the core execution unit called by gocron on each tick (or
// manually via TriggerNow). It creates the Run and RunArtifact records,
// updates the job's schedule timestamps, and dispatches the task.
func (s *Scheduler) runJob(job *db.Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !job.Enabled {
		s.logger.Info("skipping run for disabled job", zap.String("job_id", job.ID.String()))
		return nil
	}

	now := time.Now().UTC()
	run := &db.Run{
		JobID:     job.ID,
		Kind:      "backup",
		Status:    "running",
		StartedAt: now,
	}
	if err := s.jobs.CreateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to create run record for job %s: %w", job.ID, err)
	}

	artifact := &db.RunArtifact{
		RunID:          run.ID,
		JobID:          job.ID,
		NodeID:         job.NodeID,
		TargetType:     "", // resolved below once the destination is loaded
		ArtifactFormat: job.Format,
		Status:         "pending",
		StartedAt:      now,
	}
	if dest, err := s.dests.GetByID(ctx, job.DestinationID); err == nil {
		artifact.TargetType = dest.Type
		if snap, err := json.Marshal(destSnapshot{
			BaseDir:     dest.BaseDir,
			BaseURL:     dest.BaseURL,
			Credentials: string(dest.Credentials),
		}); err == nil {
			artifact.TargetSnapshotJSON = string(snap)
		}
	}
	if err := s.artifacts.Create(ctx, artifact); err != nil {
		s.logger.Error("failed to create run artifact record", zap.String("run_id", run.ID.String()), zap.Error(err))
	}

	s.logger.Info("run created",
		zap.String("run_id", run.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.String("node_id", job.NodeID.String()),
	)

	if err := s.jobs.UpdateSchedule(ctx, job.ID, now, now); err != nil {
		s.logger.Warn("failed to update job schedule timestamps", zap.String("job_id", job.ID.String()), zap.Error(err))
	}

	if err := s.dispatch(ctx, job, run); err != nil {
		s.logger.Warn("dispatch failed, run remains pending",
			zap.String("run_id", run.ID.String()),
			zap.String("node_id", job.NodeID.String()),
			zap.Error(err),
		)
	}

	return nil
}

// dispatch builds the Task envelope for a run and sends it to the owning
// node via nodemanager. If the node is offline the run stays in the
// "running" state; nothing retries it, and runs the agent replays from its
// offline journal carry their own run IDs, so they do not complete it.
func (s *Scheduler) dispatch(ctx context.Context, job *db.Job, run *db.Run) error {
	spec, err := s.buildJobSpec(ctx, job)
	if err != nil {
		return err
	}

	task := websocket.Task{
		RunID:     run.ID.String(),
		JobID:     job.ID.String(),
		StartedAt: run.StartedAt,
		Spec:      spec,
	}

	ok, err := s.nodeMgr.SendTask(job.NodeID.String(), task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	if !ok {
		return fmt.Errorf("node %s is not connected", job.NodeID)
	}

	s.logger.Info("task dispatched",
		zap.String("run_id", run.ID.String()),
		zap.String("node_id", job.NodeID.String()),
	)
	return nil
}

// buildJobSpec resolves a Job's destination and source list into the wire
// JobSpec shape shared by live task dispatch and config-snapshot pushes, so
// a job looks the same to an agent whether it arrives live over the
// websocket or out of the offline scheduler's cache.
func (s *Scheduler) buildJobSpec(ctx context.Context, job *db.Job) (websocket.JobSpec, error) {
	dest, err := s.dests.GetByID(ctx, job.DestinationID)
	if err != nil {
		return websocket.JobSpec{}, fmt.Errorf("failed to load destination %s: %w", job.DestinationID, err)
	}

	var sources []types.Source
	if job.Sources != "" {
		if err := json.Unmarshal([]byte(job.Sources), &sources); err != nil {
			return websocket.JobSpec{}, fmt.Errorf("failed to decode job sources: %w", err)
		}
	}

	spec := websocket.JobSpec{
		JobID:             job.ID.String(),
		Sources:           sources,
		SnapshotMode:      toSnapshotMode(job.SnapshotMode),
		ConsistencyPolicy: toConsistencyPolicy(job.ConsistencyPolicy),
		DestinationType:   toDestinationType(dest.Type),
	}
	spec.Pipeline.Format = job.Format
	spec.Pipeline.Compression = "zstd"
	spec.Pipeline.Encryption = job.Encryption
	spec.Pipeline.SplitBytes = uint64(job.SplitBytes)
	if job.EncryptionKeyName != "" {
		name := job.EncryptionKeyName
		spec.Pipeline.EncryptionKey = &name
	}

	destCfg, err := json.Marshal(destSnapshot{
		BaseDir:     dest.BaseDir,
		BaseURL:     dest.BaseURL,
		Credentials: string(dest.Credentials),
	})
	if err != nil {
		return websocket.JobSpec{}, fmt.Errorf("failed to marshal destination config: %w", err)
	}
	spec.DestinationConfig = destCfg

	return spec, nil
}

// PushConfigSnapshot builds the full set of enabled jobs assigned to nodeID
// and pushes it to the node as a config_snapshot, giving its offline
// scheduler a current cache to fall back on when the websocket link drops.
// Call it whenever a node connects or its job set changes. If the node
// isn't currently connected this is a no-op beyond logging: the agent will
// request (or be pushed) a fresh snapshot the next time it connects.
func (s *Scheduler) PushConfigSnapshot(ctx context.Context, nodeID uuid.UUID) error {
	jobs, err := s.jobs.ListByNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("failed to list jobs for node %s: %w", nodeID, err)
	}

	managed := make([]websocket.ManagedJob, 0, len(jobs))
	for i := range jobs {
		job := &jobs[i]
		if !job.Enabled {
			continue
		}
		spec, err := s.buildJobSpec(ctx, job)
		if err != nil {
			s.logger.Warn("failed to build job spec for config snapshot",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		managed = append(managed, websocket.ManagedJob{
			JobID:         job.ID.String(),
			Schedule:      job.Schedule,
			OverlapPolicy: job.OverlapPolicy,
			Spec:          spec,
		})
	}

	payload, err := json.Marshal(managed)
	if err != nil {
		return fmt.Errorf("failed to marshal managed config for node %s: %w", nodeID, err)
	}

	node, err := s.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("failed to load node %s: %w", nodeID, err)
	}
	seq := node.ManagedConfigSeq + 1

	ok, err := s.nodeMgr.SendConfigSnapshot(nodeID.String(), websocket.ConfigSnapshot{
		NodeID:     nodeID.String(),
		SnapshotID: seq,
		Jobs:       payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode config snapshot for node %s: %w", nodeID, err)
	}
	if !ok {
		s.logger.Debug("config snapshot not pushed, node not connected", zap.String("node_id", nodeID.String()))
		return nil
	}

	if err := s.nodes.UpdateManagedConfigSeq(ctx, nodeID, seq); err != nil {
		s.logger.Warn("failed to record pushed config snapshot version", zap.String("node_id", nodeID.String()), zap.Error(err))
	}
	s.logger.Info("config snapshot pushed",
		zap.String("node_id", nodeID.String()), zap.Int("jobs", len(managed)), zap.Int64("seq", seq))
	return nil
}

func (s *Scheduler) runRetentionTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.retention.Tick(ctx, time.Now().UTC()); err != nil {
		s.logger.Error("retention tick failed", zap.Error(err))
	}
}

func (s *Scheduler) runDeleteTaskTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := s.deletes.Tick(ctx, time.Now().UTC(), deleteTaskClaimLimit); err != nil {
		s.logger.Error("delete task tick failed", zap.Error(err))
	}
}
