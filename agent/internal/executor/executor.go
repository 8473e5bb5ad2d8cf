// Package executor runs one backup task at a time end to end: scan the
// configured sources, package them (archive_v1 via tarpkg+pipeline, or
// raw_tree_v1 via rawtree), build the entry index and manifest, upload the
// artifact set, and report progress and the final result back to the hub.
//
// The queue and single-worker loop mirror the shape of any job runner that
// must not let two packaging runs compete for the same disk and CPU at
// once. The hub does not check whether a node is busy before dispatching;
// a task that arrives while another runs waits in the queue.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/bastion-backup/bastion/agent/internal/hooks"
	"github.com/bastion-backup/bastion/agent/internal/keyring"
	"github.com/bastion-backup/bastion/engine/consistency"
	"github.com/bastion-backup/bastion/engine/consistencygate"
	"github.com/bastion-backup/bastion/engine/entryindex"
	"github.com/bastion-backup/bastion/engine/events"
	"github.com/bastion-backup/bastion/engine/journal"
	"github.com/bastion-backup/bastion/engine/manifest"
	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/engine/partwriter"
	"github.com/bastion-backup/bastion/engine/pipeline"
	"github.com/bastion-backup/bastion/engine/rawtree"
	"github.com/bastion-backup/bastion/engine/scanner"
	"github.com/bastion-backup/bastion/engine/snapshot"
	"github.com/bastion-backup/bastion/engine/targetstore"
	"github.com/bastion-backup/bastion/engine/tarpkg"
	"github.com/bastion-backup/bastion/shared/types"
	"github.com/bastion-backup/bastion/shared/wire"
)

// EventSink is satisfied by the connection manager: it forwards every
// emitted event to the hub as a run_event message. Its signature matches
// engine/events.Store exactly, so a *events.Bus can wrap it directly.
type EventSink interface {
	AppendEvent(ctx context.Context, runID string, level events.Level, kind, message string, fields json.RawMessage) error
}

// ResultSink receives the final outcome of a task, for forwarding to the
// hub as a task_result message (or, while disconnected, for the offline
// journal to pick up on the next reconnect).
type ResultSink interface {
	SendResult(result wire.TaskResult)
}

// queueSize bounds how many dispatched tasks can be buffered while one is
// executing. The hub does not expect to need more than one in flight per
// node, but a couple of slots absorb a reconnect racing a dispatch.
const queueSize = 4

// Config configures the executor's local environment.
type Config struct {
	// DataDir is the agent's persistent data directory (BASTION_DATA_DIR).
	// Staging happens under DataDir/agent/stage/<run_id>; the offline
	// journal lives under DataDir/agent/offline_runs/<run_id>.
	DataDir string
	Keyring *keyring.Keyring

	// SnapshotConfig configures the optional btrfs source snapshot
	// provider (C8), sourced from BASTION_FS_SNAPSHOT_BTRFS_ENABLED and
	// BASTION_FS_SNAPSHOT_ALLOWLIST.
	SnapshotConfig snapshot.Config

	// Hooks, PreRunHook, PostRunHook: a shell command run before and
	// after every task, independent of per-job configuration (the hub's
	// job schema carries no per-job hook fields). Either may be empty.
	Hooks       *hooks.Runner
	PreRunHook  string
	PostRunHook string
}

// Executor owns the task queue and runs one task at a time.
type Executor struct {
	cfg    Config
	queue  chan wire.Task
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		queue:  make(chan wire.Task, queueSize),
		logger: logger.Named("executor"),
	}
}

// Enqueue adds a task to the queue. Non-blocking: returns an error if the
// queue is full; the connection manager then logs it and reports the run
// to the hub as rejected. The hub does not redispatch a rejected run.
func (e *Executor) Enqueue(task wire.Task) error {
	select {
	case e.queue <- task:
		e.logger.Info("task enqueued", zap.String("run_id", task.RunID), zap.String("job_id", task.JobID))
		return nil
	default:
		return fmt.Errorf("executor: queue full, rejecting run %s", task.RunID)
	}
}

// Run drains the queue one task at a time until ctx is cancelled.
func (e *Executor) Run(ctx context.Context, sink EventSink, results ResultSink) {
	e.logger.Info("executor started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return
		case task := <-e.queue:
			e.execute(ctx, task, sink, results)
		}
	}
}

func (e *Executor) execute(ctx context.Context, task wire.Task, sink EventSink, results ResultSink) {
	log := e.logger.With(zap.String("run_id", task.RunID), zap.String("job_id", task.JobID))
	bus := events.NewBus(sink, task.RunID)

	entry, err := journal.Start(e.cfg.DataDir, task.RunID, task.JobID, task.JobID, task.StartedAt)
	if err != nil {
		log.Error("failed to start offline journal entry", zap.Error(err))
	}

	if e.cfg.PreRunHook != "" && e.cfg.Hooks != nil {
		if res, hookErr := e.cfg.Hooks.Run(ctx, e.cfg.PreRunHook); hookErr != nil {
			e.fail(ctx, bus, entry, results, task, fmt.Sprintf("pre-run hook failed (exit %d): %v", res.ExitCode, hookErr))
			return
		}
	}

	summary, runErr := e.runBackup(ctx, task, bus, log)

	if e.cfg.PostRunHook != "" && e.cfg.Hooks != nil {
		if _, hookErr := e.cfg.Hooks.Run(ctx, e.cfg.PostRunHook); hookErr != nil {
			log.Warn("post-run hook failed", zap.Error(hookErr))
		}
	}

	if runErr != nil {
		e.fail(ctx, bus, entry, results, task, runErr.Error())
		return
	}
	e.succeed(ctx, entry, results, task, summary)
}

func (e *Executor) fail(ctx context.Context, bus *events.Bus, entry *journal.Entry, results ResultSink, task wire.Task, msg string) {
	_ = bus.Emit(ctx, events.LevelError, "run_failed", msg, nil)
	if entry != nil {
		_ = entry.Finish(journal.StatusFailed, time.Now().UTC(), journal.Summary(false, nil), &msg)
	}
	results.SendResult(wire.TaskResult{TaskID: task.RunID, RunID: task.RunID, Status: "failed", Error: msg})
}

func (e *Executor) succeed(ctx context.Context, entry *journal.Entry, results ResultSink, task wire.Task, summary json.RawMessage) {
	if entry != nil {
		_ = entry.Finish(journal.StatusSuccess, time.Now().UTC(), journal.Summary(false, nil), nil)
	}
	results.SendResult(wire.TaskResult{TaskID: task.RunID, RunID: task.RunID, Status: "completed", Summary: summary})
}

// runBackup implements the packaging pipeline (C2-C10, C15, C18): scan,
// package, index, gate on consistency, write the manifest and sentinel,
// then upload.
func (e *Executor) runBackup(ctx context.Context, task wire.Task, bus *events.Bus, log *zap.Logger) (json.RawMessage, error) {
	spec := task.Spec

	var encKey []byte
	if spec.Pipeline.EncryptionKey != nil {
		key, ok := e.cfg.Keyring.Resolve(*spec.Pipeline.EncryptionKey)
		if !ok {
			return nil, fmt.Errorf("unknown encryption key %q", *spec.Pipeline.EncryptionKey)
		}
		encKey = key
	}

	stageDir := filepath.Join(e.cfg.DataDir, "agent", "stage", task.RunID)
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stage dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	idx, err := entryindex.Create(filepath.Join(stageDir, model.EntryIndexName))
	if err != nil {
		return nil, fmt.Errorf("create entry index: %w", err)
	}

	consReport := consistency.NewReport()
	var filesDone, dirsDone, bytesDone int64
	onWarning := func(path, message string) {
		fields, _ := json.Marshal(map[string]string{"path": path})
		_ = bus.Emit(ctx, events.LevelWarn, "package_warning", message, fields)
	}

	var appendErr error
	onIndexEntry := func(rec model.EntryRecord) {
		if appendErr != nil {
			return
		}
		if err := idx.Append(rec); err != nil {
			appendErr = err
		}
	}

	var parts []partwriter.Part
	var pipelineCfg model.PipelineConfig
	var rawDataDir string

	onProgress := func(se scanner.Entry) {
		if se.Kind == model.KindDir {
			dirsDone++
		} else {
			filesDone++
			bytesDone += se.Size
		}
		e.emitPackagingProgress(ctx, bus, filesDone, dirsDone, bytesDone)
	}

	switch spec.Pipeline.Format {
	case model.FormatRawTreeV1:
		rawDataDir = filepath.Join(stageDir, "data")
		if err := os.MkdirAll(rawDataDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir raw tree data dir: %w", err)
		}
		pkg := rawtree.New(rawDataDir, onIndexEntry, onWarning)
		onEntry := func(scanEntry scanner.Entry) error {
			return e.addWithConsistency(scanEntry, pkg.Add, consReport)
		}
		if err := e.scanSources(ctx, spec.Sources, onEntry, onProgress); err != nil {
			return nil, fmt.Errorf("scan sources: %w", err)
		}
		pipelineCfg = model.PipelineConfig{Format: model.FormatRawTreeV1, Tar: model.TarNone, Compression: model.CompressionNone, Encryption: model.EncryptionNone}

	default: // archive_v1 (and unset defaults to it)
		p, err := pipeline.Open(pipeline.Options{
			StageDir:       stageDir,
			SplitBytes:     spec.Pipeline.SplitBytes,
			EncryptionKey:  encKey,
			EncryptionName: encryptionNameFor(spec),
		})
		if err != nil {
			return nil, fmt.Errorf("open pipeline: %w", err)
		}
		pkg := tarpkg.New(p, scanner.HardlinkKeep, onIndexEntry, onWarning)
		onEntry := func(scanEntry scanner.Entry) error {
			return e.addWithConsistency(scanEntry, pkg.Add, consReport)
		}
		if err := e.scanSources(ctx, spec.Sources, onEntry, onProgress); err != nil {
			return nil, fmt.Errorf("scan sources: %w", err)
		}
		if err := pkg.Close(); err != nil {
			return nil, fmt.Errorf("close packager: %w", err)
		}
		parts, pipelineCfg, err = p.Finish()
		if err != nil {
			return nil, fmt.Errorf("finish pipeline: %w", err)
		}
	}

	if appendErr != nil {
		return nil, fmt.Errorf("write entry index: %w", appendErr)
	}
	if err := idx.Finish(); err != nil {
		return nil, fmt.Errorf("finish entry index: %w", err)
	}

	policy := consistencygate.Policy(spec.ConsistencyPolicy)
	decision := consistencygate.Evaluate(policy, 0, consReport, false)
	if decision.ShouldWarn {
		fields, _ := json.Marshal(consReport)
		_ = bus.Emit(ctx, events.LevelWarn, "consistency_report", "source changed during packaging", fields)
	}
	if decision.ShouldFail && !decision.UploadAnyway {
		return nil, consistencygate.Err(consReport, 0)
	}

	startedAt := task.StartedAt
	endedAt := time.Now().UTC()
	m := model.Manifest{
		JobID:     task.JobID,
		RunID:     task.RunID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Pipeline:  pipelineCfg,
		EntryIndex: idx.Ref(),
	}
	for _, part := range parts {
		m.Artifacts = append(m.Artifacts, part.Ref())
	}
	if err := manifest.Write(stageDir, m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := manifest.WriteSentinel(stageDir); err != nil {
		return nil, fmt.Errorf("write sentinel: %w", err)
	}

	store, err := buildStore(spec.DestinationType, spec.DestinationConfig)
	if err != nil {
		return nil, err
	}

	plan, sizes, err := buildUploadPlan(stageDir, rawDataDir, parts)
	if err != nil {
		return nil, err
	}

	base := task.JobID + "/" + task.RunID
	progress := func(cumulative int64) {
		e.emitUploadProgress(ctx, bus, cumulative, false)
	}
	if err := targetstore.Upload(ctx, store, base, plan, sizes, progress); err != nil {
		if decision.ShouldFail {
			return nil, consistencygate.Err(consReport, 0)
		}
		return nil, fmt.Errorf("upload: %w", err)
	}
	if err := targetstore.UploadSentinel(ctx, store, base, filepath.Join(stageDir, model.SentinelFilename)); err != nil {
		return nil, fmt.Errorf("upload sentinel: %w", err)
	}
	e.emitUploadProgress(ctx, bus, 0, true)

	if decision.ShouldFail {
		return nil, consistencygate.Err(consReport, 0)
	}

	summary, _ := json.Marshal(map[string]any{
		"files":            filesDone,
		"artifacts":        len(m.Artifacts),
		"entries":          idx.Count(),
		"consistency_total": consReport.Total(),
	})
	log.Info("run completed", zap.Int64("files", filesDone), zap.Int("artifacts", len(m.Artifacts)))
	return summary, nil
}

// addWithConsistency stat's the entry before handing it to the packager,
// then re-stats after to classify any mid-scan change (C10).
func (e *Executor) addWithConsistency(se scanner.Entry, add func(scanner.Entry) error, report *consistency.Report) error {
	if se.Kind != model.KindFile {
		return add(se)
	}
	before := consistency.Fingerprint{
		Size:       se.Info.Size(),
		MtimeNanos: se.Info.ModTime().UnixNano(),
		ID:         consistency.FileID{Dev: se.ID.Dev, Ino: se.ID.Ino, Ok: se.ID.Ok},
	}
	addErr := add(se)

	afterInfo, statErr := os.Lstat(se.FSPath)
	afterExists := statErr == nil
	var after consistency.Fingerprint
	if afterExists {
		after = consistency.Fingerprint{Size: afterInfo.Size(), MtimeNanos: afterInfo.ModTime().UnixNano(), ID: before.ID}
	}
	reason := consistency.Classify(before, after, afterExists, addErr)
	report.Record(se.ArchivePath, reason)
	if reason == consistency.ReasonReadError {
		return nil // already recorded; packaging continues per skip_fail semantics
	}
	return nil
}

// scanSources walks every configured source in turn (sharing the same
// onEntry across sources so the packager and entry index accumulate one
// combined artifact set), taking an optional source snapshot per root.
func (e *Executor) scanSources(ctx context.Context, sources []types.Source, onEntry func(scanner.Entry) error, onProgress func(scanner.Entry)) error {
	for _, src := range sources {
		readRoot := src.Path
		var handle *snapshot.Handle
		if e.cfg.SnapshotConfig.Enabled {
			h, err := snapshot.Create(ctx, e.cfg.SnapshotConfig, src.Path, snapshot.ModeAuto)
			if err != nil {
				return fmt.Errorf("snapshot %q: %w", src.Path, err)
			}
			handle = h
			if handle != nil {
				readRoot = handle.ReadRoot
			}
		}

		_, err := scanner.Scan(scanner.Options{
			Paths:          []string{readRoot},
			Include:        src.Include,
			Exclude:        src.Exclude,
			SymlinkPolicy:  scanner.SymlinkKeep,
			HardlinkPolicy: scanner.HardlinkKeep,
			ErrorPolicy:    scanner.ErrorSkipFail,
			OnEntry: func(se scanner.Entry) error {
				err := onEntry(se)
				onProgress(se)
				return err
			},
		})
		if handle != nil {
			_ = handle.Cleanup()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) emitPackagingProgress(ctx context.Context, bus *events.Bus, files, dirs, bytesDone int64) {
	_ = bus.EmitPackagingProgress(ctx, events.Progress{
		Kind:  "backup",
		Stage: "packaging",
		Done:  events.ProgressCounts{Files: files, Dirs: dirs, Bytes: bytesDone},
	})
}

func (e *Executor) emitUploadProgress(ctx context.Context, bus *events.Bus, cumulative int64, finished bool) {
	_ = bus.EmitUploadProgress(ctx, events.Progress{
		Kind:  "backup",
		Stage: "upload",
		Done:  events.ProgressCounts{Bytes: cumulative},
	}, cumulative, finished)
}

func encryptionNameFor(spec wire.JobSpec) string {
	if spec.Pipeline.EncryptionKey != nil {
		return *spec.Pipeline.EncryptionKey
	}
	return ""
}

// buildUploadPlan assembles a targetstore.UploadPlan covering either the
// sealed archive parts (archive_v1) or every file under rawDataDir
// (raw_tree_v1), plus the entry index and manifest common to both.
func buildUploadPlan(stageDir, rawDataDir string, parts []partwriter.Part) (targetstore.UploadPlan, map[string]int64, error) {
	plan := targetstore.UploadPlan{
		EntryIndexPath: filepath.Join(stageDir, model.EntryIndexName),
		ManifestPath:   filepath.Join(stageDir, model.ManifestFilename),
	}
	sizes := map[string]int64{}

	if rawDataDir != "" {
		err := filepath.Walk(rawDataDir, func(p string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(rawDataDir, p)
			if err != nil {
				return err
			}
			relName := filepath.ToSlash(filepath.Join("data", rel))
			plan.PartPaths = append(plan.PartPaths, p)
			plan.PartRelNames = append(plan.PartRelNames, relName)
			sizes[relName] = info.Size()
			return nil
		})
		if err != nil {
			return plan, nil, fmt.Errorf("walk raw tree data: %w", err)
		}
		return plan, sizes, nil
	}

	for _, part := range parts {
		plan.PartPaths = append(plan.PartPaths, part.Path)
		plan.PartRelNames = append(plan.PartRelNames, part.Name)
		sizes[part.Name] = int64(part.Size)
	}
	return plan, sizes, nil
}
