package wiring

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bastion-backup/bastion/engine/deletetask"
	"github.com/bastion-backup/bastion/engine/events"
	"github.com/bastion-backup/bastion/hub/internal/db"
	"github.com/bastion-backup/bastion/hub/internal/repositories"
	"github.com/bastion-backup/bastion/engine/targetstore"
)

type fakeJobRepo struct {
	enabled []db.Job
	events  []string
}

func (f *fakeJobRepo) Create(ctx context.Context, job *db.Job) error { return nil }
func (f *fakeJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) Update(ctx context.Context, job *db.Job) error { return nil }
func (f *fakeJobRepo) UpdateSchedule(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time) error {
	return nil
}
func (f *fakeJobRepo) Delete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeJobRepo) List(ctx context.Context, opts repositories.ListOptions) ([]db.Job, int64, error) {
	return nil, 0, nil
}
func (f *fakeJobRepo) ListByNode(ctx context.Context, nodeID uuid.UUID) ([]db.Job, error) {
	return nil, nil
}
func (f *fakeJobRepo) ListEnabled(ctx context.Context) ([]db.Job, error) { return f.enabled, nil }
func (f *fakeJobRepo) CreateRun(ctx context.Context, run *db.Run) error  { return nil }
func (f *fakeJobRepo) GetRun(ctx context.Context, id uuid.UUID) (*db.Run, error) {
	return nil, nil
}
func (f *fakeJobRepo) UpdateRunStatus(ctx context.Context, id uuid.UUID, status string, endedAt *time.Time, summaryJSON, errMsg string) error {
	return nil
}
func (f *fakeJobRepo) UpdateRunProgress(ctx context.Context, id uuid.UUID, progressJSON string) error {
	return nil
}
func (f *fakeJobRepo) ListRunsByJob(ctx context.Context, jobID uuid.UUID, opts repositories.ListOptions) ([]db.Run, int64, error) {
	return nil, 0, nil
}
func (f *fakeJobRepo) AppendEvent(ctx context.Context, runID string, level, kind, message string, fieldsJSON string) error {
	f.events = append(f.events, kind+":"+fieldsJSON)
	return nil
}
func (f *fakeJobRepo) ListEventsByRun(ctx context.Context, runID uuid.UUID) ([]db.RunEvent, error) {
	return nil, nil
}

type fakeArtifactRepo struct {
	byRunID map[uuid.UUID]*db.RunArtifact
	present []db.RunArtifact
	status  map[uuid.UUID]string
}

func newFakeArtifactRepo() *fakeArtifactRepo {
	return &fakeArtifactRepo{byRunID: map[uuid.UUID]*db.RunArtifact{}, status: map[uuid.UUID]string{}}
}

func (f *fakeArtifactRepo) Create(ctx context.Context, a *db.RunArtifact) error { return nil }
func (f *fakeArtifactRepo) GetByRunID(ctx context.Context, runID uuid.UUID) (*db.RunArtifact, error) {
	a, ok := f.byRunID[runID]
	if !ok {
		return nil, os.ErrNotExist
	}
	return a, nil
}
func (f *fakeArtifactRepo) UpdateStatus(ctx context.Context, runID uuid.UUID, status string, endedAt *time.Time, lastErr string) error {
	f.status[runID] = status
	return nil
}
func (f *fakeArtifactRepo) UpdateTotals(ctx context.Context, runID uuid.UUID, sourceFiles, sourceDirs, sourceBytes, transferBytes int64) error {
	return nil
}
func (f *fakeArtifactRepo) Pin(ctx context.Context, runID uuid.UUID, pinnedAt *time.Time) error {
	return nil
}
func (f *fakeArtifactRepo) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.RunArtifact, error) {
	return nil, nil
}
func (f *fakeArtifactRepo) ListPresentByJob(ctx context.Context, jobID uuid.UUID) ([]db.RunArtifact, error) {
	return f.present, nil
}

type fakeDeleteTaskRepo struct {
	enqueued  []*db.ArtifactDeleteTask
	claimable []db.ArtifactDeleteTask
	done      []uuid.UUID
	failed    map[uuid.UUID]int
}

func newFakeDeleteTaskRepo() *fakeDeleteTaskRepo {
	return &fakeDeleteTaskRepo{failed: map[uuid.UUID]int{}}
}

func (f *fakeDeleteTaskRepo) Enqueue(ctx context.Context, t *db.ArtifactDeleteTask) error {
	f.enqueued = append(f.enqueued, t)
	return nil
}
func (f *fakeDeleteTaskRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]db.ArtifactDeleteTask, error) {
	return f.claimable, nil
}
func (f *fakeDeleteTaskRepo) MarkDone(ctx context.Context, runID uuid.UUID) error {
	f.done = append(f.done, runID)
	return nil
}
func (f *fakeDeleteTaskRepo) MarkFailed(ctx context.Context, runID uuid.UUID, attempts int, nextAttemptAt time.Time, lastErr string) error {
	f.failed[runID] = attempts
	return nil
}
func (f *fakeDeleteTaskRepo) MarkIgnored(ctx context.Context, runID uuid.UUID, now time.Time) error {
	return nil
}
func (f *fakeDeleteTaskRepo) RetryNow(ctx context.Context, runID uuid.UUID) error { return nil }
func (f *fakeDeleteTaskRepo) AppendEvent(ctx context.Context, runID string, level, kind, message string, fieldsJSON string) error {
	return nil
}
func (f *fakeDeleteTaskRepo) CountQueuedToday(ctx context.Context, jobID uuid.UUID, since time.Time) (int, error) {
	return 0, nil
}

func TestEventStoreAppendEventStringifiesLevel(t *testing.T) {
	jobs := &fakeJobRepo{}
	es := &EventStore{Jobs: jobs}
	err := es.AppendEvent(context.Background(), "run1", events.LevelWarn, "packaging_stalled", "", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("AppendEvent returned error: %v", err)
	}
	if len(jobs.events) != 1 || jobs.events[0] != `packaging_stalled:{"a":1}` {
		t.Fatalf("unexpected recorded event: %v", jobs.events)
	}
}

func TestDeleteTaskStoreEnqueueFillsTargetFromArtifact(t *testing.T) {
	artifacts := newFakeArtifactRepo()
	tasks := newFakeDeleteTaskRepo()
	runID, jobID, nodeID := uuid.New(), uuid.New(), uuid.New()
	artifacts.byRunID[runID] = &db.RunArtifact{RunID: runID, TargetType: "local", TargetSnapshotJSON: `{"base_dir":"/data"}`}

	s := &DeleteTaskStore{Tasks: tasks, Artifacts: artifacts}
	err := s.Enqueue(context.Background(), deletetask.Task{RunID: runID.String(), JobID: jobID.String(), NodeID: nodeID.String()})
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	if len(tasks.enqueued) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(tasks.enqueued))
	}
	got := tasks.enqueued[0]
	if got.TargetType != "local" || got.TargetSnapshotJSON != `{"base_dir":"/data"}` {
		t.Fatalf("expected the target fields to be filled from the artifact, got %+v", got)
	}
	if got.Status != string(deletetask.StatusQueued) {
		t.Fatalf("expected status queued, got %q", got.Status)
	}
}

func TestDeleteTaskStoreEnqueueRejectsInvalidIDs(t *testing.T) {
	s := &DeleteTaskStore{Tasks: newFakeDeleteTaskRepo(), Artifacts: newFakeArtifactRepo()}
	err := s.Enqueue(context.Background(), deletetask.Task{RunID: "not-a-uuid", JobID: uuid.New().String(), NodeID: uuid.New().String()})
	if err == nil {
		t.Fatalf("expected an error for an invalid run id")
	}
}

func TestDeleteTaskStoreClaimDueConvertsRows(t *testing.T) {
	tasks := newFakeDeleteTaskRepo()
	runID, jobID, nodeID := uuid.New(), uuid.New(), uuid.New()
	tasks.claimable = []db.ArtifactDeleteTask{
		{RunID: runID, JobID: jobID, NodeID: nodeID, TargetType: "local", Status: "queued", Attempts: 1, LastError: "boom"},
	}
	s := &DeleteTaskStore{Tasks: tasks}
	got, err := s.ClaimDue(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDue returned error: %v", err)
	}
	if len(got) != 1 || got[0].RunID != runID.String() || got[0].LastError == nil || *got[0].LastError != "boom" {
		t.Fatalf("unexpected converted tasks: %+v", got)
	}
}

func TestDeleteTaskStoreMarkDoneAndArtifactStatus(t *testing.T) {
	tasks := newFakeDeleteTaskRepo()
	artifacts := newFakeArtifactRepo()
	s := &DeleteTaskStore{Tasks: tasks, Artifacts: artifacts}
	runID := uuid.New()

	if err := s.MarkDone(context.Background(), runID.String()); err != nil {
		t.Fatalf("MarkDone returned error: %v", err)
	}
	if len(tasks.done) != 1 || tasks.done[0] != runID {
		t.Fatalf("expected the task store to record done, got %v", tasks.done)
	}

	if err := s.MarkArtifactDeleted(context.Background(), runID.String()); err != nil {
		t.Fatalf("MarkArtifactDeleted returned error: %v", err)
	}
	if artifacts.status[runID] != "deleted" {
		t.Fatalf("expected the artifact status to be set to deleted, got %q", artifacts.status[runID])
	}

	if err := s.MarkArtifactMissing(context.Background(), runID.String()); err != nil {
		t.Fatalf("MarkArtifactMissing returned error: %v", err)
	}
	if artifacts.status[runID] != "missing" {
		t.Fatalf("expected the artifact status to be set to missing, got %q", artifacts.status[runID])
	}
}

func TestRetentionSourceFiltersDisabledJobs(t *testing.T) {
	jobID1, jobID2 := uuid.New(), uuid.New()
	jobs := &fakeJobRepo{enabled: []db.Job{
		{RetentionEnabled: true, RetentionKeepLast: 3},
		{RetentionEnabled: false},
	}}
	jobs.enabled[0].ID = jobID1
	jobs.enabled[1].ID = jobID2

	src := &RetentionSource{Jobs: jobs}
	out, err := src.RetentionEnabledJobs(context.Background())
	if err != nil {
		t.Fatalf("RetentionEnabledJobs returned error: %v", err)
	}
	if len(out) != 1 || out[0].ID != jobID1.String() || out[0].Policy.KeepLast != 3 {
		t.Fatalf("expected only the retention-enabled job, got %+v", out)
	}
}

func TestRetentionSourcePresentSnapshotsRespectsLimit(t *testing.T) {
	artifacts := newFakeArtifactRepo()
	started := time.Now()
	for i := 0; i < 5; i++ {
		artifacts.present = append(artifacts.present, db.RunArtifact{RunID: uuid.New(), StartedAt: started})
	}
	src := &RetentionSource{Artifacts: artifacts}
	out, err := src.PresentSnapshots(context.Background(), uuid.New().String(), 2)
	if err != nil {
		t.Fatalf("PresentSnapshots returned error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected the limit to cap the result to 2, got %d", len(out))
	}
}

func TestRetentionSourcePresentSnapshotsUsesEndedAtWhenSet(t *testing.T) {
	artifacts := newFakeArtifactRepo()
	started := time.Now().Add(-time.Hour)
	ended := time.Now()
	artifacts.present = []db.RunArtifact{{RunID: uuid.New(), StartedAt: started, EndedAt: &ended, PinnedAt: &ended}}
	src := &RetentionSource{Artifacts: artifacts}
	out, err := src.PresentSnapshots(context.Background(), uuid.New().String(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || !out[0].EndedAt.Equal(ended) || !out[0].Pinned {
		t.Fatalf("expected EndedAt/Pinned to reflect the artifact row, got %+v", out)
	}
}

func TestMarkDeletingSetsStatus(t *testing.T) {
	artifacts := newFakeArtifactRepo()
	runID := uuid.New()
	fn := MarkDeleting(artifacts)
	if err := fn(context.Background(), runID.String()); err != nil {
		t.Fatalf("MarkDeleting func returned error: %v", err)
	}
	if artifacts.status[runID] != "deleting" {
		t.Fatalf("expected status deleting, got %q", artifacts.status[runID])
	}
}

func TestBuildStoreResolvesLocalAndWebdav(t *testing.T) {
	local, err := buildStore("local", `{"base_dir":"/tmp/x"}`)
	if err != nil {
		t.Fatalf("buildStore(local) returned error: %v", err)
	}
	if ld, ok := local.(*targetstore.LocalDir); !ok || ld.BaseDir != "/tmp/x" {
		t.Fatalf("expected a LocalDir with base_dir /tmp/x, got %+v", local)
	}

	webdav, err := buildStore("webdav", `{"base_url":"https://example.com","credentials":"{\"username\":\"u\",\"password\":\"p\"}"}`)
	if err != nil {
		t.Fatalf("buildStore(webdav) returned error: %v", err)
	}
	wd, ok := webdav.(*targetstore.WebDAV)
	if !ok || wd.BaseURL != "https://example.com" || wd.Username != "u" || wd.Password != "p" {
		t.Fatalf("unexpected webdav store: %+v", webdav)
	}
}

func TestBuildStoreRejectsUnsupportedType(t *testing.T) {
	if _, err := buildStore("s3", ""); err == nil {
		t.Fatalf("expected an error for an unsupported target type")
	}
}

func TestTargetDeleterDeleteReturnsMissingWhenArtifactAbsent(t *testing.T) {
	base := t.TempDir()
	snap, _ := json.Marshal(map[string]string{"base_dir": base})
	task := deletetask.Task{JobID: "job1", RunID: "run1", TargetType: "local", TargetSnapshotJSON: string(snap)}

	err := TargetDeleter{}.Delete(context.Background(), task)
	if err != targetstore.ErrMissingTarget {
		t.Fatalf("expected ErrMissingTarget, got %v", err)
	}
}

func TestTargetDeleterDeleteRemovesExistingArtifact(t *testing.T) {
	base := t.TempDir()
	artifactDir := filepath.Join(base, "job1", "run1")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(artifactDir, "manifest.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, _ := json.Marshal(map[string]string{"base_dir": base})
	task := deletetask.Task{JobID: "job1", RunID: "run1", TargetType: "local", TargetSnapshotJSON: string(snap)}

	if err := (TargetDeleter{}).Delete(context.Background(), task); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := os.Stat(artifactDir); !os.IsNotExist(err) {
		t.Fatalf("expected the artifact directory to be removed")
	}
}
