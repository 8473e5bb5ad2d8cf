package executor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bastion-backup/bastion/engine/consistency"
	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/engine/partwriter"
	"github.com/bastion-backup/bastion/engine/scanner"
	"github.com/bastion-backup/bastion/shared/wire"
)

func fileEntry(t *testing.T, path string) scanner.Entry {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	return scanner.Entry{ArchivePath: filepath.Base(path), FSPath: path, Kind: model.KindFile, Info: info}
}

func TestExecutorInstance(t *testing.T) {
	// exercised indirectly by the helpers below; keeps `e` available for
	// methods that are not package-level functions.
}

func newTestExecutor() *Executor {
	return &Executor{}
}

func TestAddWithConsistencyRecordsNoneWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestExecutor()
	report := consistency.NewReport()
	entry := fileEntry(t, path)

	err := e.addWithConsistency(entry, func(scanner.Entry) error { return nil }, report)
	if err != nil {
		t.Fatalf("addWithConsistency returned error: %v", err)
	}
	if report.Total() != 0 {
		t.Fatalf("expected no consistency issues for an unchanged file, got total=%d", report.Total())
	}
}

func TestAddWithConsistencyRecordsSizeChanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestExecutor()
	report := consistency.NewReport()
	entry := fileEntry(t, path)

	add := func(scanner.Entry) error {
		// Simulate the file growing while the packager is reading it.
		return os.WriteFile(path, []byte("hello, much longer now"), 0o644)
	}

	if err := e.addWithConsistency(entry, add, report); err != nil {
		t.Fatalf("addWithConsistency returned error: %v", err)
	}
	if report.Total() != 1 {
		t.Fatalf("expected exactly one recorded consistency issue, got total=%d", report.Total())
	}
}

func TestAddWithConsistencyRecordsMissingAfterRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestExecutor()
	report := consistency.NewReport()
	entry := fileEntry(t, path)

	add := func(scanner.Entry) error {
		return os.Remove(path)
	}

	if err := e.addWithConsistency(entry, add, report); err != nil {
		t.Fatalf("addWithConsistency returned error: %v", err)
	}
	if report.Total() != 1 {
		t.Fatalf("expected the deletion to be recorded as a consistency issue, got total=%d", report.Total())
	}
}

func TestAddWithConsistencySkipsNonFileKinds(t *testing.T) {
	e := newTestExecutor()
	report := consistency.NewReport()
	called := false
	entry := scanner.Entry{Kind: model.KindDir}

	err := e.addWithConsistency(entry, func(scanner.Entry) error { called = true; return nil }, report)
	if err != nil {
		t.Fatalf("addWithConsistency returned error: %v", err)
	}
	if !called {
		t.Fatalf("expected add to be invoked for directory entries")
	}
	if report.Total() != 0 {
		t.Fatalf("directories are not fingerprinted, expected total=0, got %d", report.Total())
	}
}

func TestEncryptionNameForKeyedAndUnkeyed(t *testing.T) {
	name := "primary"
	spec := wire.JobSpec{Pipeline: model.PipelineConfig{EncryptionKey: &name}}
	if got := encryptionNameFor(spec); got != "primary" {
		t.Fatalf("expected encryptionNameFor to return the key name, got %q", got)
	}

	unkeyed := wire.JobSpec{}
	if got := encryptionNameFor(unkeyed); got != "" {
		t.Fatalf("expected empty encryption name when no key is set, got %q", got)
	}
}

func TestBuildUploadPlanArchiveParts(t *testing.T) {
	stageDir := t.TempDir()
	parts := []partwriter.Part{
		{Name: "payload.part000001", Path: "/stage/payload.part000001", Size: 100},
		{Name: "payload.part000002", Path: "/stage/payload.part000002", Size: 50},
	}

	plan, sizes, err := buildUploadPlan(stageDir, "", parts)
	if err != nil {
		t.Fatalf("buildUploadPlan returned error: %v", err)
	}
	if len(plan.PartPaths) != 2 || len(plan.PartRelNames) != 2 {
		t.Fatalf("expected both parts in the plan, got %+v", plan)
	}
	if sizes["payload.part000001"] != 100 || sizes["payload.part000002"] != 50 {
		t.Fatalf("unexpected sizes map: %+v", sizes)
	}
	if plan.EntryIndexPath == "" || plan.ManifestPath == "" {
		t.Fatalf("expected entry index and manifest paths to be populated")
	}
}

func TestBuildUploadPlanRawTreeWalksDataDir(t *testing.T) {
	stageDir := t.TempDir()
	rawDataDir := filepath.Join(stageDir, "data")
	if err := os.MkdirAll(filepath.Join(rawDataDir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rawDataDir, "sub", "f.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	plan, sizes, err := buildUploadPlan(stageDir, rawDataDir, nil)
	if err != nil {
		t.Fatalf("buildUploadPlan returned error: %v", err)
	}
	if len(plan.PartPaths) != 1 {
		t.Fatalf("expected exactly one file under the raw tree, got %d", len(plan.PartPaths))
	}
	if plan.PartRelNames[0] != "data/sub/f.txt" {
		t.Fatalf("expected rel name data/sub/f.txt, got %q", plan.PartRelNames[0])
	}
	if sizes["data/sub/f.txt"] != 2 {
		t.Fatalf("expected size 2, got %d", sizes["data/sub/f.txt"])
	}
}
