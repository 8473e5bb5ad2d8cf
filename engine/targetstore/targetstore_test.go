package targetstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

type recordingStore struct {
	puts    []string
	content map[string]int64
}

func newRecordingStore() *recordingStore {
	return &recordingStore{content: map[string]int64{}}
}

func (s *recordingStore) Put(ctx context.Context, relPath, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	s.puts = append(s.puts, relPath)
	s.content[relPath] = info.Size()
	return nil
}

func (s *recordingStore) Stat(ctx context.Context, relPath string) (int64, bool, error) {
	size, ok := s.content[relPath]
	return size, ok, nil
}

func (s *recordingStore) Get(ctx context.Context, relPath, localPath string) error { return nil }
func (s *recordingStore) Delete(ctx context.Context, relPath string) error         { return nil }
func (s *recordingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.puts, nil
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadOrdersPartsThenIndexThenManifest(t *testing.T) {
	store := newRecordingStore()
	plan := UploadPlan{
		PartPaths:      []string{writeTempFile(t, "part1"), writeTempFile(t, "part2")},
		PartRelNames:   []string{"payload.part000001", "payload.part000002"},
		EntryIndexPath: writeTempFile(t, "index"),
		ManifestPath:   writeTempFile(t, "manifest"),
	}

	var progressCalls []int64
	err := Upload(context.Background(), store, "job/run", plan, nil, func(c int64) { progressCalls = append(progressCalls, c) })
	if err != nil {
		t.Fatalf("Upload returned error: %v", err)
	}

	want := []string{
		"job/run/payload.part000001",
		"job/run/payload.part000002",
		"job/run/entries_index.jsonl.zst",
		"job/run/manifest.json",
	}
	if len(store.puts) != len(want) {
		t.Fatalf("expected %d puts, got %d: %v", len(want), len(store.puts), store.puts)
	}
	for i, rel := range want {
		if store.puts[i] != rel {
			t.Fatalf("expected put #%d to be %q, got %q", i, rel, store.puts[i])
		}
	}
	if len(progressCalls) != len(want) {
		t.Fatalf("expected one progress callback per put, got %d", len(progressCalls))
	}
}

func TestUploadVerifiesSizeWhenKnown(t *testing.T) {
	store := newRecordingStore()
	plan := UploadPlan{
		PartPaths:    []string{writeTempFile(t, "short")},
		PartRelNames: []string{"payload.part000001"},
	}
	sizes := map[string]int64{"payload.part000001": 9999}

	err := Upload(context.Background(), store, "job/run", plan, sizes, nil)
	if err == nil {
		t.Fatalf("expected a size mismatch error")
	}
}

func TestUploadSkipsSizeCheckWhenSizeUnknown(t *testing.T) {
	store := newRecordingStore()
	plan := UploadPlan{
		PartPaths:    []string{writeTempFile(t, "short")},
		PartRelNames: []string{"payload.part000001"},
	}
	err := Upload(context.Background(), store, "job/run", plan, nil, nil)
	if err != nil {
		t.Fatalf("expected no error without a sizes map, got %v", err)
	}
}

func TestUploadSentinelUploadsLast(t *testing.T) {
	store := newRecordingStore()
	sentinel := writeTempFile(t, "{}")
	if err := UploadSentinel(context.Background(), store, "job/run", sentinel); err != nil {
		t.Fatalf("UploadSentinel returned error: %v", err)
	}
	if len(store.puts) != 1 || store.puts[0] != "job/run/complete.json" {
		t.Fatalf("expected complete.json to be uploaded, got %v", store.puts)
	}
}

func TestLocalDirPutStatGetDelete(t *testing.T) {
	base := t.TempDir()
	ld := NewLocalDir(base)
	ctx := context.Background()

	src := writeTempFile(t, "hello world")
	if err := ld.Put(ctx, "a/b.txt", src); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	size, ok, err := ld.Stat(ctx, "a/b.txt")
	if err != nil || !ok || size != 11 {
		t.Fatalf("expected Stat to report size 11, got size=%d ok=%v err=%v", size, ok, err)
	}

	dst := filepath.Join(t.TempDir(), "out.txt")
	if err := ld.Get(ctx, "a/b.txt", dst); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "hello world" {
		t.Fatalf("unexpected Get content: %q (err=%v)", data, err)
	}

	names, err := ld.List(ctx, "a")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(names) != 1 || names[0] != "a/b.txt" {
		t.Fatalf("expected List to return [a/b.txt], got %v", names)
	}

	if err := ld.Delete(ctx, "a/b.txt"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok, _ := ld.Stat(ctx, "a/b.txt"); ok {
		t.Fatalf("expected the file to be gone after Delete")
	}
}

func TestLocalDirStatMissingFileReturnsFalse(t *testing.T) {
	ld := NewLocalDir(t.TempDir())
	_, ok, err := ld.Stat(context.Background(), "missing.txt")
	if err != nil {
		t.Fatalf("expected no error for a missing file, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a missing file")
	}
}

func TestLocalDirLeavesNoPartialFiles(t *testing.T) {
	base := t.TempDir()
	ld := NewLocalDir(base)
	src := writeTempFile(t, "data")
	if err := ld.Put(context.Background(), "x.txt", src); err != nil {
		t.Fatal(err)
	}
	matches, _ := filepath.Glob(filepath.Join(base, "*.partial"))
	if len(matches) != 0 {
		t.Fatalf("expected no leftover .partial files, found %v", matches)
	}
}

func TestErrMissingTargetSentinel(t *testing.T) {
	if ErrMissingTarget == nil {
		t.Fatalf("expected ErrMissingTarget to be a non-nil sentinel error")
	}
	wrapped := fmt.Errorf("wrapped: %w", ErrMissingTarget)
	if wrapped == nil {
		t.Fatalf("sanity check failed")
	}
}
