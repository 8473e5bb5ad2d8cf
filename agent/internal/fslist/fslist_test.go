package fslist

import (
	"os"
	"path/filepath"
	"testing"
)

func TestListReportsFilesAndDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	l := &Lister{}
	entries, err := l.List(dir)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	byName := map[string]int{}
	for i, e := range entries {
		byName[e.Name] = i
	}
	file := entries[byName["a.txt"]]
	if file.Kind != "file" || file.Size == nil || *file.Size != 2 {
		t.Fatalf("unexpected file entry: %+v", file)
	}
	dirEntry := entries[byName["sub"]]
	if dirEntry.Kind != "dir" || dirEntry.Size != nil {
		t.Fatalf("unexpected dir entry: %+v", dirEntry)
	}
}

func TestListRejectsPathOutsideRoots(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	l := &Lister{Roots: []string{root}}
	if _, err := l.List(outside); err == nil {
		t.Fatalf("expected error for a path outside the configured roots")
	}
}

func TestListAllowsPathUnderRoots(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "child")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	l := &Lister{Roots: []string{root}}
	if _, err := l.List(sub); err != nil {
		t.Fatalf("expected List to allow a path under an allowed root: %v", err)
	}
}

func TestListUnreadableDirectoryFails(t *testing.T) {
	l := &Lister{}
	if _, err := l.List(filepath.Join(t.TempDir(), "does-not-exist")); err == nil {
		t.Fatalf("expected error for a nonexistent directory")
	}
}
