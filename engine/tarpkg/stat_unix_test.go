//go:build linux || darwin

package tarpkg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bastion-backup/bastion/engine/model"
)

func TestApplyStatFieldsSetsModeMtimeAndOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("data"), 0o640); err != nil {
		t.Fatal(err)
	}
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}

	var rec model.EntryRecord
	applyStatFields(&rec, info)

	if rec.Mtime == nil {
		t.Fatalf("expected Mtime to be populated")
	}
	if rec.Mode == nil || *rec.Mode != 0o640 {
		t.Fatalf("expected Mode to be the file's permission bits, got %v", rec.Mode)
	}
	if rec.UID == nil || rec.GID == nil {
		t.Fatalf("expected UID/GID to be populated on a POSIX platform")
	}
}

func TestOwnerOfReportsRealUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.txt")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	uid, _, ok := ownerOf(info)
	if !ok {
		t.Fatalf("expected ownerOf to succeed on a real file")
	}
	if int(uid) != os.Getuid() {
		t.Fatalf("expected uid to match the current process owner, got %d want %d", uid, os.Getuid())
	}
}
