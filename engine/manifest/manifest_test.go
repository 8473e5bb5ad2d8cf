package manifest

import (
	"testing"
	"time"

	"github.com/bastion-backup/bastion/engine/model"
)

func sampleManifest() model.Manifest {
	return model.Manifest{
		JobID:     "job-1",
		RunID:     "run-1",
		StartedAt: time.Unix(1000, 0).UTC(),
		EndedAt:   time.Unix(2000, 0).UTC(),
		Pipeline:  model.PipelineConfig{Format: model.FormatArchiveV1},
		Artifacts: []model.ArtifactRef{{Name: "payload.part000001", Size: 10, HashAlg: "sha256", Hash: "abc"}},
		EntryIndex: model.EntryIndexRef{Name: model.EntryIndexName, Count: 1},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := sampleManifest()

	if err := Write(dir, m); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	got, err := Read(dir)
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
	if got.JobID != m.JobID || got.RunID != m.RunID {
		t.Fatalf("round-tripped manifest mismatch: %+v", got)
	}
	if got.FormatVersion != model.FormatVersion {
		t.Fatalf("expected FormatVersion to default to %d, got %d", model.FormatVersion, got.FormatVersion)
	}
}

func TestReadRejectsUnknownFormatVersion(t *testing.T) {
	dir := t.TempDir()
	m := sampleManifest()
	m.FormatVersion = 99
	if err := Write(dir, m); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(dir); err == nil {
		t.Fatalf("expected error reading an unknown manifest format_version")
	}
}

func TestHasSentinel(t *testing.T) {
	dir := t.TempDir()
	if HasSentinel(dir) {
		t.Fatalf("expected no sentinel in a fresh directory")
	}
	if err := WriteSentinel(dir); err != nil {
		t.Fatalf("WriteSentinel returned error: %v", err)
	}
	if !HasSentinel(dir) {
		t.Fatalf("expected sentinel to be present after WriteSentinel")
	}
}

func TestReadMissingManifestFails(t *testing.T) {
	dir := t.TempDir()
	if _, err := Read(dir); err == nil {
		t.Fatalf("expected error reading a missing manifest")
	}
}
