package managedconfig

import (
	"encoding/json"
	"testing"
	"time"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dataDir := t.TempDir()
	key := testKey()
	snap := Snapshot{Version: 3, UpdatedAt: time.Unix(1000, 0).UTC(), Jobs: json.RawMessage(`[{"id":"job-1"}]`)}

	if err := Save(dataDir, snap, key); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	got, err := Load(dataDir, key)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a non-nil snapshot")
	}
	if got.Version != 3 {
		t.Fatalf("expected version 3, got %d", got.Version)
	}
	if string(got.Jobs) != string(snap.Jobs) {
		t.Fatalf("expected jobs payload to round-trip, got %s", got.Jobs)
	}
}

func TestLoadMissingSnapshotReturnsNilNil(t *testing.T) {
	snap, err := Load(t.TempDir(), testKey())
	if err != nil {
		t.Fatalf("expected no error loading a missing snapshot, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected a nil snapshot, got %+v", snap)
	}
}

func TestLoadWithWrongKeyFails(t *testing.T) {
	dataDir := t.TempDir()
	key := testKey()
	if err := Save(dataDir, Snapshot{Version: 1}, key); err != nil {
		t.Fatal(err)
	}

	wrongKey := testKey()
	wrongKey[0] ^= 0xFF
	if _, err := Load(dataDir, wrongKey); err == nil {
		t.Fatalf("expected decryption to fail with the wrong key")
	}
}

func TestNeedsRefresh(t *testing.T) {
	if !NeedsRefresh(nil, 5) {
		t.Fatalf("expected a nil snapshot to always need a refresh")
	}
	if !NeedsRefresh(&Snapshot{Version: 4}, 5) {
		t.Fatalf("expected a stale snapshot to need a refresh")
	}
	if NeedsRefresh(&Snapshot{Version: 5}, 5) {
		t.Fatalf("expected an up to date snapshot to not need a refresh")
	}
}
