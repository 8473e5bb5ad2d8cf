// Package managedconfig implements the agent-side managed-config snapshot
// (C19): an encrypted local cache of the job specs the hub has pushed down,
// so the offline scheduler can still run jobs when disconnected, plus the
// config_ack bookkeeping that lets the hub know which version an agent is
// actually running against.
package managedconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bastion-backup/bastion/engine/pipeline"
)

// Snapshot is the cached payload: every job spec the hub has assigned to
// this agent, plus the version it was pushed at.
type Snapshot struct {
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Jobs      json.RawMessage `json:"jobs"`
}

const fileName = "managed_config.bin"

func path(dataDir string) string {
	return filepath.Join(dataDir, "agent", fileName)
}

// Save encrypts and atomically persists snap under dataDir, keyed by key
// (32 bytes; the agent passes its keyring's active key).
func Save(dataDir string, snap Snapshot, key []byte) error {
	plain, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("managedconfig: marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path(dataDir)), 0o700); err != nil {
		return fmt.Errorf("managedconfig: mkdir: %w", err)
	}
	tmp := path(dataDir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("managedconfig: open %q: %w", tmp, err)
	}

	enc, err := pipeline.NewEncryptWriter(f, key)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("managedconfig: new encrypt writer: %w", err)
	}
	if _, err := enc.Write(plain); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("managedconfig: write: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("managedconfig: close encrypt writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("managedconfig: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("managedconfig: close: %w", err)
	}
	if err := os.Rename(tmp, path(dataDir)); err != nil {
		return fmt.Errorf("managedconfig: rename into place: %w", err)
	}
	return nil
}

// Load decrypts and returns the cached snapshot, or (nil, nil) if no
// snapshot has ever been saved (a fresh agent with no offline cache yet).
func Load(dataDir string, key []byte) (*Snapshot, error) {
	f, err := os.Open(path(dataDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("managedconfig: open: %w", err)
	}
	defer f.Close()

	dec, err := pipeline.NewDecryptReader(f, key)
	if err != nil {
		return nil, fmt.Errorf("managedconfig: new decrypt reader: %w", err)
	}
	plain, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("managedconfig: decrypt: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("managedconfig: unmarshal: %w", err)
	}
	return &snap, nil
}

// Ack is the agent -> hub config_ack message body: it reports the version
// the agent has actually applied, so the hub can detect agents that are
// running stale config after a push failed or was missed while offline.
type Ack struct {
	AgentID        string    `json:"agent_id"`
	AppliedVersion int64     `json:"applied_version"`
	AckedAt        time.Time `json:"acked_at"`
}

// NeedsRefresh reports whether the cached snapshot (possibly nil, meaning
// no cache at all) is behind hubVersion.
func NeedsRefresh(snap *Snapshot, hubVersion int64) bool {
	if snap == nil {
		return true
	}
	return snap.Version < hubVersion
}
