// Package manifest writes and reads manifest.json and complete.json: the
// single JSON document describing a run's artifact set, and the sentinel
// whose presence marks the run committed.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bastion-backup/bastion/engine/model"
)

// Write atomically writes manifest.json into dir (temp file + rename).
func Write(dir string, m model.Manifest) error {
	if m.FormatVersion == 0 {
		m.FormatVersion = model.FormatVersion
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	return writeAtomic(filepath.Join(dir, model.ManifestFilename), data, 0o644)
}

// WriteSentinel writes complete.json. It MUST be called only after Write
// has succeeded: the sentinel is the commit point.
func WriteSentinel(dir string) error {
	return writeAtomic(filepath.Join(dir, model.SentinelFilename), []byte("{}"), 0o644)
}

// Read loads and validates manifest.json from dir, rejecting unknown
// format versions.
func Read(dir string) (*model.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, model.ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("manifest: read: %w", err)
	}
	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: unmarshal: %w", err)
	}
	if m.FormatVersion != model.FormatVersion {
		return nil, fmt.Errorf("manifest: unknown format_version %d", m.FormatVersion)
	}
	return &m, nil
}

// HasSentinel reports whether complete.json exists in dir.
func HasSentinel(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, model.SentinelFilename))
	return err == nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("manifest: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("manifest: rename %s: %w", tmp, err)
	}
	return nil
}
