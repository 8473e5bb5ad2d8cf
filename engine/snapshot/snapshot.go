// Package snapshot implements the optional quiescent source-snapshot
// provider (C8). Only a btrfs backend is implemented, shelling out to the
// btrfs CLI; there is no provider interface for other backends.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Mode controls whether a snapshot is required, attempted, or skipped.
type Mode string

const (
	ModeOff      Mode = "off"
	ModeAuto     Mode = "auto"
	ModeRequired Mode = "required"
)

// Handle owns a snapshot's on-disk mount point. Cleanup MUST be called on
// every exit path; it is idempotent.
type Handle struct {
	// OriginalRoot is the source path packaging should record archive
	// paths against.
	OriginalRoot string
	// ReadRoot is the path packaging should actually read bytes from.
	ReadRoot string

	cleanup func() error
	done    bool
}

// Cleanup releases the snapshot (btrfs subvolume delete). Safe to call
// more than once.
func (h *Handle) Cleanup() error {
	if h.done || h.cleanup == nil {
		return nil
	}
	h.done = true
	return h.cleanup()
}

// Config configures the btrfs provider.
type Config struct {
	Enabled   bool     // BASTION_FS_SNAPSHOT_BTRFS_ENABLED
	Allowlist []string // BASTION_FS_SNAPSHOT_ALLOWLIST, comma-separated path prefixes
	RunDir    string   // <run_dir>; snapshot created under RunDir/source_snapshot/btrfs
}

// Probe reports whether a btrfs snapshot can be taken of root: the env
// flag must be enabled, root must fall under the allowlist, and
// `btrfs subvolume show <root>` must succeed.
func Probe(ctx context.Context, cfg Config, root string) bool {
	if !cfg.Enabled {
		return false
	}
	if !underAllowlist(cfg.Allowlist, root) {
		return false
	}
	cmd := exec.CommandContext(ctx, "btrfs", "subvolume", "show", root)
	return cmd.Run() == nil
}

// Create takes a read-only btrfs snapshot of root under
// cfg.RunDir/source_snapshot/btrfs and returns a Handle. mode determines
// failure behavior when the probe fails: Required returns an error,
// Auto returns (nil, nil) so the caller falls back to live-source reads
// with a warning, Off never calls Create.
func Create(ctx context.Context, cfg Config, root string, mode Mode) (*Handle, error) {
	if mode == ModeOff {
		return nil, nil
	}

	if !Probe(ctx, cfg, root) {
		if mode == ModeRequired {
			return nil, fmt.Errorf("snapshot: btrfs snapshot required but unavailable for %q", root)
		}
		return nil, nil
	}

	snapDir := filepath.Join(cfg.RunDir, "source_snapshot", "btrfs")
	if err := os.MkdirAll(filepath.Dir(snapDir), 0o755); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir %q: %w", filepath.Dir(snapDir), err)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "btrfs", "subvolume", "snapshot", "-r", root, snapDir)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if mode == ModeRequired {
			return nil, fmt.Errorf("snapshot: btrfs subvolume snapshot failed: %w: %s", err, stderr.String())
		}
		return nil, nil
	}

	return &Handle{
		OriginalRoot: root,
		ReadRoot:     snapDir,
		cleanup: func() error {
			var delStderr bytes.Buffer
			delCmd := exec.Command("btrfs", "subvolume", "delete", snapDir)
			delCmd.Stderr = &delStderr
			if err := delCmd.Run(); err != nil {
				return fmt.Errorf("snapshot: btrfs subvolume delete failed: %w: %s", err, delStderr.String())
			}
			return nil
		},
	}, nil
}

func underAllowlist(allowlist []string, root string) bool {
	for _, prefix := range allowlist {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			continue
		}
		if root == prefix || strings.HasPrefix(root, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}
