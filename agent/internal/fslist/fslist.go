// Package fslist answers fs_list requests from the hub (§6.3): a live,
// one-level directory listing of this node's filesystem, used when an
// operator is configuring a new filesystem source and needs to browse the
// agent's disk from the hub UI.
package fslist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bastion-backup/bastion/shared/wire"
)

// Lister lists the immediate children of a directory on the local
// filesystem, reporting each as a wire.FSEntry.
type Lister struct {
	// Roots restricts browsing to these prefixes, if non-empty. An empty
	// Roots allows browsing anywhere the process can read.
	Roots []string
}

// List returns the immediate children of path, sorted by name (the order
// os.ReadDir returns). A symlink to a directory is reported as a dir; any
// other symlink, including a broken one, is reported as a file whose size
// is the link's own size.
func (l *Lister) List(path string) ([]wire.FSEntry, error) {
	if path == "" {
		path = string(filepath.Separator)
	}
	if err := l.checkAllowed(path); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("fslist: read dir %q: %w", path, err)
	}

	entries := make([]wire.FSEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			// Vanished between readdir and stat, or a permission error on a
			// single entry — skip it rather than failing the whole listing.
			continue
		}
		kind := "file"
		var size *int64
		if info.IsDir() || (info.Mode()&os.ModeSymlink != 0 && isDir(filepath.Join(path, de.Name()))) {
			kind = "dir"
		} else {
			s := info.Size()
			size = &s
		}
		entries = append(entries, wire.FSEntry{Name: de.Name(), Kind: kind, Size: size})
	}
	return entries, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (l *Lister) checkAllowed(path string) error {
	if len(l.Roots) == 0 {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("fslist: resolve %q: %w", path, err)
	}
	for _, root := range l.Roots {
		rootAbs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if abs == rootAbs || filepathHasPrefix(abs, rootAbs) {
			return nil
		}
	}
	return fmt.Errorf("fslist: %q is outside the configured browse roots", path)
}

func filepathHasPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
