// Package rawtree implements the raw-tree packager (C6): an alternative to
// the tar/archive pipeline that mirrors the source as a plain directory
// tree under stage/data/<archive-path>, with no compression or encryption.
package rawtree

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/engine/scanner"
	"github.com/bastion-backup/bastion/engine/xattr"
)

// Packager writes scanned entries under dataDir (normally <stage>/data).
type Packager struct {
	dataDir   string
	hardlinks map[scanner.FileID]string // first archive path seen per (dev, ino)
	seenPaths map[string]bool
	onEntry   func(model.EntryRecord)
	onWarning func(path, message string)

	DataFiles int64
	DataBytes int64
}

func New(dataDir string, onEntry func(model.EntryRecord), onWarning func(path, message string)) *Packager {
	return &Packager{
		dataDir:   dataDir,
		hardlinks: make(map[scanner.FileID]string),
		seenPaths: make(map[string]bool),
		onEntry:   onEntry,
		onWarning: onWarning,
	}
}

func (p *Packager) Add(e scanner.Entry) error {
	if p.seenPaths[e.ArchivePath] {
		p.warn(e.ArchivePath, fmt.Sprintf("duplicate archive path %q: first occurrence wins", e.ArchivePath))
		return nil
	}
	p.seenPaths[e.ArchivePath] = true

	dest := filepath.Join(p.dataDir, filepath.FromSlash(e.ArchivePath))

	switch e.Kind {
	case model.KindDir:
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("rawtree: mkdir %q: %w", dest, err)
		}
		p.restoreMeta(dest, e)
		p.emit(e, nil, "")
		return nil
	case model.KindSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("rawtree: mkdir parent of %q: %w", dest, err)
		}
		if err := os.Symlink(e.SymlinkTarget, dest); err != nil {
			return fmt.Errorf("rawtree: symlink %q: %w", dest, err)
		}
		p.emit(e, nil, e.SymlinkTarget)
		return nil
	default:
		return p.addFile(dest, e)
	}
}

func (p *Packager) addFile(dest string, e scanner.Entry) error {
	var hardlinkGroup string
	if e.ID.Ok && e.Nlink > 1 {
		if first, ok := p.hardlinks[e.ID]; ok {
			hardlinkGroup = first
		} else {
			p.hardlinks[e.ID] = e.ArchivePath
		}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("rawtree: mkdir parent of %q: %w", dest, err)
	}

	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("rawtree: create %q: %w", partial, err)
	}

	src, err := os.Open(e.FSPath)
	if err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("rawtree: open %q: %w", e.FSPath, err)
	}

	_, copyErr := io.Copy(out, src)
	src.Close()
	syncErr := out.Sync()
	closeErr := out.Close()
	if copyErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(partial)
		if copyErr != nil {
			return fmt.Errorf("rawtree: copy %q: %w", e.FSPath, copyErr)
		}
		if syncErr != nil {
			return fmt.Errorf("rawtree: sync %q: %w", partial, syncErr)
		}
		return fmt.Errorf("rawtree: close %q: %w", partial, closeErr)
	}

	if err := os.Rename(partial, dest); err != nil {
		return fmt.Errorf("rawtree: rename %q: %w", partial, err)
	}

	p.restoreMeta(dest, e)

	p.DataFiles++
	p.DataBytes += e.Size

	var hlg *string
	if hardlinkGroup != "" {
		hlg = &hardlinkGroup
	}
	p.emitHardlink(e, hlg)
	return nil
}

// restoreMeta applies mode and xattrs best-effort; errors are swallowed
// because raw-tree metadata preservation is explicitly best-effort and
// platform-dependent per spec.
func (p *Packager) restoreMeta(dest string, e scanner.Entry) {
	_ = os.Chmod(dest, e.Info.Mode().Perm())
	names, _ := xattr.List(e.FSPath)
	for _, name := range names {
		if val, ok := xattr.Get(e.FSPath, name); ok {
			_ = xattr.Set(dest, name, val)
		}
	}
}

func (p *Packager) emit(e scanner.Entry, hash *string, symlinkTarget string) {
	p.emitFull(e, hash, symlinkTarget, nil)
}

func (p *Packager) emitHardlink(e scanner.Entry, hardlinkGroup *string) {
	p.emitFull(e, nil, "", hardlinkGroup)
}

func (p *Packager) emitFull(e scanner.Entry, hash *string, symlinkTarget string, hardlinkGroup *string) {
	if p.onEntry == nil {
		return
	}
	rec := model.EntryRecord{
		Path: e.ArchivePath,
		Kind: e.Kind,
		Size: uint64(e.Size),
	}
	if hash != nil {
		alg := model.HashAlgBlake3
		rec.HashAlg = &alg
		rec.Hash = hash
	}
	if symlinkTarget != "" {
		rec.SymlinkTarget = &symlinkTarget
	}
	rec.HardlinkGroup = hardlinkGroup
	mtime := e.Info.ModTime()
	rec.Mtime = &mtime
	mode := uint32(e.Info.Mode().Perm())
	rec.Mode = &mode
	p.onEntry(rec)
}

func (p *Packager) warn(path, message string) {
	if p.onWarning != nil {
		p.onWarning(path, message)
	}
}
