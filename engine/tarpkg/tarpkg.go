// Package tarpkg implements the POSIX-pax tar packager (C5): it turns the
// entries the scanner emits into tar records, maintaining a hardlink map
// keyed by (dev, ino) so repeated inodes become tar hard-link records
// instead of duplicate file bodies.
package tarpkg

import (
	"archive/tar"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/zeebo/blake3"

	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/engine/scanner"
	"github.com/bastion-backup/bastion/engine/xattr"
)

// hardlinkRecord is the value side of the (dev, ino) -> first-seen map;
// repeated inodes reuse the stored hash rather than re-hashing.
type hardlinkRecord struct {
	path string
	size uint64
	hash string
}

// Packager writes tar records to an underlying writer (normally the
// compression stage of the pipeline) and reports one EntryRecord per
// emitted entry via onEntry.
type Packager struct {
	tw             *tar.Writer
	hardlinks      map[scanner.FileID]hardlinkRecord
	seenPaths      map[string]bool
	onEntry        func(model.EntryRecord)
	onWarning      func(path, message string)
	hardlinkPolicy scanner.HardlinkPolicy
}

// New creates a Packager writing to w.
func New(w io.Writer, hardlinkPolicy scanner.HardlinkPolicy, onEntry func(model.EntryRecord), onWarning func(path, message string)) *Packager {
	return &Packager{
		tw:             tar.NewWriter(w),
		hardlinks:      make(map[scanner.FileID]hardlinkRecord),
		seenPaths:      make(map[string]bool),
		onEntry:        onEntry,
		onWarning:      onWarning,
		hardlinkPolicy: hardlinkPolicy,
	}
}

// Add packages one scanned entry. Duplicate archive paths are dropped
// (first-wins) with a warning.
func (p *Packager) Add(e scanner.Entry) error {
	if p.seenPaths[e.ArchivePath] {
		p.warn(e.ArchivePath, fmt.Sprintf("duplicate archive path %q: first occurrence wins", e.ArchivePath))
		return nil
	}
	p.seenPaths[e.ArchivePath] = true

	switch e.Kind {
	case model.KindDir:
		return p.addDir(e)
	case model.KindSymlink:
		return p.addSymlink(e)
	default:
		return p.addFile(e)
	}
}

// Close flushes the tar trailer. It does not close the underlying writer;
// callers own that (it is the next pipeline stage).
func (p *Packager) Close() error {
	if err := p.tw.Close(); err != nil {
		return fmt.Errorf("tarpkg: close tar writer: %w", err)
	}
	return nil
}

func (p *Packager) addDir(e scanner.Entry) error {
	hdr, xattrs := buildHeader(e, tar.TypeDir, "")
	if err := p.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tarpkg: write dir header %q: %w", e.ArchivePath, err)
	}
	p.emit(e, nil, xattrs, "")
	return nil
}

func (p *Packager) addSymlink(e scanner.Entry) error {
	hdr, xattrs := buildHeader(e, tar.TypeSymlink, e.SymlinkTarget)
	if err := p.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tarpkg: write symlink header %q: %w", e.ArchivePath, err)
	}
	p.emit(e, nil, xattrs, e.SymlinkTarget)
	return nil
}

func (p *Packager) addFile(e scanner.Entry) error {
	if p.hardlinkPolicy == scanner.HardlinkKeep && e.Nlink > 1 && e.ID.Ok {
		if prior, ok := p.hardlinks[e.ID]; ok {
			hdr, xattrs := buildHeader(e, tar.TypeLink, prior.path)
			hdr.Size = 0
			if err := p.tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("tarpkg: write hardlink header %q: %w", e.ArchivePath, err)
			}
			hash := prior.hash
			p.emit(e, &hash, xattrs, "")
			return nil
		}
	} else if p.hardlinkPolicy == scanner.HardlinkKeep && e.Nlink > 1 && !e.ID.Ok && runtime.GOOS == "windows" {
		p.warn(e.ArchivePath, "hardlink detection unavailable on this platform, falling back to copy")
	}

	f, err := os.Open(e.FSPath)
	if err != nil {
		return fmt.Errorf("tarpkg: open %q: %w", e.FSPath, err)
	}
	defer f.Close()

	hdr, xattrs := buildHeader(e, tar.TypeReg, "")
	if err := p.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("tarpkg: write file header %q: %w", e.ArchivePath, err)
	}

	hasher := blake3.New()
	mw := io.MultiWriter(p.tw, hasher)
	buf := make([]byte, 1024*1024)
	if _, err := io.CopyBuffer(mw, f, buf); err != nil {
		return fmt.Errorf("tarpkg: copy %q: %w", e.FSPath, err)
	}

	hash := fmt.Sprintf("%x", hasher.Sum(nil))
	if p.hardlinkPolicy == scanner.HardlinkKeep && e.ID.Ok {
		p.hardlinks[e.ID] = hardlinkRecord{path: e.ArchivePath, size: uint64(e.Size), hash: hash}
	}
	p.emit(e, &hash, xattrs, "")
	return nil
}

func (p *Packager) emit(e scanner.Entry, hash *string, xattrs map[string]string, symlinkTarget string) {
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
	if len(xattrs) > 0 {
		rec.Xattrs = xattrs
	}
	applyStatFields(&rec, e.Info)
	p.onEntry(rec)
}

func (p *Packager) warn(path, message string) {
	if p.onWarning != nil {
		p.onWarning(path, message)
	}
}

func buildHeader(e scanner.Entry, typeflag byte, linkname string) (*tar.Header, map[string]string) {
	hdr := &tar.Header{
		Name:     e.ArchivePath,
		Typeflag: typeflag,
		Mode:     int64(e.Info.Mode().Perm()),
		ModTime:  e.Info.ModTime(),
		Format:   tar.FormatPAX,
	}
	if typeflag == tar.TypeReg {
		hdr.Size = e.Size
	}
	if linkname != "" {
		hdr.Linkname = linkname
	}

	if uid, gid, ok := ownerOf(e.Info); ok {
		hdr.Uid = int(uid)
		hdr.Gid = int(gid)
	}

	names, _ := xattr.List(e.FSPath)
	var xattrs map[string]string
	if len(names) > 0 {
		hdr.PAXRecords = map[string]string{}
		xattrs = map[string]string{}
		for _, name := range names {
			val, ok := xattr.Get(e.FSPath, name)
			if !ok {
				continue
			}
			hdr.PAXRecords["SCHILY.xattr."+name] = string(val)
			xattrs[name] = base64.StdEncoding.EncodeToString(val)
		}
	}

	return hdr, xattrs
}
