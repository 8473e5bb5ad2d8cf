// Package restore implements the restore/verify pipeline (C11): a
// streaming, hash-verified reader over an artifact set's parts, the
// decrypt/decompress/untar (or raw-tree) unpacking stage, conflict-policy
// and selection enforcement, and a post-unpack verify pass.
package restore

import (
	"archive/tar"
	"bufio"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"

	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/engine/pipeline"
	"github.com/bastion-backup/bastion/engine/xattr"
)

// ConflictPolicy governs what happens when a restore target already exists.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
	ConflictFail      ConflictPolicy = "fail"
)

// ErrConflict is returned (wrapped) when policy=fail and an existing path
// is encountered.
type ErrConflict struct{ Path string }

func (e *ErrConflict) Error() string { return fmt.Sprintf("restore conflict: %q already exists", e.Path) }

// ErrIntegrity covers any part-size/hash mismatch detected while streaming
// the artifact set back.
type ErrIntegrity struct{ Detail string }

func (e *ErrIntegrity) Error() string { return "restore: " + e.Detail }

// PartOpener resolves one manifest-listed part to a local, already-staged
// file (backends fetch to a local temp file first; LocalDir opens in place).
type PartOpener func(name string) (io.ReadCloser, error)

// VerifiedPartsReader concatenates manifest.Artifacts in order, verifying
// each part's size and blake3 hash as it is consumed. Overflow past the
// declared size, or a final hash mismatch, aborts the stream immediately.
type VerifiedPartsReader struct {
	parts  []model.ArtifactRef
	open   PartOpener
	idx    int
	cur    io.ReadCloser
	hasher *blake3.Hasher
	read   uint64
}

func NewVerifiedPartsReader(parts []model.ArtifactRef, open PartOpener) *VerifiedPartsReader {
	return &VerifiedPartsReader{parts: parts, open: open}
}

func (v *VerifiedPartsReader) Read(p []byte) (int, error) {
	for {
		if v.cur == nil {
			if v.idx >= len(v.parts) {
				return 0, io.EOF
			}
			part := v.parts[v.idx]
			rc, err := v.open(part.Name)
			if err != nil {
				return 0, fmt.Errorf("restore: open part %q: %w", part.Name, err)
			}
			v.cur = rc
			v.hasher = blake3.New()
			v.read = 0
		}

		part := v.parts[v.idx]
		n, err := v.cur.Read(p)
		if n > 0 {
			v.read += uint64(n)
			if v.read > part.Size {
				v.cur.Close()
				return 0, &ErrIntegrity{Detail: fmt.Sprintf("part %q overflowed declared size %d", part.Name, part.Size)}
			}
			v.hasher.Write(p[:n])
		}
		if err == io.EOF {
			v.cur.Close()
			if v.read != part.Size {
				return n, &ErrIntegrity{Detail: fmt.Sprintf("part %q size mismatch: got %d want %d", part.Name, v.read, part.Size)}
			}
			got := fmt.Sprintf("%x", v.hasher.Sum(nil))
			if got != part.Hash {
				return n, &ErrIntegrity{Detail: fmt.Sprintf("part %q hash mismatch: got %s want %s", part.Name, got, part.Hash)}
			}
			v.cur = nil
			v.idx++
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			v.cur.Close()
			return n, fmt.Errorf("restore: read part %q: %w", part.Name, err)
		}
		return n, nil
	}
}

// Selection narrows a restore to a normalized prefix-matching subtree.
// A nil or empty Selection matches everything.
type Selection struct {
	prefixes []string
}

func NewSelection(paths []string) Selection {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		out = append(out, strings.Trim(path.Clean("/"+p), "/"))
	}
	return Selection{prefixes: out}
}

func (s Selection) Matches(entryPath string) bool {
	if len(s.prefixes) == 0 {
		return true
	}
	clean := strings.Trim(path.Clean("/"+entryPath), "/")
	for _, p := range s.prefixes {
		if p == "" || clean == p || strings.HasPrefix(clean, p+"/") {
			return true
		}
	}
	return false
}

// blockedTree tracks directories whose descendants must be skipped because
// the directory itself was skipped under ConflictSkip.
type blockedTree struct {
	prefixes []string
}

func (b *blockedTree) block(p string) { b.prefixes = append(b.prefixes, p) }

func (b *blockedTree) blocked(p string) bool {
	for _, bp := range b.prefixes {
		if p == bp || strings.HasPrefix(p, bp+"/") {
			return true
		}
	}
	return false
}

// Options configures one archive_v1 unpack.
type Options struct {
	DestDir        string
	EncryptionKey  []byte // nil if pipeline.encryption == none
	Compression    string // model.CompressionZstd | model.CompressionNone
	Policy         ConflictPolicy
	Selection      Selection
	OnEntry        func(model.EntryRecord)
}

// UnpackArchive drains r (the output of VerifiedPartsReader) through the
// optional decrypt and decompress stages and untars the result into
// opts.DestDir, honoring the conflict policy and selection.
func UnpackArchive(r io.Reader, opts Options) error {
	stream := r
	if opts.EncryptionKey != nil {
		dec, err := pipeline.NewDecryptReader(stream, opts.EncryptionKey)
		if err != nil {
			return fmt.Errorf("restore: new decrypt reader: %w", err)
		}
		stream = dec
	}
	if opts.Compression == model.CompressionZstd {
		zr, err := zstd.NewReader(stream)
		if err != nil {
			return fmt.Errorf("restore: new zstd reader: %w", err)
		}
		defer zr.Close()
		stream = zr
	}

	tr := tar.NewReader(stream)
	blocked := &blockedTree{}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("restore: read tar header: %w", err)
		}

		clean := strings.Trim(path.Clean("/"+hdr.Name), "/")
		if blocked.blocked(clean) {
			continue
		}
		if !opts.Selection.Matches(clean) {
			continue
		}

		if err := restoreTarEntry(tr, hdr, clean, opts, blocked); err != nil {
			return err
		}
	}
}

func restoreTarEntry(tr *tar.Reader, hdr *tar.Header, clean string, opts Options, blocked *blockedTree) error {
	dest := filepath.Join(opts.DestDir, filepath.FromSlash(clean))

	exists := false
	if _, err := os.Lstat(dest); err == nil {
		exists = true
	}

	if exists {
		switch opts.Policy {
		case ConflictFail:
			return &ErrConflict{Path: clean}
		case ConflictSkip:
			if hdr.Typeflag == tar.TypeDir {
				blocked.block(clean)
			}
			return nil
		}
	}

	var rec model.EntryRecord
	rec.Path = clean

	switch hdr.Typeflag {
	case tar.TypeDir:
		rec.Kind = model.KindDir
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("restore: mkdir %q: %w", dest, err)
		}
	case tar.TypeSymlink:
		rec.Kind = model.KindSymlink
		target := hdr.Linkname
		rec.SymlinkTarget = &target
		if exists {
			os.Remove(dest)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restore: mkdir parent of %q: %w", dest, err)
		}
		if err := os.Symlink(target, dest); err != nil {
			return fmt.Errorf("restore: symlink %q: %w", dest, err)
		}
	case tar.TypeLink:
		rec.Kind = model.KindFile
		linkTarget := filepath.Join(opts.DestDir, filepath.FromSlash(hdr.Linkname))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restore: mkdir parent of %q: %w", dest, err)
		}
		if exists {
			os.Remove(dest)
		}
		if err := os.Link(linkTarget, dest); err != nil {
			if err := atomicCopyFrom(linkTarget, dest, 0o644); err != nil {
				return fmt.Errorf("restore: hardlink fallback copy %q: %w", dest, err)
			}
		}
	default:
		rec.Kind = model.KindFile
		rec.Size = uint64(hdr.Size)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("restore: mkdir parent of %q: %w", dest, err)
		}
		if err := atomicWrite(dest, tr, hdr.Size, os.FileMode(hdr.Mode)); err != nil {
			return fmt.Errorf("restore: write %q: %w", dest, err)
		}
	}

	applyXattrsAndMode(dest, hdr, &rec)

	if opts.OnEntry != nil {
		opts.OnEntry(rec)
	}
	return nil
}

// atomicWrite copies exactly n bytes from r into a ".partial" sibling of
// dest, flushes, verifies the written size, and renames into place.
func atomicWrite(dest string, r io.Reader, n int64, mode os.FileMode) error {
	tmp := dest + ".partial"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	written, err := io.Copy(f, io.LimitReader(r, n))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if written != n {
		os.Remove(tmp)
		return fmt.Errorf("short write: got %d want %d", written, n)
	}
	return os.Rename(tmp, dest)
}

func atomicCopyFrom(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	return atomicWrite(dest, in, info.Size(), mode)
}

func setXattrBestEffort(path, name string, value []byte) {
	_ = xattr.Set(path, name, value)
}

func applyXattrsAndMode(dest string, hdr *tar.Header, rec *model.EntryRecord) {
	mode := uint32(hdr.Mode)
	rec.Mode = &mode
	if hdr.Typeflag != tar.TypeSymlink {
		os.Chmod(dest, os.FileMode(hdr.Mode).Perm())
	}
	if len(hdr.PAXRecords) == 0 {
		return
	}
	xattrs := map[string]string{}
	for k, v := range hdr.PAXRecords {
		if !strings.HasPrefix(k, "SCHILY.xattr.") {
			continue
		}
		name := strings.TrimPrefix(k, "SCHILY.xattr.")
		setXattrBestEffort(dest, name, []byte(v))
		xattrs[name] = base64.StdEncoding.EncodeToString([]byte(v))
	}
	if len(xattrs) > 0 {
		rec.Xattrs = xattrs
	}
}

// RawTreeFileFetcher opens one file by its archive path for a raw_tree_v1
// restore, as served by the target backend's open_raw_tree_file_reader.
type RawTreeFileFetcher func(archivePath string) (io.ReadCloser, error)

// RestoreRawTree restores a raw_tree_v1 artifact set entry by entry,
// reading the entry index the caller has already decoded.
func RestoreRawTree(entries []model.EntryRecord, fetch RawTreeFileFetcher, opts Options) error {
	blocked := &blockedTree{}
	for _, rec := range entries {
		clean := strings.Trim(path.Clean("/"+rec.Path), "/")
		if blocked.blocked(clean) || !opts.Selection.Matches(clean) {
			continue
		}
		dest := filepath.Join(opts.DestDir, filepath.FromSlash(clean))

		exists := false
		if _, err := os.Lstat(dest); err == nil {
			exists = true
		}
		if exists {
			switch opts.Policy {
			case ConflictFail:
				return &ErrConflict{Path: clean}
			case ConflictSkip:
				if rec.Kind == model.KindDir {
					blocked.block(clean)
				}
				continue
			}
		}

		switch rec.Kind {
		case model.KindDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("restore: mkdir %q: %w", dest, err)
			}
		case model.KindSymlink:
			if exists {
				os.Remove(dest)
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("restore: mkdir parent of %q: %w", dest, err)
			}
			target := ""
			if rec.SymlinkTarget != nil {
				target = *rec.SymlinkTarget
			}
			if err := os.Symlink(target, dest); err != nil {
				return fmt.Errorf("restore: symlink %q: %w", dest, err)
			}
		default:
			rc, err := fetch(clean)
			if err != nil {
				return fmt.Errorf("restore: fetch %q: %w", clean, err)
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				rc.Close()
				return fmt.Errorf("restore: mkdir parent of %q: %w", dest, err)
			}
			mode := os.FileMode(0o644)
			if rec.Mode != nil {
				mode = os.FileMode(*rec.Mode).Perm()
			}
			err = atomicWrite(dest, rc, int64(rec.Size), mode)
			rc.Close()
			if err != nil {
				return fmt.Errorf("restore: write %q: %w", dest, err)
			}
		}

		for name, b64 := range rec.Xattrs {
			if raw, err := base64.StdEncoding.DecodeString(b64); err == nil {
				setXattrBestEffort(dest, name, raw)
			}
		}

		if opts.OnEntry != nil {
			opts.OnEntry(rec)
		}
	}
	return nil
}

// VerifyResult aggregates one verify pass.
type VerifyResult struct {
	FilesTotal    int
	FilesOK       int
	FilesFailed   int
	SampleErrors  []string
	SQLite        *SQLiteIntegrity
}

const sampleErrCap = 50

// Verify re-walks entries against the files already unpacked under destDir,
// rehashing every "file" entry that records a hash and comparing against the
// entry record; file entries with no recorded hash are not checked or counted.
func Verify(entries []model.EntryRecord, destDir string) VerifyResult {
	var res VerifyResult
	for _, rec := range entries {
		if rec.Kind != model.KindFile || rec.Hash == nil {
			continue
		}
		res.FilesTotal++
		full := filepath.Join(destDir, filepath.FromSlash(rec.Path))
		ok, detail := verifyOne(full, rec)
		if ok {
			res.FilesOK++
			continue
		}
		res.FilesFailed++
		if len(res.SampleErrors) < sampleErrCap {
			res.SampleErrors = append(res.SampleErrors, fmt.Sprintf("%s: %s", rec.Path, detail))
		}
	}
	return res
}

func verifyOne(full string, rec model.EntryRecord) (bool, string) {
	f, err := os.Open(full)
	if err != nil {
		return false, fmt.Sprintf("open: %v", err)
	}
	defer f.Close()

	hasher := blake3.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return false, fmt.Sprintf("read: %v", err)
	}
	if uint64(n) != rec.Size {
		return false, fmt.Sprintf("size mismatch: got %d want %d", n, rec.Size)
	}
	got := fmt.Sprintf("%x", hasher.Sum(nil))
	if rec.Hash != nil && got != *rec.Hash {
		return false, fmt.Sprintf("hash mismatch: got %s want %s", got, *rec.Hash)
	}
	return true, ""
}

// SQLiteIntegrity is the outcome of PRAGMA integrity_check against one
// restored database file.
type SQLiteIntegrity struct {
	OK    bool
	Lines []string
}

const integrityLineCap = 64

// CheckSQLiteIntegrity opens dbPath read-only and runs PRAGMA
// integrity_check, capturing up to 64 lines; OK is true only when the
// first line is exactly "ok".
func CheckSQLiteIntegrity(dbPath string) (*SQLiteIntegrity, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&immutable=1", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("restore: open %q read-only: %w", dbPath, err)
	}
	defer db.Close()

	rows, err := db.Query("PRAGMA integrity_check")
	if err != nil {
		return nil, fmt.Errorf("restore: integrity_check %q: %w", dbPath, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() && len(lines) < integrityLineCap {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, fmt.Errorf("restore: scan integrity_check row: %w", err)
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("restore: iterate integrity_check: %w", err)
	}

	ok := len(lines) > 0 && lines[0] == "ok"
	return &SQLiteIntegrity{OK: ok, Lines: lines}, nil
}

// DecodeEntriesIndex reads a zstd-compressed JSONL entry index fully into
// memory, used by verify mode and by RestoreRawTree's caller.
func DecodeEntriesIndex(r io.Reader) ([]model.EntryRecord, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("restore: new zstd reader: %w", err)
	}
	defer zr.Close()

	var out []model.EntryRecord
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.EntryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("restore: decode entry: %w", err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("restore: scan entries: %w", err)
	}
	return out, nil
}
