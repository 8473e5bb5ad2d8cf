// Package scanner implements the deterministic filesystem walk that
// produces the (archive-path, kind, size, symlink-target, file-id) tuples
// the packagers consume.
package scanner

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// SymlinkPolicy controls how symlinks are walked.
type SymlinkPolicy string

const (
	SymlinkKeep   SymlinkPolicy = "keep"
	SymlinkFollow SymlinkPolicy = "follow"
	SymlinkSkip   SymlinkPolicy = "skip"
)

// HardlinkPolicy controls whether repeated (dev, ino) entries are
// deduplicated.
type HardlinkPolicy string

const (
	HardlinkCopy HardlinkPolicy = "copy"
	HardlinkKeep HardlinkPolicy = "keep"
)

// ErrorPolicy controls how per-entry errors are handled.
type ErrorPolicy string

const (
	ErrorFailFast ErrorPolicy = "fail_fast"
	ErrorSkipFail ErrorPolicy = "skip_fail"
	ErrorSkipOk   ErrorPolicy = "skip_ok"
)

const issueSampleCap = 50

// FileID identifies a file across hardlinks. Ok is false when the
// platform or filesystem does not expose a stable device/inode pair.
type FileID struct {
	Dev, Ino uint64
	Ok       bool
}

// Entry is one walked filesystem object, ready for a packager to consume.
type Entry struct {
	ArchivePath   string
	FSPath        string
	Kind          string // model.KindFile|KindDir|KindSymlink
	Size          int64
	SymlinkTarget string
	ID            FileID
	Nlink         uint64
	Info          os.FileInfo
}

// Issue is a recorded warning or error encountered while walking.
type Issue struct {
	Stage   string // walk|meta|path|hash|archive
	Path    string
	Message string
	Warning bool
}

// Report aggregates scan results for the run.
type Report struct {
	FilesTotal int64
	DirsTotal  int64
	BytesTotal int64
	ErrorsTotal int64
	Issues     []Issue // capped at issueSampleCap
}

func (r *Report) record(i Issue) {
	if i.Warning {
		// warnings are always counted via Issues sample but never fail the run
	} else {
		r.ErrorsTotal++
	}
	if len(r.Issues) < issueSampleCap {
		r.Issues = append(r.Issues, i)
	}
}

// Options configures one scan.
type Options struct {
	Paths          []string
	Root           string // legacy, used only when Paths is empty
	Include        []string
	Exclude        []string
	SymlinkPolicy  SymlinkPolicy
	HardlinkPolicy HardlinkPolicy
	ErrorPolicy    ErrorPolicy
	// OnEntry is invoked for every emitted entry, in walk order. Returning
	// an error aborts the scan regardless of ErrorPolicy (it signals a
	// downstream packaging failure, not a scan-level issue).
	OnEntry func(Entry) error
}

// Scan walks every configured source root and invokes opts.OnEntry for
// each emitted entry. It returns the aggregate report; under
// ErrorPolicy==FailFast the first error is also returned as err.
func Scan(opts Options) (*Report, error) {
	report := &Report{}

	roots, err := resolveRoots(opts, report)
	if err != nil {
		return report, err
	}

	for _, root := range roots {
		if err := scanRoot(opts, root, report); err != nil {
			return report, err
		}
	}
	return report, nil
}

type sourceRoot struct {
	path   string
	prefix string
}

// resolveRoots implements §4.4 step 1: trim/dedupe/drop-overlapping paths
// preserving order, or fall back to the legacy single root.
func resolveRoots(opts Options, report *Report) ([]sourceRoot, error) {
	if len(opts.Paths) == 0 {
		if opts.Root == "" {
			return nil, fmt.Errorf("scanner: neither paths nor root configured")
		}
		return []sourceRoot{{path: opts.Root, prefix: filepath.Base(filepath.Clean(opts.Root))}}, nil
	}

	var normalized []string
	seen := map[string]bool{}
	for _, p := range opts.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		norm := strings.ReplaceAll(filepath.Clean(p), "\\", "/")
		if seen[norm] {
			continue
		}
		seen[norm] = true
		normalized = append(normalized, norm)
	}

	// Drop entries already covered by a previously emitted directory,
	// preserving order. A path B is covered by an earlier directory A when
	// B == A or B starts with A + "/".
	var kept []string
	var coveredDirs []string
	for _, p := range normalized {
		covered := false
		for _, dir := range coveredDirs {
			if p == dir || strings.HasPrefix(p, dir+"/") {
				covered = true
				break
			}
		}
		if covered {
			report.record(Issue{
				Stage:   "path",
				Path:    p,
				Message: fmt.Sprintf("deduplicated %q: overlapping source", p),
				Warning: true,
			})
			continue
		}
		kept = append(kept, p)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			coveredDirs = append(coveredDirs, p)
		}
	}

	roots := make([]sourceRoot, 0, len(kept))
	for _, p := range kept {
		roots = append(roots, sourceRoot{path: p, prefix: filepath.Base(p)})
	}
	return roots, nil
}

func scanRoot(opts Options, root sourceRoot, report *Report) error {
	info, err := os.Lstat(root.path)
	if err != nil {
		return handleErr(opts, report, "meta", root.path, err)
	}

	// A file source: the prefix IS the archive path.
	if !info.IsDir() {
		entry, ok, err := buildEntry(opts, root.path, root.prefix, info, report)
		if err != nil {
			return err
		}
		if ok {
			return emit(opts, entry, report)
		}
		return nil
	}

	followLinks := opts.SymlinkPolicy == SymlinkFollow
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if werr := handleErr(opts, report, "walk", path, err); werr != nil {
				return werr
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == root.path {
			return nil
		}

		rel, relErr := filepath.Rel(root.path, path)
		if relErr != nil {
			if werr := handleErr(opts, report, "archive", path, relErr); werr != nil {
				return werr
			}
			return nil
		}
		archivePath := root.prefix + "/" + filepath.ToSlash(rel)

		lstatInfo, statErr := os.Lstat(path)
		if statErr != nil {
			if werr := handleErr(opts, report, "meta", path, statErr); werr != nil {
				return werr
			}
			return nil
		}

		isSymlink := lstatInfo.Mode()&os.ModeSymlink != 0
		info := lstatInfo
		if followLinks && isSymlink {
			resolved, statErr := os.Stat(path)
			if statErr != nil {
				if werr := handleErr(opts, report, "meta", path, statErr); werr != nil {
					return werr
				}
				return nil
			}
			info = resolved
			isSymlink = false
		}

		if excluded(opts.Exclude, archivePath, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if isSymlink && opts.SymlinkPolicy == SymlinkSkip {
			return nil
		}

		if !info.IsDir() && !isSymlink && len(opts.Include) > 0 && !included(opts.Include, archivePath) {
			return nil
		}

		entry, ok, err := buildEntry(opts, path, archivePath, info, report)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return emit(opts, entry, report)
	}

	return filepath.WalkDir(root.path, walkFn)
}

func emit(opts Options, entry Entry, report *Report) error {
	switch entry.Kind {
	case "dir":
		report.DirsTotal++
	default:
		report.FilesTotal++
		report.BytesTotal += entry.Size
	}
	if opts.OnEntry != nil {
		return opts.OnEntry(entry)
	}
	return nil
}

func buildEntry(opts Options, fsPath, archivePath string, info os.FileInfo, report *Report) (Entry, bool, error) {
	entry := Entry{ArchivePath: archivePath, FSPath: fsPath, Info: info, Size: info.Size()}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		entry.Kind = "symlink"
		target, err := os.Readlink(fsPath)
		if err != nil {
			if werr := handleErr(opts, report, "meta", fsPath, err); werr != nil {
				return entry, false, werr
			}
			return entry, false, nil
		}
		entry.SymlinkTarget = target
		entry.Size = 0
	case info.IsDir():
		entry.Kind = "dir"
		entry.Size = 0
	default:
		entry.Kind = "file"
	}

	dev, ino, nlink, ok := fileID(info)
	entry.ID = FileID{Dev: dev, Ino: ino, Ok: ok}
	entry.Nlink = nlink

	return entry, true, nil
}

func handleErr(opts Options, report *Report, stage, path string, err error) error {
	switch opts.ErrorPolicy {
	case ErrorFailFast, "":
		return fmt.Errorf("scanner: %s error at %q: %w", stage, path, err)
	case ErrorSkipFail:
		report.record(Issue{Stage: stage, Path: path, Message: err.Error(), Warning: false})
		return nil
	case ErrorSkipOk:
		report.record(Issue{Stage: stage, Path: path, Message: err.Error(), Warning: true})
		return nil
	default:
		return fmt.Errorf("scanner: unknown error policy %q", opts.ErrorPolicy)
	}
}

func excluded(patterns []string, archivePath string, isDir bool) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, archivePath); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(pat, archivePath+"/"); ok {
				return true
			}
		}
	}
	return false
}

func included(patterns []string, archivePath string) bool {
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, archivePath); ok {
			return true
		}
	}
	return false
}
