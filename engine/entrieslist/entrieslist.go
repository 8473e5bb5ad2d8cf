// Package entrieslist implements the entries-index child lister (C17):
// reads the zstd JSONL entry index and synthesizes a one-level directory
// listing for a given prefix, with filters, sorting, and cursor paging.
package entrieslist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/bastion-backup/bastion/engine/model"
)

// Child is one synthesized directory-listing row.
type Child struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // file|dir|symlink, dir wins over file for the same name
	Size *uint64 `json:"size,omitempty"`
}

// Filters narrow the listing.
type Filters struct {
	Q                string
	Kind             string // "" = any
	HideDotfiles     bool
	MinSize          *uint64
	MaxSize          *uint64
	TypeSortFileFirst bool
}

// Page is one paged result.
type Page struct {
	Children   []Child
	NextCursor *int
}

// List reads entriesIndexPath (entries_index.jsonl.zst), aggregates every
// record whose path is directly under prefix into a Child row, applies
// filters and sort, and returns the page starting at cursor of at most
// limit rows (limit is clamped to [1, 1000]).
func List(entriesIndexPath, prefix string, cursor, limit int, f Filters) (*Page, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}
	prefix = strings.Trim(prefix, "/")

	children, err := aggregate(entriesIndexPath, prefix)
	if err != nil {
		return nil, err
	}

	children = applyFilters(children, f)
	sortChildren(children, f.TypeSortFileFirst)

	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(children) {
		cursor = len(children)
	}
	end := cursor + limit
	if end > len(children) {
		end = len(children)
	}

	page := &Page{Children: children[cursor:end]}
	if end < len(children) {
		next := cursor + limit
		page.NextCursor = &next
	}
	return page, nil
}

func aggregate(entriesIndexPath, prefix string) ([]Child, error) {
	f, err := os.Open(entriesIndexPath)
	if err != nil {
		return nil, fmt.Errorf("entrieslist: open %q: %w", entriesIndexPath, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("entrieslist: new zstd reader: %w", err)
	}
	defer zr.Close()

	byName := map[string]Child{}
	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.EntryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("entrieslist: decode entry: %w", err)
		}

		rest, ok := stripPrefix(rec.Path, prefix)
		if !ok {
			continue
		}
		if rest == "" {
			continue
		}

		segs := strings.SplitN(rest, "/", 2)
		name := segs[0]
		isDirChild := len(segs) > 1

		kind := rec.Kind
		var size *uint64
		if isDirChild {
			kind = model.KindDir
		} else if rec.Kind == model.KindFile || rec.Kind == model.KindSymlink {
			sz := rec.Size
			size = &sz
		}

		existing, present := byName[name]
		if present && existing.Kind == model.KindDir {
			continue // dir already recorded wins over a file with the same name
		}
		if present && kind != model.KindDir && existing.Kind != model.KindDir {
			continue // first occurrence wins for same-kind duplicates
		}
		byName[name] = Child{Name: name, Kind: kind, Size: size}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("entrieslist: scan entries: %w", err)
	}

	out := make([]Child, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	return out, nil
}

func stripPrefix(path, prefix string) (string, bool) {
	path = strings.Trim(path, "/")
	if prefix == "" {
		return path, true
	}
	if path == prefix {
		return "", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix)+1:], true
	}
	return "", false
}

func applyFilters(children []Child, f Filters) []Child {
	out := children[:0]
	for _, c := range children {
		if f.HideDotfiles && strings.HasPrefix(c.Name, ".") {
			continue
		}
		if f.Q != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(f.Q)) {
			continue
		}
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		if c.Size != nil {
			if f.MinSize != nil && *c.Size < *f.MinSize {
				continue
			}
			if f.MaxSize != nil && *c.Size > *f.MaxSize {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func sortChildren(children []Child, fileFirst bool) {
	rank := func(kind string) int {
		isDir := kind == model.KindDir
		if fileFirst {
			if isDir {
				return 1
			}
			return 0
		}
		if isDir {
			return 0
		}
		return 1
	}
	sort.Slice(children, func(i, j int) bool {
		ri, rj := rank(children[i].Kind), rank(children[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return children[i].Name < children[j].Name
	})
}
