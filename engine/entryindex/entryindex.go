// Package entryindex implements the append-only, zstd-compressed JSONL
// index of per-entry metadata records written alongside every archive or
// raw-tree run.
package entryindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/bastion-backup/bastion/engine/model"
)

// Writer accepts structured entry records and serializes each as one JSON
// line through a zstd encoder at level 3.
type Writer struct {
	f       *os.File
	buf     *bufio.Writer
	zw      *zstd.Encoder
	count   uint64
	closed  bool
	path    string
}

// Create opens path for writing, truncating any existing file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("entryindex: create %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	zw, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("entryindex: new zstd encoder: %w", err)
	}
	return &Writer{f: f, buf: buf, zw: zw, path: path}, nil
}

// Append writes one entry record as a JSON line.
func (w *Writer) Append(rec model.EntryRecord) error {
	if w.closed {
		return fmt.Errorf("entryindex: append after finish")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("entryindex: marshal entry %q: %w", rec.Path, err)
	}
	data = append(data, '\n')
	if _, err := w.zw.Write(data); err != nil {
		return fmt.Errorf("entryindex: write entry %q: %w", rec.Path, err)
	}
	w.count++
	return nil
}

// Count returns the number of records appended so far.
func (w *Writer) Count() uint64 { return w.count }

// Finish closes the zstd stream and the underlying buffered file. It is
// idempotent: calling it more than once is a no-op.
func (w *Writer) Finish() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("entryindex: close zstd encoder: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("entryindex: flush %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("entryindex: sync %s: %w", w.path, err)
	}
	return w.f.Close()
}

// Ref returns the manifest's entry_index object once Finish has run.
func (w *Writer) Ref() model.EntryIndexRef {
	return model.EntryIndexRef{Name: model.EntryIndexName, Count: w.count}
}
