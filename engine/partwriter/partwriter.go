// Package partwriter implements the rolling byte sink that splits a single
// logical stream into size-bounded, content-hashed part files.
package partwriter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"

	"github.com/bastion-backup/bastion/engine/model"
)

// Part describes one sealed part file.
type Part struct {
	Name string
	Path string
	Size uint64
	Hash string
}

func (p Part) Ref() model.ArtifactRef {
	return model.ArtifactRef{Name: p.Name, Size: p.Size, HashAlg: model.HashAlgBlake3, Hash: p.Hash}
}

// OnPartFinished is invoked synchronously the instant a part is sealed. It
// may delete the local file to support rolling upload. An error here fails
// the whole pipeline.
type OnPartFinished func(Part) error

// Writer is an io.WriteCloser that transparently rolls over to a new part
// file once the current one reaches splitBytes. splitBytes == 0 disables
// splitting: everything goes into a single part.
type Writer struct {
	dir        string
	splitBytes uint64
	onFinished OnPartFinished

	index   int
	cur     *os.File
	curPath string
	curName string
	written uint64
	hasher  *blake3.Hasher

	Parts []Part
}

// New creates a Writer that stages parts under dir, named
// "payload.part%06d". splitBytes == 0 means unbounded (a single part).
func New(dir string, splitBytes uint64, onFinished OnPartFinished) *Writer {
	return &Writer{dir: dir, splitBytes: splitBytes, onFinished: onFinished}
}

func (w *Writer) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.cur == nil {
			if err := w.openNext(); err != nil {
				return total, err
			}
		}

		chunk := p
		// When splitting, never write past the boundary in one go so the
		// byte counter check below triggers a roll at the right offset.
		if w.splitBytes > 0 {
			remaining := w.splitBytes - w.written
			if uint64(len(chunk)) > remaining {
				chunk = chunk[:remaining]
			}
		}

		n, err := w.cur.Write(chunk)
		if n > 0 {
			if _, herr := w.hasher.Write(chunk[:n]); herr != nil {
				return total, fmt.Errorf("partwriter: hash write: %w", herr)
			}
			w.written += uint64(n)
			total += n
			p = p[n:]
		}
		if err != nil {
			return total, fmt.Errorf("partwriter: write %s: %w", w.curPath, err)
		}

		if w.splitBytes > 0 && w.written >= w.splitBytes {
			if err := w.seal(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// Close flushes and seals the final (possibly partial) part, if any bytes
// were ever written to it.
func (w *Writer) Close() error {
	if w.cur == nil {
		return nil
	}
	return w.seal()
}

func (w *Writer) openNext() error {
	w.index++
	name := fmt.Sprintf("payload.part%06d", w.index)
	partial := filepath.Join(w.dir, name+".partial")

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("partwriter: open %s: %w", partial, err)
	}

	w.cur = f
	w.curPath = partial
	w.curName = name
	w.written = 0
	w.hasher = blake3.New()
	return nil
}

// seal finalizes the current part: flush, fsync, rename .partial to its
// final name, compute the hash, and invoke the finished hook.
func (w *Writer) seal() error {
	if err := w.cur.Sync(); err != nil {
		w.cur.Close()
		return fmt.Errorf("partwriter: sync %s: %w", w.curPath, err)
	}
	if err := w.cur.Close(); err != nil {
		return fmt.Errorf("partwriter: close %s: %w", w.curPath, err)
	}

	finalPath := w.curPath[:len(w.curPath)-len(".partial")]
	if err := os.Rename(w.curPath, finalPath); err != nil {
		return fmt.Errorf("partwriter: rename %s: %w", w.curPath, err)
	}

	sum := w.hasher.Sum(nil)
	part := Part{
		Name: w.curName,
		Path: finalPath,
		Size: w.written,
		Hash: fmt.Sprintf("%x", sum),
	}
	w.Parts = append(w.Parts, part)

	w.cur = nil
	w.curPath = ""
	w.curName = ""
	w.written = 0
	w.hasher = nil

	if w.onFinished != nil {
		if err := w.onFinished(part); err != nil {
			return fmt.Errorf("partwriter: on-finished hook for %s: %w", part.Name, err)
		}
	}
	return nil
}

var _ io.WriteCloser = (*Writer)(nil)
