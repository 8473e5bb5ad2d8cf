package partwriter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zeebo/blake3"
)

func TestWriterSingleUnboundedPart(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 0, nil)

	if _, err := w.Write([]byte("hello, world")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if len(w.Parts) != 1 {
		t.Fatalf("expected exactly one sealed part, got %d", len(w.Parts))
	}
	part := w.Parts[0]
	if part.Name != "payload.part000001" {
		t.Fatalf("expected payload.part000001, got %q", part.Name)
	}
	if part.Size != 12 {
		t.Fatalf("expected size 12, got %d", part.Size)
	}

	data, err := os.ReadFile(part.Path)
	if err != nil {
		t.Fatalf("could not read sealed part: %v", err)
	}
	if string(data) != "hello, world" {
		t.Fatalf("unexpected sealed contents: %q", data)
	}

	h := blake3.New()
	h.Write(data)
	expectedHash := hexEncode(h.Sum(nil))
	if part.Hash != expectedHash {
		t.Fatalf("expected hash %s, got %s", expectedHash, part.Hash)
	}
}

func TestWriterRollsOverAtSplitBoundary(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 5, nil)

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if len(w.Parts) != 2 {
		t.Fatalf("expected 2 parts at a 5-byte split boundary for 10 bytes, got %d", len(w.Parts))
	}
	if w.Parts[0].Size != 5 || w.Parts[1].Size != 5 {
		t.Fatalf("expected two 5-byte parts, got %+v", w.Parts)
	}
	if w.Parts[0].Name == w.Parts[1].Name {
		t.Fatalf("expected distinct part names, both were %q", w.Parts[0].Name)
	}
}

func TestWriterOnFinishedHookInvokedPerPart(t *testing.T) {
	dir := t.TempDir()
	var finished []Part
	w := New(dir, 4, func(p Part) error {
		finished = append(finished, p)
		return nil
	})

	if _, err := w.Write([]byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if len(finished) != 2 {
		t.Fatalf("expected the hook to fire twice, got %d", len(finished))
	}
}

func TestWriterCloseWithNoWritesIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 0, nil)
	if err := w.Close(); err != nil {
		t.Fatalf("Close on an unused writer returned error: %v", err)
	}
	if len(w.Parts) != 0 {
		t.Fatalf("expected no parts when nothing was ever written")
	}
}

func TestWriterLeavesNoPartialFilesBehind(t *testing.T) {
	dir := t.TempDir()
	w := New(dir, 3, nil)
	if _, err := w.Write([]byte("abcdef")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.partial"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no leftover .partial files, found %v", matches)
	}
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
