package pipeline

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/bastion-backup/bastion/engine/model"
)

func TestPipelineUnencryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Options{StageDir: dir})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	payload := []byte("this is a tar stream's worth of bytes")
	if _, err := p.Write(payload); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	parts, cfg, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected exactly one part, got %d", len(parts))
	}
	if cfg.Format != model.FormatArchiveV1 || cfg.Compression != model.CompressionZstd || cfg.Encryption != model.EncryptionNone {
		t.Fatalf("unexpected pipeline config: %+v", cfg)
	}

	data, err := os.ReadFile(parts[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd.NewReader returned error: %v", err)
	}
	defer zr.Close()
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress returned error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected decompressed payload to round-trip, got %q", got)
	}
}

func TestPipelineEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	p, err := Open(Options{StageDir: dir, EncryptionKey: key, EncryptionName: "primary"})
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	payload := []byte("secret tar bytes")
	if _, err := p.Write(payload); err != nil {
		t.Fatal(err)
	}
	parts, cfg, err := p.Finish()
	if err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}
	if cfg.Encryption != model.EncryptionAge {
		t.Fatalf("expected encryption=age, got %q", cfg.Encryption)
	}
	if cfg.EncryptionKey == nil || *cfg.EncryptionKey != "primary" {
		t.Fatalf("expected encryption key name to be recorded, got %+v", cfg.EncryptionKey)
	}

	data, err := os.ReadFile(parts[0].Path)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := NewDecryptReader(bytes.NewReader(data), key)
	if err != nil {
		t.Fatalf("NewDecryptReader returned error: %v", err)
	}
	plainZstd, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decrypt returned error: %v", err)
	}
	zr, err := zstd.NewReader(bytes.NewReader(plainZstd))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	got, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected decrypted+decompressed payload to round-trip, got %q", got)
	}
}

func TestPipelineSplitsAcrossParts(t *testing.T) {
	dir := t.TempDir()
	p, err := Open(Options{StageDir: dir, SplitBytes: 16})
	if err != nil {
		t.Fatal(err)
	}
	// Write enough incompressible bytes that zstd's output itself exceeds
	// the split boundary across more than one part.
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i * 37 % 251)
	}
	if _, err := p.Write(payload); err != nil {
		t.Fatal(err)
	}
	parts, _, err := p.Finish()
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) < 2 {
		t.Fatalf("expected splitting to produce multiple parts, got %d", len(parts))
	}
}
