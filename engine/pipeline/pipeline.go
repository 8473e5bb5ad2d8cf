// Package pipeline composes the single writer chain that turns a stream of
// tar-formatted bytes into sealed, hashed, optionally-encrypted parts on
// disk: tar builder output -> zstd compressor -> optional XChaCha20-Poly1305
// encryptor -> part writer. The chain is single-writer end to end, which is
// what gives the whole packaging path its back-pressure and single-pass
// guarantee.
package pipeline

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/bastion-backup/bastion/engine/model"
	"github.com/bastion-backup/bastion/engine/partwriter"
)

// Options configures one pipeline instance. Format == RawTreeV1 bypasses
// this package entirely (see engine/rawtree); Pipeline only implements
// ArchiveV1.
type Options struct {
	StageDir       string
	SplitBytes     uint64
	EncryptionKey  []byte // nil/empty means no encryption
	EncryptionName string // recorded in the manifest, e.g. "primary"
	OnPartFinished partwriter.OnPartFinished
}

// Pipeline is the open writer chain. Callers write tar bytes to it via
// io.Writer and must call Finish to flush every stage in order.
type Pipeline struct {
	opts    Options
	parts   *partwriter.Writer
	encW    io.WriteCloser // nil if unencrypted
	zw      *zstd.Encoder
	config  model.PipelineConfig
}

// Open starts a new ArchiveV1 pipeline. The returned Pipeline's Write
// method accepts the tar builder's output directly.
func Open(opts Options) (*Pipeline, error) {
	parts := partwriter.New(opts.StageDir, opts.SplitBytes, opts.OnPartFinished)

	cfg := model.PipelineConfig{
		Format:      model.FormatArchiveV1,
		Tar:         model.TarPax,
		Compression: model.CompressionZstd,
		Encryption:  model.EncryptionNone,
		SplitBytes:  opts.SplitBytes,
	}

	var sink io.Writer = parts
	var encW io.WriteCloser
	if len(opts.EncryptionKey) > 0 {
		w, err := NewEncryptWriter(parts, opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("pipeline: open encryption stage: %w", err)
		}
		encW = w
		sink = w
		cfg.Encryption = model.EncryptionAge
		if opts.EncryptionName != "" {
			name := opts.EncryptionName
			cfg.EncryptionKey = &name
		}
	}

	zw, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("pipeline: open zstd encoder: %w", err)
	}

	return &Pipeline{opts: opts, parts: parts, encW: encW, zw: zw, config: cfg}, nil
}

// Write accepts tar-formatted bytes from the caller's tar builder.
func (p *Pipeline) Write(b []byte) (int, error) {
	return p.zw.Write(b)
}

// Finish flushes the zstd encoder, then the encryption stage (if any), then
// seals the final part. Order matters: each stage must see its
// predecessor's trailer before it finalizes its own.
func (p *Pipeline) Finish() ([]partwriter.Part, model.PipelineConfig, error) {
	if err := p.zw.Close(); err != nil {
		return nil, p.config, fmt.Errorf("pipeline: close zstd encoder: %w", err)
	}
	if p.encW != nil {
		if err := p.encW.Close(); err != nil {
			return nil, p.config, fmt.Errorf("pipeline: close encryption stage: %w", err)
		}
	}
	if err := p.parts.Close(); err != nil {
		return nil, p.config, fmt.Errorf("pipeline: close part writer: %w", err)
	}
	return p.parts.Parts, p.config, nil
}

var _ io.Writer = (*Pipeline)(nil)
