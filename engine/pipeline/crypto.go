package pipeline

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// chunkSize is the plaintext size of every chunk but the last. Chosen to
// keep per-chunk AEAD overhead (the 16-byte tag) small relative to payload
// while still bounding memory use during restore.
const chunkSize = 64 * 1024

// streamEncryptWriter implements the XChaCha20-Poly1305 "age"-class
// encryption stage of the pipeline. It chunks the incoming byte stream,
// sealing each chunk under a nonce derived from a random 24-byte base
// nonce XORed with a monotonically increasing chunk counter. The base
// nonce is written as a cleartext header at the start of the stream; the
// manifest only ever records the key name, never the nonce (see the
// engine-wide design note on per-part encryption headers).
type streamEncryptWriter struct {
	aead       *aeadStream
	w          io.Writer
	counter    uint64
	headerDone bool
	closed     bool
}

// aeadStream pairs an AEAD cipher with the random base nonce its chunk
// nonces are derived from.
type aeadStream struct {
	aead cipher.AEAD
	base []byte
}

func newAEAD(key []byte) (*aeadStream, []byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: new XChaCha20-Poly1305: %w", err)
	}
	base := make([]byte, aead.NonceSize())
	if _, err := rand.Read(base); err != nil {
		return nil, nil, fmt.Errorf("pipeline: generate nonce: %w", err)
	}
	return &aeadStream{aead: aead, base: base}, base, nil
}

func (a *aeadStream) nonceFor(counter uint64) []byte {
	n := make([]byte, len(a.base))
	copy(n, a.base)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	off := len(n) - 8
	for i := 0; i < 8; i++ {
		n[off+i] ^= ctr[i]
	}
	return n
}

// NewEncryptWriter wraps w with a chunked XChaCha20-Poly1305 encryption
// stage keyed by key (32 bytes). The returned WriteCloser's Close writes a
// zero-length terminal chunk and must always be called.
func NewEncryptWriter(w io.Writer, key []byte) (io.WriteCloser, error) {
	aead, base, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(base); err != nil {
		return nil, fmt.Errorf("pipeline: write nonce header: %w", err)
	}
	return &streamEncryptWriter{aead: aead, w: w, headerDone: true}, nil
}

func (s *streamEncryptWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > chunkSize {
			n = chunkSize
		}
		if err := s.sealChunk(p[:n]); err != nil {
			return total, err
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

func (s *streamEncryptWriter) sealChunk(plain []byte) error {
	nonce := s.aead.nonceFor(s.counter)
	s.counter++
	ct := s.aead.aead.Seal(nil, nonce, plain, nil)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(ct)))
	if _, err := s.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("pipeline: write chunk length: %w", err)
	}
	if _, err := s.w.Write(ct); err != nil {
		return fmt.Errorf("pipeline: write chunk: %w", err)
	}
	return nil
}

// Close writes the zero-length terminal chunk. Idempotent.
func (s *streamEncryptWriter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sealChunk(nil)
}

// streamDecryptReader is the restore-side counterpart of
// streamEncryptWriter.
type streamDecryptReader struct {
	aead    *aeadStream
	r       io.Reader
	counter uint64
	buf     []byte
	done    bool
}

// NewDecryptReader reads the cleartext nonce header from r, then returns a
// Reader that decrypts and reassembles the chunked ciphertext stream.
func NewDecryptReader(r io.Reader, key []byte) (io.Reader, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("pipeline: new XChaCha20-Poly1305: %w", err)
	}
	base := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(r, base); err != nil {
		return nil, fmt.Errorf("pipeline: read nonce header: %w", err)
	}
	return &streamDecryptReader{aead: &aeadStream{aead: aead, base: base}, r: r}, nil
}

func (s *streamDecryptReader) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.done {
			return 0, io.EOF
		}
		var lenPrefix [4]byte
		if _, err := io.ReadFull(s.r, lenPrefix[:]); err != nil {
			return 0, fmt.Errorf("pipeline: read chunk length: %w", err)
		}
		ctLen := binary.BigEndian.Uint32(lenPrefix[:])
		ct := make([]byte, ctLen)
		if _, err := io.ReadFull(s.r, ct); err != nil {
			return 0, fmt.Errorf("pipeline: read chunk: %w", err)
		}
		nonce := s.aead.nonceFor(s.counter)
		s.counter++
		plain, err := s.aead.aead.Open(nil, nonce, ct, nil)
		if err != nil {
			return 0, fmt.Errorf("pipeline: decrypt chunk: %w", err)
		}
		if len(plain) == 0 {
			s.done = true
			return 0, io.EOF
		}
		s.buf = plain
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
