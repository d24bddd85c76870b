// Package encreader implements the encrypting reader of spec.md §4.3: a
// lazy, single-consumer stream of encrypted chunks over a local file,
// with a stable keyed-hash name encoding and a stop token checked
// before each chunk. Grounded on backend/crypt/cipher.go's
// newEncrypter/Read (chunked streaming read) and encryptSegment/
// decryptSegment (keyed name transformation), generalized to the
// spec's BLAKE2b-keyed hash + hex rendering instead of AES-SIV/base32.
package encreader

import (
	"encoding/hex"
	"errors"
	"io"
	"os"

	"github.com/blockstorage1/repertory/internal/chunkcrypt"
	"github.com/blockstorage1/repertory/internal/kdf"
	"golang.org/x/crypto/blake2b"
)

// ErrCancelled is returned from Read once the stop token has been
// raised; it surfaces to the caller on the next read call, per
// spec.md §4.3.
var ErrCancelled = errors.New("encreader: cancelled")

// StopToken is consulted on every Read call and before producing each
// chunk.
type StopToken interface {
	Stopped() bool
}

// StopFunc adapts a plain function to StopToken.
type StopFunc func() bool

func (f StopFunc) Stopped() bool { return f() }

// Reader presents an underlying *os.File as
// [kdf header?] || chunk_0 || chunk_1 || ... — a lazily-produced,
// forward-only stream. Not safe for concurrent use; not restartable
// once advanced past a chunk. It has no Seek method: output always
// starts at the beginning of the stream.
type Reader struct {
	src           *os.File
	key           []byte
	dataChunkSize int64
	header        *[kdf.HeaderSize]byte // nil if no per-file header is prepended
	stop          StopToken

	headerSent bool
	chunkIndex int64
	plainSize  int64

	pending []byte // undelivered bytes of the current encrypted chunk
}

// New wraps src (already positioned at offset 0) for streaming
// encryption under key. If header is non-nil, it is emitted once
// before the first chunk and adds kdf.HeaderSize (40) bytes to the
// virtual length; see Len, where the final chunk's frame is only as
// long as its plaintext plus the frame overhead. plainSize must be the exact plaintext size
// of src at the time of construction (the reader does not re-stat).
func New(src *os.File, key []byte, dataChunkSize int64, plainSize int64, header *[kdf.HeaderSize]byte, stop StopToken) *Reader {
	if stop == nil {
		stop = StopFunc(func() bool { return false })
	}
	return &Reader{
		src:           src,
		key:           key,
		dataChunkSize: dataChunkSize,
		header:        header,
		stop:          stop,
		plainSize:     plainSize,
	}
}

// Len returns the total virtual stream length.
func (r *Reader) Len() int64 {
	n := chunkcrypt.NumChunks(r.plainSize, r.dataChunkSize)
	var total int64
	if n > 0 {
		last := r.plainSize - (n-1)*r.dataChunkSize
		total = (n-1)*int64(chunkcrypt.EncryptedChunkSize(int(r.dataChunkSize))) + int64(chunkcrypt.EncryptedChunkSize(int(last)))
	}
	if r.header != nil {
		total += kdf.HeaderSize
	}
	return total
}

// Read implements io.Reader, filling p with encrypted header/chunk
// bytes as they become available. It returns ErrCancelled on any call
// made after the stop token was raised, even mid-chunk.
func (r *Reader) Read(p []byte) (int, error) {
	if r.stop.Stopped() {
		return 0, ErrCancelled
	}
	if len(r.pending) == 0 {
		if err := r.advance(); err != nil {
			return 0, err
		}
	}
	if len(r.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// advance produces the next unit of output (the header, once, then
// successive encrypted chunks) into r.pending.
func (r *Reader) advance() error {
	if r.header != nil && !r.headerSent {
		r.headerSent = true
		r.pending = append([]byte(nil), r.header[:]...)
		return nil
	}

	totalChunks := chunkcrypt.NumChunks(r.plainSize, r.dataChunkSize)
	if r.chunkIndex >= totalChunks {
		return nil // caller sees this as EOF via the empty-pending check.
	}

	if r.stop.Stopped() {
		return ErrCancelled
	}

	start := r.chunkIndex * r.dataChunkSize
	end := start + r.dataChunkSize
	if end > r.plainSize {
		end = r.plainSize
	}
	plain := make([]byte, end-start)
	if _, err := r.src.ReadAt(plain, start); err != nil && err != io.EOF {
		return err
	}

	frame, err := chunkcrypt.EncryptChunk(r.key, plain)
	if err != nil {
		return err
	}
	r.pending = frame
	r.chunkIndex++
	return nil
}

// EncryptName derives a stable hex-rendered name for relativeAPIPath
// under masterKey, via a keyed BLAKE2b hash (spec.md §4.3: "a
// deterministic keyed hash over the original name, rendered as hex").
// The inverse (decrypting a name back to its original) requires a
// meta_db lookup by the caller holding the master token — this
// function is one-directional by design, matching spec.md's note that
// DecryptFileName/DecryptFilePath are only meaningful inside the host
// that holds the master token.
func EncryptName(masterKey []byte, relativeAPIPath string) (string, error) {
	h, err := blake2b.New256(masterKey)
	if err != nil {
		return "", err
	}
	h.Write([]byte(relativeAPIPath))
	return hex.EncodeToString(h.Sum(nil)), nil
}
