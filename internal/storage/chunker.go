package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// DefaultChunkSize is 4 MiB. A failed peer fetch costs at most one chunk of
// progress, and ordinary files stay at a handful of chunks.
const DefaultChunkSize = 4 * 1024 * 1024

// bufPool reuses chunk-sized buffers so concurrent uploads don't each
// allocate a fresh 4 MiB slice per chunk.
var bufPool = sync.Pool{
	New: func() any {
		buf := make([]byte, DefaultChunkSize)
		return &buf
	},
}

// ChunkResult describes one chunk produced by Split.
type ChunkResult struct {
	Index int    // position in the original stream (0-based)
	Hash  string // SHA-256 hex of the chunk content
	Size  int64  // last chunk may be smaller
}

// HashChunk returns the content address of data.
func HashChunk(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether s looks like a lowercase hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Split reads src in fixed-size pieces and calls fn for each one, in order.
// The data slice is only valid for the duration of the call. An empty
// stream produces no chunks. Splitting is deterministic: the same bytes
// and chunk size always yield the same hashes.
func Split(src io.Reader, chunkSize int64, fn func(ChunkResult, []byte) error) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	if int64(cap(*bufPtr)) < chunkSize {
		buf := make([]byte, chunkSize)
		bufPtr = &buf
	}
	buf := (*bufPtr)[:chunkSize]

	for index := 0; ; index++ {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			data := buf[:n]
			res := ChunkResult{Index: index, Hash: HashChunk(data), Size: int64(n)}
			if ferr := fn(res, data); ferr != nil {
				return ferr
			}
		}

		// ReadFull returns ErrUnexpectedEOF on a short final chunk and EOF
		// when the stream ended exactly on a boundary.
		switch err {
		case nil:
			continue
		case io.EOF, io.ErrUnexpectedEOF:
			return nil
		default:
			return fmt.Errorf("chunk %d read error: %w", index, err)
		}
	}
}
