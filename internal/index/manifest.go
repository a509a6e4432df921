package index

import (
	"fmt"
	"strings"
	"time"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/storage"
)

// MaxFilenameLength matches common filesystem limits.
const MaxFilenameLength = 255

// ChunkRef locates one chunk of a file.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
}

// Manifest describes how to rebuild a file from its chunks. A committed
// manifest is never mutated; replacing a file installs a new one.
type Manifest struct {
	Filename  string     `json:"filename"`
	TotalSize int64      `json:"total_size"`
	ChunkSize int64      `json:"chunk_size"`
	Chunks    []ChunkRef `json:"chunks"`
	CreatedAt time.Time  `json:"created_at"`
	// Local is set when this node holds a reference on every chunk.
	Local bool `json:"local"`
}

// Hashes returns the chunk hashes in manifest order, duplicates included.
func (m *Manifest) Hashes() []string {
	out := make([]string, len(m.Chunks))
	for i, c := range m.Chunks {
		out[i] = c.Hash
	}
	return out
}

// SameContent reports whether two manifests describe identical bytes.
func (m *Manifest) SameContent(o *Manifest) bool {
	if m == nil || o == nil {
		return false
	}
	if m.TotalSize != o.TotalSize || len(m.Chunks) != len(o.Chunks) {
		return false
	}
	for i := range m.Chunks {
		if m.Chunks[i] != o.Chunks[i] {
			return false
		}
	}
	return true
}

// Validate checks the structural invariants: contiguous indexes starting at
// zero, well-formed hashes, and sizes that add up with only the final chunk
// allowed to be short.
func (m *Manifest) Validate() error {
	if err := ValidateFilename(m.Filename); err != nil {
		return err
	}
	if m.ChunkSize <= 0 && len(m.Chunks) > 0 {
		return errs.Invalid("manifest %s: chunk size %d", m.Filename, m.ChunkSize)
	}
	var total int64
	for i, c := range m.Chunks {
		if c.Index != i {
			return errs.Invalid("manifest %s: chunk %d has index %d", m.Filename, i, c.Index)
		}
		if !storage.ValidHash(c.Hash) {
			return errs.Invalid("manifest %s: chunk %d has malformed hash", m.Filename, i)
		}
		last := i == len(m.Chunks)-1
		if c.Size <= 0 || c.Size > m.ChunkSize || (!last && c.Size != m.ChunkSize) {
			return errs.Invalid("manifest %s: chunk %d has size %d", m.Filename, i, c.Size)
		}
		total += c.Size
	}
	if total != m.TotalSize {
		return errs.Invalid("manifest %s: chunks sum to %d, total_size is %d", m.Filename, total, m.TotalSize)
	}
	return nil
}

// ValidateFilename rejects names that could not be used as a flat key or
// that would escape a download directory.
func ValidateFilename(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errs.Invalid("filename is required")
	case len(name) > MaxFilenameLength:
		return errs.Invalid("filename longer than %d bytes", MaxFilenameLength)
	case name == "." || name == "..":
		return errs.Invalid("invalid filename %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return errs.Invalid("filename %q must not contain path separators", name)
	}
	return nil
}

func (m *Manifest) String() string {
	return fmt.Sprintf("Manifest{%s, %d bytes, %d chunks}", m.Filename, m.TotalSize, len(m.Chunks))
}
