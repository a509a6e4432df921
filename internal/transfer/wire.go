package transfer

import (
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/pkg/p2p"
)

func toWire(m *index.Manifest) *p2p.ManifestInfo {
	w := &p2p.ManifestInfo{
		Filename:  m.Filename,
		TotalSize: m.TotalSize,
		ChunkSize: m.ChunkSize,
		Chunks:    make([]p2p.ChunkInfo, len(m.Chunks)),
		CreatedAt: m.CreatedAt,
	}
	for i, c := range m.Chunks {
		w.Chunks[i] = p2p.ChunkInfo{Index: c.Index, Hash: c.Hash, Size: c.Size}
	}
	return w
}

// fromWire builds a remote manifest; the caller validates it.
func fromWire(w *p2p.ManifestInfo) *index.Manifest {
	m := &index.Manifest{
		Filename:  w.Filename,
		TotalSize: w.TotalSize,
		ChunkSize: w.ChunkSize,
		Chunks:    make([]index.ChunkRef, len(w.Chunks)),
		CreatedAt: w.CreatedAt,
	}
	for i, c := range w.Chunks {
		m.Chunks[i] = index.ChunkRef{Index: c.Index, Hash: c.Hash, Size: c.Size}
	}
	return m
}
