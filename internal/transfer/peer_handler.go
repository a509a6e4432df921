package transfer

import (
	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/pkg/p2p"
)

// PeerHandler serves this node's chunks and local manifests over the chunk
// protocol.
type PeerHandler struct {
	c *Coordinator
}

func (c *Coordinator) PeerHandler() *PeerHandler {
	return &PeerHandler{c: c}
}

func (h *PeerHandler) Chunk(hash string) ([]byte, error) {
	return h.c.store.GetChunk(hash)
}

// Manifest only answers for files whose bytes live on this node; relaying
// another peer's manifest would advertise chunks we cannot serve.
func (h *PeerHandler) Manifest(filename string) (*p2p.ManifestInfo, error) {
	m, _, err := h.c.index.Lookup(filename)
	if err != nil {
		return nil, err
	}
	if !m.Local {
		return nil, errs.NotFound("file %s is not stored on this node", filename)
	}
	return toWire(m), nil
}
