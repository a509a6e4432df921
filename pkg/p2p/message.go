package p2p

import "time"

// Frame types. Every frame on the wire is [type (1 byte)][length (4 bytes LE)][gob payload].
const (
	TypeGetChunk    byte = 0x1
	TypeChunkData   byte = 0x2
	TypeGetManifest byte = 0x3
	TypeManifest    byte = 0x4
	TypePing        byte = 0x5
	TypePong        byte = 0x6
	TypeError       byte = 0x7
)

// GetChunk asks the remote node for one chunk by content hash.
type GetChunk struct {
	Hash string
}

type ChunkData struct {
	Hash string
	Data []byte
}

type GetManifest struct {
	Filename string
}

// ChunkInfo and ManifestInfo are the wire form of a file manifest.
type ChunkInfo struct {
	Index int
	Hash  string
	Size  int64
}

type ManifestInfo struct {
	Filename  string
	TotalSize int64
	ChunkSize int64
	Chunks    []ChunkInfo
	CreatedAt time.Time
}

type Ping struct {
	Nonce uint64
}

type Pong struct {
	Nonce uint64
}

// ErrorResponse answers any request that could not be served. Kind carries
// an errs.Kind value so callers can tell a missing chunk from a busy node.
type ErrorResponse struct {
	Kind    uint8
	Message string
}

// Frame is one decoded message with its payload still gob-encoded.
type Frame struct {
	Type    byte
	Payload []byte
}
