// Package dht provides the XOR keyspace used to decide which holder to ask
// for a chunk first. Peer ids and chunk hashes are both mapped into the same
// 256-bit space; the holder closest to a chunk is preferred for it, which
// spreads the chunks of one file across its holders.
package dht

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
)

const IDLength = 32 // 256 bits

type ID [IDLength]byte

// NewID hashes an arbitrary string (a peer id, a filename) into the keyspace.
func NewID(data string) ID {
	return sha256.Sum256([]byte(data))
}

// IDFromHex decodes a hex SHA-256 digest, such as a chunk hash, directly.
func IDFromHex(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != IDLength {
		return id, fmt.Errorf("invalid ID length: expected %d, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ChunkID places a chunk hash in the keyspace. Strings that are not a hex
// digest are hashed instead, so every input gets a stable position.
func ChunkID(hash string) ID {
	if id, err := IDFromHex(hash); err == nil {
		return id
	}
	return NewID(hash)
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Distance calculates the XOR distance between two IDs
func Distance(a, b ID) *big.Int {
	res := make([]byte, IDLength)
	for i := 0; i < IDLength; i++ {
		res[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(res)
}

// Less returns true if distance(a, target) < distance(b, target)
func Less(a, b, target ID) bool {
	for i := 0; i < IDLength; i++ {
		da, db := a[i]^target[i], b[i]^target[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// CommonPrefixLen returns the number of leading zero bits in (a XOR b)
func CommonPrefixLen(a, b ID) int {
	for i := 0; i < IDLength; i++ {
		xor := a[i] ^ b[i]
		if xor != 0 {
			for j := 0; j < 8; j++ {
				if (xor>>uint(7-j))&1 != 0 {
					return i*8 + j
				}
			}
		}
	}
	return IDLength * 8
}
