package dht

import "sort"

// Holder is a peer able to serve a chunk.
type Holder struct {
	PeerID string
	ID     ID
}

func NewHolder(peerID string) Holder {
	return Holder{PeerID: peerID, ID: NewID(peerID)}
}

// ShortList is a list of holders sorted by distance to a target.
type ShortList struct {
	Holders []Holder
	Target  ID
}

func (s *ShortList) Sort() {
	sort.SliceStable(s.Holders, func(i, j int) bool {
		return Less(s.Holders[i].ID, s.Holders[j].ID, s.Target)
	})
}

// Rank returns peerIDs ordered by XOR distance to the chunk hash, closest
// first. The input slice is not modified. Ties (only possible for duplicate
// ids) keep input order.
func Rank(peerIDs []string, chunkHash string) []string {
	sl := ShortList{
		Holders: make([]Holder, len(peerIDs)),
		Target:  ChunkID(chunkHash),
	}
	for i, p := range peerIDs {
		sl.Holders[i] = NewHolder(p)
	}
	sl.Sort()

	out := make([]string, len(sl.Holders))
	for i, h := range sl.Holders {
		out[i] = h.PeerID
	}
	return out
}
