package p2p

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFramesBackToBack(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, TypeGetChunk, GetChunk{Hash: "abc"}); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, TypePing, Ping{Nonce: 7}); err != nil {
		t.Fatal(err)
	}

	f1, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	var req GetChunk
	if f1.Type != TypeGetChunk || f1.Decode(&req) != nil || req.Hash != "abc" {
		t.Fatalf("first frame decoded wrong: type=0x%x req=%+v", f1.Type, req)
	}

	f2, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	var ping Ping
	if f2.Type != TypePing || f2.Decode(&ping) != nil || ping.Nonce != 7 {
		t.Fatalf("second frame decoded wrong: type=0x%x ping=%+v", f2.Type, ping)
	}
	if buf.Len() != 0 {
		t.Fatalf("%d bytes left over", buf.Len())
	}
}

func TestReadFrameRejectsBadLength(t *testing.T) {
	for _, length := range []uint32{0, MaxMessageSize + 1} {
		hdr := make([]byte, headerSize)
		hdr[0] = TypeChunkData
		binary.LittleEndian.PutUint32(hdr[1:], length)
		if _, err := ReadFrame(bytes.NewReader(hdr)); err == nil {
			t.Errorf("length %d: expected error", length)
		}
	}
}
