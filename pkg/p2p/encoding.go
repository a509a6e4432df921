package p2p

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single frame: the largest allowed chunk plus room
// for the gob envelope.
const MaxMessageSize = 16*1024*1024 + 64*1024

const headerSize = 5

// WriteFrame gob-encodes v and writes it as one frame. Header and payload go
// out in a single Write so an encrypting conn seals them together.
func WriteFrame(w io.Writer, typ byte, v any) error {
	var buf bytes.Buffer
	buf.Write(make([]byte, headerSize))
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encode frame 0x%x: %w", typ, err)
	}

	frame := buf.Bytes()
	payloadLen := len(frame) - headerSize
	if payloadLen > MaxMessageSize {
		return fmt.Errorf("frame 0x%x too large: %d bytes", typ, payloadLen)
	}
	frame[0] = typ
	binary.LittleEndian.PutUint32(frame[1:headerSize], uint32(payloadLen))

	_, err := w.Write(frame)
	return err
}

// ReadFrame reads exactly one frame. It never consumes bytes belonging to
// the next frame, so a connection can carry any number of them back to back.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	length := binary.LittleEndian.Uint32(header[1:])
	// Validate message length to prevent memory exhaustion
	if length == 0 || length > MaxMessageSize {
		return Frame{}, fmt.Errorf("invalid message length: %d (must be between 1 and %d bytes)", length, MaxMessageSize)
	}

	f := Frame{Type: header[0], Payload: make([]byte, length)}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("failed to read message payload (%d bytes): %w", length, err)
	}
	return f, nil
}

// Decode unpacks the frame payload into v.
func (f Frame) Decode(v any) error {
	return gob.NewDecoder(bytes.NewReader(f.Payload)).Decode(v)
}
