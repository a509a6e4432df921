package p2p

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SecureConn wraps a net.Conn with ChaCha20-Poly1305. Each Write is split
// into sealed frames of [4-byte big-endian length][ciphertext+tag]; Read
// opens them and buffers whatever the caller's slice cannot hold.
type SecureConn struct {
	net.Conn
	enc      cipher.AEAD
	dec      cipher.AEAD
	encNonce []byte // little-endian counter, bumped after every frame
	decNonce []byte
	leftover []byte
	writeMu  sync.Mutex
	readMu   sync.Mutex
}

const (
	nonceSize    = chacha20poly1305.NonceSize
	maxFrameSize = 64 * 1024 // plaintext bytes per sealed frame

	handshakeTimeout = 10 * time.Second
	hkdfInfo         = "shardnet-chunk-protocol-v1"
)

var ErrTampered = errors.New("p2p: frame failed authentication")

// incrementNonce bumps the nonce by 1 in little-endian order. Reusing a
// nonce under the same key would break the AEAD.
func incrementNonce(nonce []byte) {
	for i := 0; i < len(nonce); i++ {
		nonce[i]++
		if nonce[i] != 0 {
			break
		}
	}
}

func (s *SecureConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	frame := make([]byte, 4, 4+min(len(p), maxFrameSize)+s.enc.Overhead())
	for len(p) > 0 {
		chunk := p[:min(len(p), maxFrameSize)]
		p = p[len(chunk):]

		frame = s.enc.Seal(frame[:4], s.encNonce, chunk, nil)
		incrementNonce(s.encNonce)
		binary.BigEndian.PutUint32(frame[:4], uint32(len(frame)-4))

		if _, err := s.Conn.Write(frame); err != nil {
			return written, fmt.Errorf("failed to write sealed frame: %w", err)
		}
		written += len(chunk)
	}
	return written, nil
}

func (s *SecureConn) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(s.Conn, lenBuf[:]); err != nil {
		return 0, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > uint32(maxFrameSize+s.dec.Overhead()) {
		s.Conn.Close()
		return 0, fmt.Errorf("sealed frame of %d bytes exceeds limit", frameLen)
	}

	ciphertext := make([]byte, frameLen)
	if _, err := io.ReadFull(s.Conn, ciphertext); err != nil {
		return 0, fmt.Errorf("failed to read sealed frame: %w", err)
	}

	plaintext, err := s.dec.Open(ciphertext[:0], s.decNonce, ciphertext, nil)
	if err != nil {
		s.Conn.Close()
		return 0, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	incrementNonce(s.decNonce)

	n := copy(p, plaintext)
	s.leftover = plaintext[n:]
	return n, nil
}

// SecureHandshake performs an ephemeral X25519 exchange and replaces
// peer.Conn with a SecureConn. The dialing side sends its public key first
// so the two ends never both wait to receive.
func SecureHandshake(peer *TCPPeer) error {
	peer.Conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer peer.Conn.SetDeadline(time.Time{})

	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("failed to compute public key: %w", err)
	}

	remotePub, err := exchangeKeys(peer, pub)
	if err != nil {
		return err
	}

	shared, err := curve25519.X25519(priv[:], remotePub)
	if err != nil {
		return fmt.Errorf("failed to compute shared secret: %w", err)
	}

	enc, dec, err := deriveCiphers(shared, peer.isOutbound)
	if err != nil {
		return err
	}

	peer.Conn = &SecureConn{
		Conn:     peer.Conn,
		enc:      enc,
		dec:      dec,
		encNonce: make([]byte, nonceSize),
		decNonce: make([]byte, nonceSize),
	}
	return nil
}

func exchangeKeys(peer *TCPPeer, pub []byte) ([]byte, error) {
	remote := make([]byte, 32)
	send := func() error {
		if _, err := peer.Conn.Write(pub); err != nil {
			return fmt.Errorf("failed to send public key: %w", err)
		}
		return nil
	}
	recv := func() error {
		if _, err := io.ReadFull(peer.Conn, remote); err != nil {
			return fmt.Errorf("failed to receive peer public key: %w", err)
		}
		return nil
	}

	first, second := recv, send
	if peer.isOutbound {
		first, second = send, recv
	}
	if err := first(); err != nil {
		return nil, err
	}
	if err := second(); err != nil {
		return nil, err
	}
	return remote, nil
}

// deriveCiphers expands the shared secret into one key per direction. The
// dialer writes with the first key and reads with the second; the acceptor
// does the opposite, so each side's write key is the other's read key.
func deriveCiphers(shared []byte, outbound bool) (enc, dec cipher.AEAD, err error) {
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), keys); err != nil {
		return nil, nil, fmt.Errorf("failed to derive keys: %w", err)
	}

	writeKey, readKey := keys[:32], keys[32:]
	if !outbound {
		writeKey, readKey = readKey, writeKey
	}

	if enc, err = chacha20poly1305.New(writeKey); err != nil {
		return nil, nil, fmt.Errorf("failed to create encryption cipher: %w", err)
	}
	if dec, err = chacha20poly1305.New(readKey); err != nil {
		return nil, nil, fmt.Errorf("failed to create decryption cipher: %w", err)
	}
	return enc, dec, nil
}
