package p2p

import (
	"net"
)

// TCPPeer is one chunk protocol connection. After a secure handshake Conn
// is replaced by an encrypting wrapper, so callers just read and write.
type TCPPeer struct {
	net.Conn
	// isOutbound is true if we dialed the connection, false if we accepted it
	isOutbound bool
}

func NewTCPPeer(isOutbound bool, conn net.Conn) *TCPPeer {
	return &TCPPeer{
		Conn:       conn,
		isOutbound: isOutbound,
	}
}

// Handshake runs once per connection before any frame is exchanged.
type Handshake func(peer *TCPPeer) error

// NopHandshake leaves the connection in plaintext.
func NopHandshake(*TCPPeer) error {
	return nil
}

// HandshakeFor picks the handshake for the secure_transport setting.
func HandshakeFor(secure bool) Handshake {
	if secure {
		return SecureHandshake
	}
	return NopHandshake
}
