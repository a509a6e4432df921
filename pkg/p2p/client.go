package p2p

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/shardnet/shardnet/internal/errs"
)

type ClientOptions struct {
	Handshake   Handshake
	DialTimeout time.Duration
}

// Client issues one request per connection. Every chunk it returns has been
// checked against the hash it asked for.
type Client struct {
	ClientOptions
	dialer net.Dialer
}

func NewClient(opts ClientOptions) *Client {
	if opts.Handshake == nil {
		opts.Handshake = NopHandshake
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Client{
		ClientOptions: opts,
		dialer:        net.Dialer{Timeout: opts.DialTimeout},
	}
}

// roundTrip dials addr, sends one request and decodes the reply into resp.
// Network failures are reported as Unavailable; a cancelled or expired ctx
// is returned as-is.
func (c *Client) roundTrip(ctx context.Context, addr string, reqType byte, req any, respType byte, resp any) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return c.netErr(ctx, addr, err)
	}
	defer conn.Close()

	// unblock reads and writes as soon as ctx is done
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	peer := NewTCPPeer(true, conn)
	if err := c.Handshake(peer); err != nil {
		return c.netErr(ctx, addr, fmt.Errorf("handshake: %w", err))
	}
	if err := WriteFrame(peer, reqType, req); err != nil {
		return c.netErr(ctx, addr, err)
	}

	frame, err := ReadFrame(peer)
	if err != nil {
		return c.netErr(ctx, addr, err)
	}

	switch frame.Type {
	case respType:
		if err := frame.Decode(resp); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "peer %s sent malformed reply", addr)
		}
		return nil
	case TypeError:
		var e ErrorResponse
		if err := frame.Decode(&e); err != nil {
			return errs.Wrap(errs.KindUnavailable, err, "peer %s sent malformed error", addr)
		}
		return errs.New(errs.Kind(e.Kind), "peer %s: %s", addr, e.Message)
	}
	return errs.Unavailable("peer %s replied with unexpected frame 0x%x", addr, frame.Type)
}

func (c *Client) netErr(ctx context.Context, addr string, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errs.Wrap(errs.KindTimeout, ctx.Err(), "peer %s", addr)
		}
		return ctx.Err()
	}
	return errs.Wrap(errs.KindUnavailable, err, "peer %s", addr)
}

// FetchChunk retrieves one chunk and verifies its content hash.
func (c *Client) FetchChunk(ctx context.Context, addr, hash string) ([]byte, error) {
	var resp ChunkData
	if err := c.roundTrip(ctx, addr, TypeGetChunk, GetChunk{Hash: hash}, TypeChunkData, &resp); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(resp.Data)
	if got := hex.EncodeToString(sum[:]); got != hash {
		return nil, errs.Unavailable("peer %s returned corrupt chunk %s (hashes to %s)", addr, hash, got)
	}
	return resp.Data, nil
}

// FetchManifest asks addr for the manifest it holds for filename.
func (c *Client) FetchManifest(ctx context.Context, addr, filename string) (*ManifestInfo, error) {
	var resp ManifestInfo
	if err := c.roundTrip(ctx, addr, TypeGetManifest, GetManifest{Filename: filename}, TypeManifest, &resp); err != nil {
		return nil, err
	}
	if resp.Filename != filename {
		return nil, errs.Unavailable("peer %s answered for %q instead of %q", addr, resp.Filename, filename)
	}
	return &resp, nil
}

// Ping measures the round trip to addr.
func (c *Client) Ping(ctx context.Context, addr string) (time.Duration, error) {
	nonce := rand.Uint64()
	start := time.Now()
	var pong Pong
	if err := c.roundTrip(ctx, addr, TypePing, Ping{Nonce: nonce}, TypePong, &pong); err != nil {
		return 0, err
	}
	if pong.Nonce != nonce {
		return 0, errs.Unavailable("peer %s echoed wrong nonce", addr)
	}
	return time.Since(start), nil
}
