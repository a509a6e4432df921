package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/metrics"
)

// Handler supplies what a node serves to its peers.
type Handler interface {
	Chunk(hash string) ([]byte, error)
	Manifest(filename string) (*ManifestInfo, error)
}

type ServerOptions struct {
	ListenAddr string
	Handshake  Handshake
	Handler    Handler
	// RateLimit caps chunk bytes sent per second across all connections.
	// Zero means unlimited.
	RateLimit int64
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
}

// Server answers chunk protocol requests. It is a suture.Service.
type Server struct {
	ServerOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	limiter  *rate.Limiter
}

func NewServer(opts ServerOptions) *Server {
	if opts.Handshake == nil {
		opts.Handshake = NopHandshake
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	return &Server{
		ServerOptions: opts,
		conns:         make(map[net.Conn]struct{}),
		// burst must cover the largest single chunk or WaitN would refuse it
		limiter: rate.NewLimiter(limit, MaxMessageSize),
	}
}

// Listen binds the listener. Serve calls it when needed; calling it first
// lets callers learn the bound address before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	lc := net.ListenConfig{Control: setSocketReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", s.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.ListenAddr, err)
	}
	s.listener = ln
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Server.Serve",
		"addr":     ln.Addr().String(),
	}).Info("Chunk protocol listening")

	var wg sync.WaitGroup
	defer wg.Wait()
	defer s.shutdown()
	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"function": "Server.Serve",
				"error":    err,
			}).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.track(conn, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.track(conn, false)
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	for c := range s.conns {
		c.Close()
	}
}

// Close stops listening and drops open connections. Serve returns once ctx
// is done; Close is for a server that was bound but never served.
func (s *Server) Close() error {
	s.shutdown()
	return nil
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
		c.Close()
	}
}

func (s *Server) String() string {
	return "p2p.Server@" + s.ListenAddr
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	log := logrus.WithFields(logrus.Fields{
		"function": "handleConnection",
		"remote":   conn.RemoteAddr().String(),
	})

	peer := NewTCPPeer(false, conn)
	if err := s.Handshake(peer); err != nil {
		log.WithField("error", err).Warn("Handshake failed")
		return
	}

	for {
		peer.Conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		frame, err := ReadFrame(peer)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.WithField("error", err).Debug("Connection closed")
			}
			return
		}
		peer.Conn.SetReadDeadline(time.Time{})

		if err := s.dispatch(ctx, peer, frame); err != nil {
			log.WithField("error", err).Debug("Failed to answer request")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, w io.Writer, f Frame) error {
	switch f.Type {
	case TypeGetChunk:
		var req GetChunk
		if err := f.Decode(&req); err != nil {
			return writeError(w, errs.Invalid("decode GetChunk: %v", err))
		}
		data, err := s.Handler.Chunk(req.Hash)
		if err != nil {
			return writeError(w, err)
		}
		if err := s.limiter.WaitN(ctx, len(data)); err != nil {
			return writeError(w, errs.Unavailable("serving throttled: %v", err))
		}
		if err := WriteFrame(w, TypeChunkData, ChunkData{Hash: req.Hash, Data: data}); err != nil {
			return err
		}
		metrics.BytesServed.WithLabelValues("p2p").Add(float64(len(data)))
		return nil

	case TypeGetManifest:
		var req GetManifest
		if err := f.Decode(&req); err != nil {
			return writeError(w, errs.Invalid("decode GetManifest: %v", err))
		}
		m, err := s.Handler.Manifest(req.Filename)
		if err != nil {
			return writeError(w, err)
		}
		return WriteFrame(w, TypeManifest, m)

	case TypePing:
		var req Ping
		if err := f.Decode(&req); err != nil {
			return writeError(w, errs.Invalid("decode Ping: %v", err))
		}
		return WriteFrame(w, TypePong, Pong{Nonce: req.Nonce})
	}
	return writeError(w, errs.Invalid("unknown message type 0x%x", f.Type))
}

func writeError(w io.Writer, err error) error {
	return WriteFrame(w, TypeError, ErrorResponse{
		Kind:    uint8(errs.KindOf(err)),
		Message: err.Error(),
	})
}
