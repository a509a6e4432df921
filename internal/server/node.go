// Package server assembles a ShardNet node: storage, registry, index,
// transfer coordinator, chunk protocol and HTTP gateway, run under one
// supervisor.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/shardnet/shardnet/internal/config"
	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/gateway"
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/internal/metadb"
	"github.com/shardnet/shardnet/internal/registry"
	"github.com/shardnet/shardnet/internal/storage"
	"github.com/shardnet/shardnet/internal/transfer"
	"github.com/shardnet/shardnet/pkg/p2p"
)

// serviceTimeout is how long the supervisor waits for a service to stop.
const serviceTimeout = 10 * time.Second

type Node struct {
	cfg config.Config

	DB          *metadb.DB
	Store       *storage.ChunkStore
	Bus         *events.Bus
	Registry    *registry.Registry
	Index       *index.Index
	Coordinator *transfer.Coordinator
	Gateway     *gateway.Gateway
	P2P         *p2p.Server

	// Self is this node's own registry entry; it holds files uploaded
	// without a peer id.
	Self registry.Peer

	httpLn  net.Listener
	httpSrv *http.Server
}

// New opens the data directory and binds both listeners. Nothing is served
// until Run.
func New(cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	n := &Node{cfg: cfg, Bus: events.NewBus()}
	ok := false
	defer func() {
		if !ok {
			n.close()
		}
	}()

	var err error
	if n.DB, err = metadb.Open(filepath.Join(cfg.DataDir, "meta")); err != nil {
		return nil, err
	}
	if n.Store, err = storage.NewChunkStore(filepath.Join(cfg.DataDir, "chunks"), n.DB, cfg.ChunkCacheEntries); err != nil {
		return nil, err
	}

	handshake := p2p.HandshakeFor(cfg.SecureTransport)
	n.P2P = p2p.NewServer(p2p.ServerOptions{
		ListenAddr: cfg.P2PListen,
		Handshake:  handshake,
		RateLimit:  cfg.ServeRateLimit,
	})
	if err := n.P2P.Listen(); err != nil {
		return nil, err
	}
	host, port, err := p2p.AdvertiseAddr(n.P2P.Addr().String())
	if err != nil {
		return nil, err
	}

	n.Registry = registry.New(registry.Options{
		LivenessWindow: cfg.LivenessWindow,
		SessionTTL:     cfg.SessionTTL,
		Events:         n.Bus,
		OnRemove:       n.peerRemoved,
	})
	if n.Self, err = n.Registry.Register(host, port); err != nil {
		return nil, fmt.Errorf("register self: %w", err)
	}

	n.Index, err = index.New(index.Options{
		DB:       n.DB,
		Chunks:   n.Store,
		Events:   n.Bus,
		SelfPeer: n.Self.PeerID,
	})
	if err != nil {
		return nil, err
	}

	client := p2p.NewClient(p2p.ClientOptions{Handshake: handshake})
	n.Coordinator = transfer.NewCoordinator(transfer.Options{
		ChunkSize:           cfg.ChunkSize,
		FetchFanout:         cfg.FetchFanout,
		MaxTransfersPerPeer: cfg.MaxTransfersPerPeer,
		StallTimeout:        cfg.StallTimeout,
		FetchTimeout:        cfg.FetchTimeout,
		Retention:           cfg.TransferRetention,
		SelfPeer:            n.Self.PeerID,
		Events:              n.Bus,
	}, n.Store, n.Index, n.Registry, client)
	n.P2P.Handler = n.Coordinator.PeerHandler()

	n.Gateway = gateway.New(gateway.Options{
		Registry:    n.Registry,
		Index:       n.Index,
		Coordinator: n.Coordinator,
		Bus:         n.Bus,
		CORSOrigin:  cfg.CORSOrigin,
	})
	if n.httpLn, err = net.Listen("tcp", cfg.Listen); err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	n.httpSrv = &http.Server{
		Handler:           n.Gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"function": "server.New",
		"peer_id":  n.Self.PeerID,
		"http":     n.httpLn.Addr().String(),
		"p2p":      n.Self.Addr(),
		"data_dir": cfg.DataDir,
		"secure":   cfg.SecureTransport,
	}).Info("Node initialised")
	ok = true
	return n, nil
}

// HTTPAddr is the bound gateway address.
func (n *Node) HTTPAddr() net.Addr {
	return n.httpLn.Addr()
}

// Run serves until ctx is cancelled, then releases every resource. A node
// cannot be run twice.
func (n *Node) Run(ctx context.Context) error {
	defer n.close()

	sup := suture.New("shardnetd", suture.Spec{
		EventHook: func(e suture.Event) {
			logrus.WithFields(logrus.Fields{
				"function": "supervisor",
				"event":    e.Type(),
			}).Warn(e.String())
		},
		Timeout: serviceTimeout,
	})
	sup.Add(&registry.Sweeper{Registry: n.Registry, Interval: n.cfg.SweepInterval})
	sup.Add(&transfer.Reaper{Coordinator: n.Coordinator, Interval: n.cfg.SweepInterval})
	sup.Add(&heartbeat{registry: n.Registry, peerID: n.Self.PeerID, interval: n.cfg.LivenessWindow / 3})
	sup.Add(n.P2P)
	sup.Add(&httpService{srv: n.httpSrv, ln: n.httpLn, gw: n.Gateway})

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"http":     n.httpLn.Addr().String(),
	}).Info("ShardNet node running")

	err := sup.Serve(ctx)
	if ctx.Err() != nil {
		// cancellation is the normal way to stop
		return nil
	}
	return err
}

// peerRemoved drops a departed peer from every file it held.
func (n *Node) peerRemoved(peerID string, reason registry.RemovalReason) {
	if n.Index == nil {
		return
	}
	n.Index.DropPeer(peerID)
	logrus.WithFields(logrus.Fields{
		"function": "peerRemoved",
		"peer_id":  peerID,
		"reason":   reason,
	}).Info("Peer removed from file index")
}

func (n *Node) close() {
	if n.P2P != nil {
		n.P2P.Close()
	}
	if n.httpLn != nil {
		n.httpLn.Close()
	}
	if n.Gateway != nil {
		n.Gateway.Close()
	}
	if n.DB != nil {
		if err := n.DB.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "close",
				"error":    err,
			}).Warn("Closing metadata store failed")
		}
	}
}
