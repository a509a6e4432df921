// Package transfer moves file bytes in and out of the node: atomic uploads
// into the chunk store, and ordered downloads that pull missing chunks from
// holder peers with bounded fan-out.
package transfer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/internal/metrics"
	"github.com/shardnet/shardnet/internal/storage"
	"github.com/shardnet/shardnet/pkg/p2p"
)

// PeerResolver maps a holder's peer id to its chunk protocol address.
type PeerResolver interface {
	Address(peerID string) (string, error)
}

// PeerClient talks the chunk protocol; *p2p.Client satisfies it.
type PeerClient interface {
	FetchChunk(ctx context.Context, addr, hash string) ([]byte, error)
	FetchManifest(ctx context.Context, addr, filename string) (*p2p.ManifestInfo, error)
	Ping(ctx context.Context, addr string) (time.Duration, error)
}

type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// anonymous is the limiter key for requests that name no peer.
const anonymous = "anonymous"

type Options struct {
	ChunkSize           int64
	FetchFanout         int
	MaxTransfersPerPeer int
	StallTimeout        time.Duration
	FetchTimeout        time.Duration
	Retention           time.Duration
	// SelfPeer owns uploads that name no peer. It is never asked for chunks
	// over the network.
	SelfPeer string

	Clock  TimeProvider
	Events events.Publisher
}

type Coordinator struct {
	Options

	store  *storage.ChunkStore
	index  *index.Index
	peers  PeerResolver
	client PeerClient

	// inbound bounds transfers per requesting peer; outbound bounds chunk
	// fetches per holder across all downloads
	inbound  *PeerLimiter
	outbound *PeerLimiter

	mu        sync.RWMutex
	transfers map[string]*Transfer
}

func NewCoordinator(opts Options, store *storage.ChunkStore, idx *index.Index, peers PeerResolver, client PeerClient) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = storage.DefaultChunkSize
	}
	if opts.FetchFanout < 1 {
		opts.FetchFanout = 4
	}
	if opts.MaxTransfersPerPeer < 1 {
		opts.MaxTransfersPerPeer = 4
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = 30 * time.Second
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Coordinator{
		Options:   opts,
		store:     store,
		index:     idx,
		peers:     peers,
		client:    client,
		inbound:   NewPeerLimiter(opts.MaxTransfersPerPeer),
		outbound:  NewPeerLimiter(opts.MaxTransfersPerPeer),
		transfers: make(map[string]*Transfer),
	}
}

// Download resolves filename and reserves a transfer slot for requester.
// Bytes flow when the caller runs WriteTo. The transfer is bound to ctx:
// cancelling ctx cancels the transfer.
func (c *Coordinator) Download(ctx context.Context, filename, requester string) (*Transfer, error) {
	m, holders, err := c.index.Lookup(filename)
	if err != nil {
		return nil, err
	}

	key := requester
	if key == "" {
		key = anonymous
	}
	if !c.inbound.TryAcquire(key) {
		metrics.Downloads.WithLabelValues("rejected").Inc()
		return nil, errs.Unavailable("peer %s already has %d transfers running", key, c.MaxTransfersPerPeer)
	}

	tctx, cancel := context.WithCancelCause(ctx)
	t := &Transfer{
		ID:         uuid.NewString(),
		Filename:   filename,
		Requester:  requester,
		TotalBytes: m.TotalSize,
		StartedAt:  c.Clock.Now(),
		manifest:   m,
		holders:    holders,
		c:          c,
		ctx:        tctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StatePending,
	}

	c.mu.Lock()
	c.transfers[t.ID] = t
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Download",
		"transfer":  t.ID,
		"filename":  filename,
		"requester": requester,
		"size":      m.TotalSize,
		"chunks":    len(m.Chunks),
	}).Info("Transfer created")
	return t, nil
}

// finished is called exactly once per transfer when it reaches a final state.
func (c *Coordinator) finished(t *Transfer) {
	key := t.Requester
	if key == "" {
		key = anonymous
	}
	c.inbound.Release(key)

	snap := t.Snapshot()
	metrics.Downloads.WithLabelValues(string(snap.Status)).Inc()

	entry := logrus.WithFields(logrus.Fields{
		"function": "finished",
		"transfer": t.ID,
		"filename": t.Filename,
		"status":   snap.Status,
		"bytes":    snap.BytesTransferred,
	})
	if snap.Status == StateCompleted {
		entry.Info("Transfer finished")
	} else {
		entry.WithField("error", snap.Error).Warn("Transfer did not complete")
	}
	c.Events.Publish(events.TransferFinished, snap)
}

// Transfers lists known transfers, oldest first.
func (c *Coordinator) Transfers() []Snapshot {
	c.mu.RLock()
	out := make([]Snapshot, 0, len(c.transfers))
	for _, t := range c.transfers {
		out = append(out, t.Snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *Coordinator) Get(id string) (*Transfer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.transfers[id]
	if !ok {
		return nil, errs.NotFound("transfer %s", id)
	}
	return t, nil
}

// Cancel cancels the transfer with the given id.
func (c *Coordinator) Cancel(id string) error {
	t, err := c.Get(id)
	if err != nil {
		return err
	}
	if t.State().Finished() {
		return errs.Conflict("transfer %s already %s", id, t.State())
	}
	t.Cancel()
	return nil
}

// Reap forgets finished transfers older than the retention window and
// cancels transfers that were created but never started within the stall
// timeout. It returns how many transfers were removed.
func (c *Coordinator) Reap() int {
	now := c.Clock.Now()
	var abandoned []*Transfer

	c.mu.Lock()
	removed := 0
	for id, t := range c.transfers {
		if age, done := t.finishedSince(now); done {
			if age > c.Retention {
				delete(c.transfers, id)
				removed++
			}
			continue
		}
		if t.State() == StatePending && now.Sub(t.StartedAt) > c.StallTimeout {
			abandoned = append(abandoned, t)
		}
	}
	c.mu.Unlock()

	for _, t := range abandoned {
		t.Cancel()
	}
	metrics.TransferPeers.WithLabelValues("inbound").Set(float64(c.inbound.InUse()))
	metrics.TransferPeers.WithLabelValues("outbound").Set(float64(c.outbound.InUse()))
	return removed
}
