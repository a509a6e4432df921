// Package registry tracks the peers that have joined this node: their
// chunk-protocol address, liveness and last contact. Peers are session
// scoped; nothing here survives a restart.
package registry

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/metrics"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ParseStatus accepts online/offline and the older active/inactive names.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online", "active":
		return StatusOnline, nil
	case "offline", "inactive":
		return StatusOffline, nil
	}
	return "", errs.Invalid("unknown peer status %q", s)
}

type Peer struct {
	PeerID       string    `json:"peer_id"`
	IP           string    `json:"ip"`
	Port         int       `json:"port"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Addr is the peer's chunk protocol address.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// TimeProvider abstracts the clock for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RemovalReason says why a peer left the registry.
type RemovalReason string

const (
	RemovedDeregistered RemovalReason = "deregistered"
	RemovedExpired      RemovalReason = "expired"
)

type Options struct {
	// LivenessWindow is how long a peer stays online without an update.
	LivenessWindow time.Duration
	// SessionTTL is how long an offline peer is kept before eviction.
	SessionTTL time.Duration

	Clock  TimeProvider
	Events events.Publisher
	// OnRemove runs (outside the registry lock) after a peer is removed.
	OnRemove func(peerID string, reason RemovalReason)
}

type entry struct {
	peer Peer
	seq  uint64
}

type Registry struct {
	Options

	mu    sync.RWMutex
	peers map[string]*entry
	seq   uint64

	newID func() string
}

func New(opts Options) *Registry {
	if opts.LivenessWindow <= 0 {
		opts.LivenessWindow = 60 * time.Second
	}
	if opts.SessionTTL < opts.LivenessWindow {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Registry{
		Options: opts,
		peers:   make(map[string]*entry),
		newID:   func() string { return uuid.NewString() },
	}
}

// Register admits a peer and returns it with a freshly issued id. Registering
// the same address twice yields two independent sessions.
func (r *Registry) Register(ip string, port int) (Peer, error) {
	ip = strings.TrimSpace(ip)
	if ip == "" || strings.ContainsAny(ip, " /\t") {
		return Peer{}, errs.Invalid("invalid peer ip %q", ip)
	}
	if port < 1 || port > 65535 {
		return Peer{}, errs.Invalid("invalid peer port %d", port)
	}

	now := r.Clock.Now()
	r.mu.Lock()
	r.seq++
	p := Peer{
		PeerID:       r.newID(),
		IP:           ip,
		Port:         port,
		Status:       StatusOnline,
		LastSeen:     now,
		RegisteredAt: now,
	}
	r.peers[p.PeerID] = &entry{peer: p, seq: r.seq}
	r.updateGaugesLocked()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Register",
		"peer_id":  p.PeerID,
		"addr":     p.Addr(),
	}).Info("Peer registered")
	r.Events.Publish(events.PeerRegistered, p)
	return p, nil
}

// UpdateStatus sets a peer's status and refreshes its last contact time.
func (r *Registry) UpdateStatus(peerID, status string) (Peer, error) {
	st, err := ParseStatus(status)
	if err != nil {
		return Peer{}, err
	}

	r.mu.Lock()
	e, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return Peer{}, errs.NotFound("peer %s", peerID)
	}
	changed := e.peer.Status != st
	e.peer.Status = st
	e.peer.LastSeen = r.Clock.Now()
	p := e.peer
	r.updateGaugesLocked()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UpdateStatus",
		"peer_id":  peerID,
		"status":   st,
	}).Debug("Peer status updated")
	if changed {
		r.Events.Publish(events.PeerStatusChanged, p)
	}
	return p, nil
}

// Touch refreshes last contact without changing status.
func (r *Registry) Touch(peerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[peerID]
	if !ok {
		return errs.NotFound("peer %s", peerID)
	}
	e.peer.LastSeen = r.Clock.Now()
	return nil
}

// List returns online peers in registration order.
func (r *Registry) List() []Peer {
	return r.list(true)
}

// All returns every known peer, online or not, in registration order.
func (r *Registry) All() []Peer {
	return r.list(false)
}

func (r *Registry) list(onlineOnly bool) []Peer {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.peers))
	for _, e := range r.peers {
		if onlineOnly && e.peer.Status != StatusOnline {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Peer, len(entries))
	for i, e := range entries {
		out[i] = e.peer
	}
	r.mu.RUnlock()
	return out
}

func (r *Registry) Get(peerID string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[peerID]
	if !ok {
		return Peer{}, errs.NotFound("peer %s", peerID)
	}
	return e.peer, nil
}

// Address returns the chunk protocol address of an online peer.
func (r *Registry) Address(peerID string) (string, error) {
	p, err := r.Get(peerID)
	if err != nil {
		return "", err
	}
	if p.Status != StatusOnline {
		return "", errs.Unavailable("peer %s is offline", peerID)
	}
	return p.Addr(), nil
}

func (r *Registry) Deregister(peerID string) error {
	r.mu.Lock()
	if _, ok := r.peers[peerID]; !ok {
		r.mu.Unlock()
		return errs.NotFound("peer %s", peerID)
	}
	delete(r.peers, peerID)
	r.updateGaugesLocked()
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Deregister",
		"peer_id":  peerID,
	}).Info("Peer deregistered")
	r.removed(peerID, RemovedDeregistered)
	return nil
}

func (r *Registry) removed(peerID string, reason RemovalReason) {
	r.Events.Publish(events.PeerRemoved, map[string]string{
		"peer_id": peerID,
		"reason":  string(reason),
	})
	if r.OnRemove != nil {
		r.OnRemove(peerID, reason)
	}
}

// Sweep marks silent peers offline and evicts peers whose session expired.
// It returns how many peers changed in each way.
func (r *Registry) Sweep() (offlined, evicted int) {
	now := r.Clock.Now()
	var changed []Peer
	var gone []string

	r.mu.Lock()
	for id, e := range r.peers {
		idle := now.Sub(e.peer.LastSeen)
		switch {
		case idle > r.SessionTTL:
			delete(r.peers, id)
			gone = append(gone, id)
		case e.peer.Status == StatusOnline && idle > r.LivenessWindow:
			e.peer.Status = StatusOffline
			changed = append(changed, e.peer)
		}
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, p := range changed {
		logrus.WithFields(logrus.Fields{
			"function":  "Sweep",
			"peer_id":   p.PeerID,
			"last_seen": p.LastSeen,
		}).Info("Peer missed liveness window, marking offline")
		r.Events.Publish(events.PeerStatusChanged, p)
	}
	sort.Strings(gone)
	for _, id := range gone {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"peer_id":  id,
		}).Info("Peer session expired, evicting")
		r.removed(id, RemovedExpired)
	}
	return len(changed), len(gone)
}

func (r *Registry) updateGaugesLocked() {
	online := 0
	for _, e := range r.peers {
		if e.peer.Status == StatusOnline {
			online++
		}
	}
	metrics.PeersRegistered.Set(float64(len(r.peers)))
	metrics.PeersOnline.Set(float64(online))
}
