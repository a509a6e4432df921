// Package events is an in-process publish/subscribe bus. The gateway relays
// it to browsers over a websocket.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	PeerRegistered    Type = "peer_registered"
	PeerStatusChanged Type = "peer_status_changed"
	PeerRemoved       Type = "peer_removed"
	FileAdded         Type = "file_added"
	FileRemoved       Type = "file_removed"
	TransferProgress  Type = "transfer_progress"
	TransferFinished  Type = "transfer_finished"
)

type Event struct {
	Seq  uint64    `json:"seq"`
	Type Type      `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Publisher is what components depend on; a nil-safe no-op is available via Discard.
type Publisher interface {
	Publish(t Type, data any)
}

type discard struct{}

func (discard) Publish(Type, any) {}

// Discard drops every event.
var Discard Publisher = discard{}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses the event instead of blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
	seq  atomic.Uint64
	now  func() time.Time
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[*subscriber]struct{}),
		now:  time.Now,
	}
}

func (b *Bus) Publish(t Type, data any) {
	ev := Event{
		Seq:  b.seq.Add(1),
		Type: t,
		Time: b.now(),
		Data: data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes the channel. buffer < 1 is treated as 1.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
