package transfer

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// PeerLimiter bounds concurrent work per key (a peer id). Each key gets its
// own weighted semaphore, dropped again once nobody holds or waits on it.
type PeerLimiter struct {
	max int64

	mu   sync.Mutex
	sems map[string]*peerSem
}

type peerSem struct {
	sem  *semaphore.Weighted
	refs int
}

func NewPeerLimiter(max int) *PeerLimiter {
	if max < 1 {
		max = 1
	}
	return &PeerLimiter{
		max:  int64(max),
		sems: make(map[string]*peerSem),
	}
}

func (l *PeerLimiter) ref(key string) *peerSem {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.sems[key]
	if !ok {
		ps = &peerSem{sem: semaphore.NewWeighted(l.max)}
		l.sems[key] = ps
	}
	ps.refs++
	return ps
}

func (l *PeerLimiter) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps, ok := l.sems[key]
	if !ok {
		return
	}
	ps.refs--
	if ps.refs <= 0 {
		delete(l.sems, key)
	}
}

// TryAcquire takes a slot for key without waiting.
func (l *PeerLimiter) TryAcquire(key string) bool {
	ps := l.ref(key)
	if ps.sem.TryAcquire(1) {
		return true
	}
	l.unref(key)
	return false
}

// Acquire waits for a slot for key or until ctx is done.
func (l *PeerLimiter) Acquire(ctx context.Context, key string) error {
	ps := l.ref(key)
	if err := ps.sem.Acquire(ctx, 1); err != nil {
		l.unref(key)
		return err
	}
	return nil
}

// Release returns a slot taken by TryAcquire or Acquire.
func (l *PeerLimiter) Release(key string) {
	l.mu.Lock()
	ps, ok := l.sems[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	ps.sem.Release(1)
	l.unref(key)
}

// InUse reports how many keys currently hold or wait for a slot.
func (l *PeerLimiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}
