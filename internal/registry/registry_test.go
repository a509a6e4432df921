package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := New(Options{
		LivenessWindow: time.Minute,
		SessionTTL:     time.Hour,
		Clock:          clock,
	})
	return r, clock
}

func TestRegisterIssuesUniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(t)

	a, err := r.Register("10.0.0.5", 7000)
	require.NoError(t, err)
	b, err := r.Register("10.0.0.5", 7000)
	require.NoError(t, err)

	assert.NotEqual(t, a.PeerID, b.PeerID)
	assert.Equal(t, StatusOnline, a.Status)
	assert.Equal(t, "10.0.0.5:7000", a.Addr())
	assert.Len(t, r.List(), 2)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, c := range []struct {
		ip   string
		port int
	}{
		{"", 7000},
		{"   ", 7000},
		{"10.0.0.1", 0},
		{"10.0.0.1", 70000},
		{"10.0.0.1/24", 7000},
	} {
		_, err := r.Register(c.ip, c.port)
		assert.ErrorIs(t, err, errs.ErrInvalid, "%q:%d", c.ip, c.port)
	}
	assert.Empty(t, r.All())
}

func TestUpdateStatus(t *testing.T) {
	r, clock := newTestRegistry(t)
	p, _ := r.Register("10.0.0.5", 7000)

	clock.Advance(10 * time.Second)
	got, err := r.UpdateStatus(p.PeerID, "offline")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)
	assert.Equal(t, clock.Now(), got.LastSeen)
	assert.Empty(t, r.List(), "offline peers are not listed")
	assert.Len(t, r.All(), 1)

	// legacy names are accepted
	got, err = r.UpdateStatus(p.PeerID, "active")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)

	_, err = r.UpdateStatus(p.PeerID, "sleeping")
	assert.ErrorIs(t, err, errs.ErrInvalid)

	_, err = r.UpdateStatus("nope", "online")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestListOrderedByRegistration(t *testing.T) {
	r, _ := newTestRegistry(t)
	var ids []string
	for i := 0; i < 10; i++ {
		p, err := r.Register("10.0.0.1", 7000+i)
		require.NoError(t, err)
		ids = append(ids, p.PeerID)
	}

	listed := r.List()
	require.Len(t, listed, 10)
	for i, p := range listed {
		assert.Equal(t, ids[i], p.PeerID)
	}
}

func TestSweepOfflineThenEvict(t *testing.T) {
	r, clock := newTestRegistry(t)

	var removed []string
	r.OnRemove = func(id string, reason RemovalReason) {
		assert.Equal(t, RemovedExpired, reason)
		removed = append(removed, id)
	}

	quiet, _ := r.Register("10.0.0.1", 7000)
	chatty, _ := r.Register("10.0.0.2", 7000)

	clock.Advance(45 * time.Second)
	_, err := r.UpdateStatus(chatty.PeerID, "online")
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	offlined, evicted := r.Sweep()
	assert.Equal(t, 1, offlined)
	assert.Equal(t, 0, evicted)

	p, err := r.Get(quiet.PeerID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, p.Status)
	_, err = r.Address(quiet.PeerID)
	assert.ErrorIs(t, err, errs.ErrUnavailable)

	addr, err := r.Address(chatty.PeerID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:7000", addr)

	clock.Advance(2 * time.Hour)
	_, evicted = r.Sweep()
	assert.Equal(t, 2, evicted)
	assert.ElementsMatch(t, []string{quiet.PeerID, chatty.PeerID}, removed)
	assert.Empty(t, r.All())
}

func TestDeregister(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	r, _ := newTestRegistry(t)
	r.Events = bus

	var hooked string
	r.OnRemove = func(id string, reason RemovalReason) {
		assert.Equal(t, RemovedDeregistered, reason)
		hooked = id
	}

	p, _ := r.Register("10.0.0.1", 7000)
	require.NoError(t, r.Deregister(p.PeerID))
	assert.Equal(t, p.PeerID, hooked)
	assert.ErrorIs(t, r.Deregister(p.PeerID), errs.ErrNotFound)

	_, err := r.Get(p.PeerID)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.Equal(t, events.PeerRegistered, (<-ch).Type)
	assert.Equal(t, events.PeerRemoved, (<-ch).Type)
}

func TestConcurrentRegistration(t *testing.T) {
	r, _ := newTestRegistry(t)
	var wg sync.WaitGroup
	ids := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Register("10.0.0.1", 1000+i)
			if assert.NoError(t, err) {
				ids <- p.PeerID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, r.List(), 100)
}

func TestSweeperStopsOnCancel(t *testing.T) {
	r, _ := newTestRegistry(t)
	s := &Sweeper{Registry: r, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
