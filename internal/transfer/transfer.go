package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/index"
)

// State is the lifecycle of a download:
// pending -> active -> {completed | failed | cancelled}.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrCancelled is the cause recorded when a transfer is cancelled explicitly.
var ErrCancelled = errors.New("transfer cancelled")

// Transfer is one in-flight download. Create it with Coordinator.Download
// and drive it with WriteTo.
type Transfer struct {
	ID         string
	Filename   string
	Requester  string
	TotalBytes int64
	StartedAt  time.Time

	manifest *index.Manifest
	holders  []string
	c        *Coordinator

	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	transferred atomic.Int64

	mu         sync.Mutex
	state      State
	err        error
	finishedAt time.Time
}

// Snapshot is the JSON view of a transfer.
type Snapshot struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	Requester        string     `json:"requester"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	Status           State      `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Error            string     `json:"error,omitempty"`
}

func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:               t.ID,
		Filename:         t.Filename,
		Requester:        t.Requester,
		BytesTransferred: t.transferred.Load(),
		TotalBytes:       t.TotalBytes,
		Status:           t.state,
		StartedAt:        t.StartedAt,
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		s.FinishedAt = &f
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

// BytesTransferred only ever grows.
func (t *Transfer) BytesTransferred() int64 {
	return t.transferred.Load()
}

func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the reason a transfer failed or was cancelled.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the transfer reaches a final state.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Cancel stops the transfer. In-flight fetches are abandoned and no further
// bytes are written. Cancelling a finished transfer does nothing.
func (t *Transfer) Cancel() {
	t.cancel(ErrCancelled)
	t.mu.Lock()
	pending := t.state == StatePending
	t.mu.Unlock()
	if pending {
		// WriteTo never ran; nobody else will finish it
		t.finish(StateCancelled, ErrCancelled)
	}
}

// begin moves pending -> active. It fails if the transfer already ran or was
// cancelled.
func (t *Transfer) begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return errs.Conflict("transfer %s already %s", t.ID, t.state)
	}
	if t.ctx.Err() != nil {
		return context.Cause(t.ctx)
	}
	t.state = StateActive
	return nil
}

func (t *Transfer) finish(state State, err error) {
	t.mu.Lock()
	if t.state.Finished() {
		t.mu.Unlock()
		return
	}
	t.state = state
	t.err = err
	t.finishedAt = t.c.Clock.Now()
	t.mu.Unlock()

	t.cancel(context.Canceled)
	close(t.done)
	t.c.finished(t)
}

func (t *Transfer) finishedSince(now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Finished() {
		return 0, false
	}
	return now.Sub(t.finishedAt), true
}
