package transfer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Reaper periodically runs Coordinator.Reap. It is a suture.Service.
type Reaper struct {
	Coordinator *Coordinator
	Interval    time.Duration
}

func (r *Reaper) Serve(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := r.Coordinator.Reap(); n > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Reaper.Serve",
					"removed":  n,
				}).Debug("Reaped finished transfers")
			}
		}
	}
}

func (r *Reaper) String() string {
	return "transfer.Reaper"
}
