package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper runs Registry.Sweep on a fixed interval. It is a suture.Service.
type Sweeper struct {
	Registry *Registry
	Interval time.Duration
}

func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick recovers from a panicking OnRemove hook so one bad sweep doesn't
// take the service down; the next tick tries again.
func (s *Sweeper) tick() {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sweeper.tick",
				"panic":    r,
			}).Error("Registry sweep failed")
		}
	}()
	offlined, evicted := s.Registry.Sweep()
	if offlined+evicted > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Sweeper.tick",
			"offlined": offlined,
			"evicted":  evicted,
		}).Debug("Registry sweep complete")
	}
}

func (s *Sweeper) String() string {
	return fmt.Sprintf("registry.Sweeper@%s", s.Interval)
}
