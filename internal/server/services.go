package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/shardnet/shardnet/internal/gateway"
	"github.com/shardnet/shardnet/internal/registry"
)

// httpService runs the gateway on a listener bound by New.
type httpService struct {
	srv *http.Server
	ln  net.Listener
	gw  *gateway.Gateway
}

func (h *httpService) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- h.srv.Serve(h.ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			// the listener is gone; restarting cannot help
			return fmt.Errorf("http server stopped: %w", suture.ErrDoNotRestart)
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	h.gw.Close()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(sctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "httpService.Serve",
			"error":    err,
		}).Warn("HTTP shutdown did not finish cleanly")
	}
	return ctx.Err()
}

func (h *httpService) String() string {
	return "gateway.HTTP"
}

// heartbeat keeps the node's own registry entry online.
type heartbeat struct {
	registry *registry.Registry
	peerID   string
	interval time.Duration
}

func (h *heartbeat) Serve(ctx context.Context) error {
	interval := h.interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := h.registry.UpdateStatus(h.peerID, string(registry.StatusOnline)); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "heartbeat",
					"peer_id":  h.peerID,
					"error":    err,
				}).Error("Self peer missing from registry")
			}
		}
	}
}

func (h *heartbeat) String() string {
	return "registry.Heartbeat"
}
