package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/metrics"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

// handleEvents upgrades to a websocket and pushes every bus event as JSON.
// Clients never need to send anything; reads only detect the close.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request
		return
	}
	defer conn.Close()

	log := logrus.WithFields(logrus.Fields{
		"function": "handleEvents",
		"remote":   r.RemoteAddr,
	})
	stream, cancel := g.Bus.Subscribe(eventBuffer)
	metrics.EventStreams.Set(float64(g.Bus.Subscribers()))
	defer func() {
		cancel()
		metrics.EventStreams.Set(float64(g.Bus.Subscribers()))
	}()
	log.WithField("subscribers", g.Bus.Subscribers()).Debug("Event stream opened")

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(g.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("Event stream closed by client")
			return
		case <-g.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case ev, ok := <-stream:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithField("error", err).Debug("Event stream write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
