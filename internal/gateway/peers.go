package gateway

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/registry"
)

// portNumber accepts 4000 as well as "4000"; older clients send the port as
// a string.
type portNumber int

func (p *portNumber) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return errs.Invalid("port %q is not a number", b)
	}
	*p = portNumber(n)
	return nil
}

type registerRequest struct {
	IP   string     `json:"ip"`
	Port portNumber `json:"port"`
}

type registerResponse struct {
	PeerID  string `json:"peer_id"`
	Message string `json:"message"`
}

func (g *Gateway) handleRegisterPeer(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := g.Registry.Register(strings.TrimSpace(req.IP), int(req.Port))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{PeerID: p.PeerID, Message: "Peer registered successfully."})
}

type statusRequest struct {
	PeerID string `json:"peer_id"`
	Status string `json:"status"`
}

func (g *Gateway) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := g.Registry.UpdateStatus(req.PeerID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Peer status updated to " + string(p.Status) + "."})
}

// handleListPeers lists online peers; ?all=true adds offline sessions that
// have not been evicted yet.
func (g *Gateway) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers := g.Registry.List()
	if v := r.URL.Query().Get("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, errs.Invalid("all: %q is not a boolean", v))
			return
		}
		if all {
			peers = g.Registry.All()
		}
	}
	writeJSON(w, http.StatusOK, map[string][]registry.Peer{"peers": peers})
}

func (g *Gateway) handlePeerInfo(w http.ResponseWriter, r *http.Request) {
	p, err := g.Registry.Get(mux.Vars(r)["peer_id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type peerRequest struct {
	PeerID string `json:"peer_id"`
}

func (g *Gateway) handleDeregisterPeer(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := g.Registry.Deregister(req.PeerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Peer deregistered successfully."})
}

// touch counts any request naming a registered peer as a sign of life.
func (g *Gateway) touch(peerID string) {
	if peerID == "" {
		return
	}
	if err := g.Registry.Touch(peerID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "touch",
			"peer_id":  peerID,
		}).Debug("Request from unregistered peer")
	}
}

// requesterOf names the peer behind a request: the X-Peer-ID header, else
// the peer_id query parameter.
func requesterOf(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Peer-ID")); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get("peer_id"))
}
