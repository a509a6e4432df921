// Package gateway is the REST surface the ShardNet web UI talks to. It maps
// requests onto the registry, index and transfer coordinator and relays the
// event bus over a websocket.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/internal/registry"
	"github.com/shardnet/shardnet/internal/transfer"
)

type Options struct {
	Registry    *registry.Registry
	Index       *index.Index
	Coordinator *transfer.Coordinator
	Bus         *events.Bus

	// CORSOrigin is sent as Access-Control-Allow-Origin; "*" allows any.
	CORSOrigin string
	// PingInterval keeps idle event sockets alive.
	PingInterval time.Duration
}

type Gateway struct {
	Options

	router   *mux.Router
	upgrader websocket.Upgrader

	closeOnce sync.Once
	done      chan struct{}
}

func New(opts Options) *Gateway {
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	g := &Gateway{
		Options: opts,
		router:  mux.NewRouter(),
		done:    make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	r := g.router
	r.Use(g.instrument)
	r.NotFoundHandler = http.HandlerFunc(g.handleNoRoute)
	r.MethodNotAllowedHandler = http.HandlerFunc(g.handleBadMethod)

	r.HandleFunc("/", g.handleRoot).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// full paths: an /api subrouter reports method mismatches as 404

	// peers
	r.HandleFunc("/api/register_peer", g.handleRegisterPeer).Methods("POST")
	r.HandleFunc("/api/update_status", g.handleUpdateStatus).Methods("POST")
	r.HandleFunc("/api/list_peers", g.handleListPeers).Methods("GET")
	r.HandleFunc("/api/peer_info/{peer_id}", g.handlePeerInfo).Methods("GET")
	r.HandleFunc("/api/deregister_peer", g.handleDeregisterPeer).Methods("POST")

	// files
	r.HandleFunc("/api/list_files", g.handleListFiles).Methods("GET")
	r.HandleFunc("/api/upload_file", g.handleUpload).Methods("POST")
	r.HandleFunc("/api/search_file", g.handleSearch).Methods("POST")
	r.HandleFunc("/api/download_file/{filename}", g.handleDownload).Methods("GET")
	r.HandleFunc("/api/remove_file", g.handleRemoveFile).Methods("POST")
	r.HandleFunc("/api/advertise_files", g.handleAdvertise).Methods("POST")

	// transfers
	r.HandleFunc("/api/transfers", g.handleListTransfers).Methods("GET")
	r.HandleFunc("/api/transfers/{id}/cancel", g.handleCancelTransfer).Methods("POST")

	r.HandleFunc("/api/events", g.handleEvents).Methods("GET")
}

// Handler is the complete HTTP handler, CORS included. Preflight requests
// are answered before routing so they never hit a method mismatch.
func (g *Gateway) Handler() http.Handler {
	return g.cors(g.router)
}

// Close ends open event streams. The HTTP server does not track hijacked
// connections, so shutdown has to tell them separately.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, messageResponse{Message: "ShardNet daemon is running."})
}
