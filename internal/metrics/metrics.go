// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shardnet"

var (
	PeersRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "peers",
		Help:      "Number of peers currently in the registry",
	})
	PeersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "peers_online",
		Help:      "Number of peers currently online",
	})

	ChunksStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "chunks",
		Help:      "Number of distinct chunks on disk",
	})
	ChunkBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "chunk_bytes",
		Help:      "Bytes of chunk data on disk",
	})
	ChunkDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "dedup_hits_total",
		Help:      "Chunk writes satisfied by an existing chunk",
	})

	FilesIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "index",
		Name:      "files",
		Help:      "Number of files in the index",
	})

	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "uploads_total",
		Help:      "Uploads by result",
	}, []string{"result"})
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "downloads_total",
		Help:      "Downloads by final state",
	}, []string{"result"})
	ChunkFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "chunk_fetches_total",
		Help:      "Chunks resolved during downloads, by source (local, cache, peer, failed)",
	}, []string{"source"})
	ActiveTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "active",
		Help:      "Downloads currently streaming",
	})
	TransferPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "peers_busy",
		Help:      "Peers holding transfer slots, by direction (inbound requesters, outbound holders)",
	}, []string{"direction"})
	BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transfer",
		Name:      "bytes_served_total",
		Help:      "Bytes sent, by channel (http, p2p)",
	}, []string{"channel"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
	EventStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "event_streams",
		Help:      "Open websocket event subscriptions",
	})
)
