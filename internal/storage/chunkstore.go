package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/metadb"
	"github.com/shardnet/shardnet/internal/metrics"
)

// chunkRecord is what metadb keeps per chunk.
type chunkRecord struct {
	Refs int   `json:"refs"`
	Size int64 `json:"size"`
}

type Stats struct {
	Chunks      int   `json:"chunks"`
	Bytes       int64 `json:"bytes"`
	CacheLen    int   `json:"cache_len"`
	DedupHits   int64 `json:"dedup_hits"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
}

// ChunkStore is the reference-counted content-addressed chunk store.
// A chunk's bytes exist on disk exactly while its refcount is positive.
// Operations on the same hash are serialised through striped locks;
// different hashes proceed in parallel.
type ChunkStore struct {
	disk  *Store
	db    *metadb.DB
	cache *lru.Cache[string, []byte]

	locks [256]sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// NewChunkStore opens the store rooted at dir, using db for refcounts.
// cacheEntries bounds the in-memory LRU of recently read chunks.
func NewChunkStore(dir string, db *metadb.DB, cacheEntries int) (*ChunkStore, error) {
	cache, err := lru.New[string, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("chunk cache: %w", err)
	}
	cs := &ChunkStore{
		disk:  NewStore(dir),
		db:    db,
		cache: cache,
	}

	err = db.Iterate(metadb.PrefixRefCount, func(_ string, value []byte) error {
		var rec chunkRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		cs.stats.Chunks++
		cs.stats.Bytes += rec.Size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load chunk refcounts: %w", err)
	}
	cs.publishStats()
	return cs, nil
}

func (cs *ChunkStore) lockFor(hash string) *sync.Mutex {
	// hash is validated hex; the first byte picks the stripe
	b, _ := strconv.ParseUint(hash[:2], 16, 8)
	return &cs.locks[b]
}

func (cs *ChunkStore) record(hash string) (chunkRecord, bool, error) {
	var rec chunkRecord
	err := cs.db.GetJSON(metadb.PrefixRefCount+hash, &rec)
	if errors.Is(err, metadb.ErrNotFound) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	return rec, rec.Refs > 0, nil
}

// PutChunk stores data and returns its content hash. Storing bytes that
// are already present only increments the reference count.
func (cs *ChunkStore) PutChunk(data []byte) (string, error) {
	hash := HashChunk(data)
	mu := cs.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	rec, exists, err := cs.record(hash)
	if err != nil {
		return "", fmt.Errorf("read refcount %s: %w", hash, err)
	}

	if exists && cs.disk.Has(hash) {
		rec.Refs++
		if err := cs.db.PutJSON(metadb.PrefixRefCount+hash, rec); err != nil {
			return "", fmt.Errorf("bump refcount %s: %w", hash, err)
		}
		cs.statsMu.Lock()
		cs.stats.DedupHits++
		cs.statsMu.Unlock()
		metrics.ChunkDedupHits.Inc()
		return hash, nil
	}

	if exists {
		// refcount survived but the file did not; rewrite it and keep the count
		logrus.WithFields(logrus.Fields{
			"function": "PutChunk",
			"chunk":    hash,
			"refs":     rec.Refs,
		}).Warn("Chunk file missing for referenced chunk, rewriting")
	}

	n, err := cs.disk.WriteRaw(hash, data)
	if err != nil {
		return "", fmt.Errorf("write chunk %s: %w", hash, err)
	}

	rec.Refs++
	rec.Size = n
	if err := cs.db.PutJSON(metadb.PrefixRefCount+hash, rec); err != nil {
		// without a refcount the file is unreachable garbage
		cs.disk.Delete(hash)
		return "", fmt.Errorf("record refcount %s: %w", hash, err)
	}

	if !exists {
		cs.statsMu.Lock()
		cs.stats.Chunks++
		cs.stats.Bytes += n
		cs.statsMu.Unlock()
		cs.publishStats()
	}
	return hash, nil
}

// GetChunk returns the bytes for hash. Recently used chunks are served from
// the LRU cache; disk reads are re-hashed so corruption is reported instead
// of returned.
func (cs *ChunkStore) GetChunk(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, errs.Invalid("malformed chunk hash %q", hash)
	}
	if data, ok := cs.cache.Get(hash); ok {
		cs.countCache(true)
		return data, nil
	}
	cs.countCache(false)

	mu := cs.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	data, err := cs.disk.ReadChunk(hash)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errs.NotFound("chunk %s", hash)
		}
		return nil, fmt.Errorf("read chunk %s: %w", hash, err)
	}
	if got := HashChunk(data); got != hash {
		return nil, fmt.Errorf("chunk %s corrupted on disk (hashes to %s)", hash, got)
	}
	cs.cache.Add(hash, data)
	return data, nil
}

// ReleaseChunk drops one reference; the bytes are deleted when none remain.
func (cs *ChunkStore) ReleaseChunk(hash string) error {
	if !ValidHash(hash) {
		return errs.Invalid("malformed chunk hash %q", hash)
	}
	mu := cs.lockFor(hash)
	mu.Lock()
	defer mu.Unlock()

	rec, exists, err := cs.record(hash)
	if err != nil {
		return fmt.Errorf("read refcount %s: %w", hash, err)
	}
	if !exists {
		return errs.NotFound("chunk %s", hash)
	}

	rec.Refs--
	if rec.Refs > 0 {
		return cs.db.PutJSON(metadb.PrefixRefCount+hash, rec)
	}

	if err := cs.db.Delete(metadb.PrefixRefCount + hash); err != nil {
		return fmt.Errorf("drop refcount %s: %w", hash, err)
	}
	cs.cache.Remove(hash)
	if err := cs.disk.Delete(hash); err != nil {
		// the refcount is already gone, so the chunk is logically deleted
		logrus.WithFields(logrus.Fields{
			"function": "ReleaseChunk",
			"chunk":    hash,
			"error":    err,
		}).Warn("Failed to remove chunk file")
	}

	cs.statsMu.Lock()
	cs.stats.Chunks--
	cs.stats.Bytes -= rec.Size
	cs.statsMu.Unlock()
	cs.publishStats()
	return nil
}

// ReleaseAll releases every hash, returning the first error after trying all.
func (cs *ChunkStore) ReleaseAll(hashes []string) error {
	var first error
	for _, h := range hashes {
		if err := cs.ReleaseChunk(h); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Has reports whether the chunk is held on disk.
func (cs *ChunkStore) Has(hash string) bool {
	if !ValidHash(hash) {
		return false
	}
	_, exists, err := cs.record(hash)
	return err == nil && exists
}

func (cs *ChunkStore) RefCount(hash string) int {
	if !ValidHash(hash) {
		return 0
	}
	rec, _, err := cs.record(hash)
	if err != nil {
		return 0
	}
	return rec.Refs
}

// CacheChunk keeps a chunk fetched from a peer in memory without taking a
// reference. The bytes must hash to hash.
func (cs *ChunkStore) CacheChunk(hash string, data []byte) error {
	if got := HashChunk(data); got != hash {
		return errs.Invalid("chunk hash mismatch: want %s, got %s", hash, got)
	}
	cs.cache.Add(hash, data)
	return nil
}

// Cached returns a chunk only if it is in the memory cache.
func (cs *ChunkStore) Cached(hash string) ([]byte, bool) {
	data, ok := cs.cache.Get(hash)
	cs.countCache(ok)
	return data, ok
}

func (cs *ChunkStore) Stats() Stats {
	cs.statsMu.Lock()
	defer cs.statsMu.Unlock()
	s := cs.stats
	s.CacheLen = cs.cache.Len()
	return s
}

func (cs *ChunkStore) countCache(hit bool) {
	cs.statsMu.Lock()
	if hit {
		cs.stats.CacheHits++
	} else {
		cs.stats.CacheMisses++
	}
	cs.statsMu.Unlock()
}

func (cs *ChunkStore) publishStats() {
	cs.statsMu.Lock()
	chunks, bytes := cs.stats.Chunks, cs.stats.Bytes
	cs.statsMu.Unlock()
	metrics.ChunksStored.Set(float64(chunks))
	metrics.ChunkBytes.Set(float64(bytes))
}
