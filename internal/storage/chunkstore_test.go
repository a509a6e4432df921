package storage

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/metadb"
)

func newTestChunkStore(t *testing.T) (*ChunkStore, *metadb.DB) {
	t.Helper()
	db := metadb.OpenMem()
	t.Cleanup(func() { db.Close() })
	cs, err := NewChunkStore(t.TempDir(), db, 8)
	if err != nil {
		t.Fatal(err)
	}
	return cs, db
}

func TestPutGetChunk(t *testing.T) {
	cs, _ := newTestChunkStore(t)

	data := []byte("chunk bytes")
	hash, err := cs.PutChunk(data)
	if err != nil {
		t.Fatal(err)
	}
	if hash != HashChunk(data) {
		t.Fatalf("hash = %s, want %s", hash, HashChunk(data))
	}

	got, err := cs.GetChunk(hash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	if cs.RefCount(hash) != 1 {
		t.Fatalf("refcount = %d, want 1", cs.RefCount(hash))
	}
}

func TestPutChunkDedup(t *testing.T) {
	cs, _ := newTestChunkStore(t)

	data := []byte("same bytes twice")
	h1, _ := cs.PutChunk(data)
	h2, _ := cs.PutChunk(data)
	if h1 != h2 {
		t.Fatal("identical content must map to one hash")
	}
	if cs.RefCount(h1) != 2 {
		t.Fatalf("refcount = %d, want 2", cs.RefCount(h1))
	}
	st := cs.Stats()
	if st.Chunks != 1 || st.Bytes != int64(len(data)) {
		t.Fatalf("stats = %+v, want one chunk of %d bytes", st, len(data))
	}
	if st.DedupHits != 1 {
		t.Fatalf("dedup hits = %d, want 1", st.DedupHits)
	}
}

func TestReleaseChunkDeletesAtZero(t *testing.T) {
	cs, _ := newTestChunkStore(t)

	data := []byte("released")
	hash, _ := cs.PutChunk(data)
	cs.PutChunk(data)

	if err := cs.ReleaseChunk(hash); err != nil {
		t.Fatal(err)
	}
	if !cs.Has(hash) {
		t.Fatal("chunk should survive while a reference remains")
	}
	if err := cs.ReleaseChunk(hash); err != nil {
		t.Fatal(err)
	}
	if cs.Has(hash) {
		t.Fatal("chunk should be gone after the last release")
	}
	if _, err := cs.GetChunk(hash); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("GetChunk after delete: expected NotFound, got %v", err)
	}
	if _, err := os.Stat(cs.disk.CASPath(hash).FullPath()); !os.IsNotExist(err) {
		t.Fatalf("chunk file still on disk: %v", err)
	}
	if err := cs.ReleaseChunk(hash); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("release of unknown chunk: expected NotFound, got %v", err)
	}
}

func TestGetChunkInvalidHash(t *testing.T) {
	cs, _ := newTestChunkStore(t)
	if _, err := cs.GetChunk("../../etc/passwd"); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected Invalid, got %v", err)
	}
}

func TestGetChunkDetectsCorruption(t *testing.T) {
	cs, _ := newTestChunkStore(t)
	hash, _ := cs.PutChunk([]byte("pristine"))
	cs.cache.Purge()

	if err := os.WriteFile(cs.disk.CASPath(hash).FullPath(), []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.GetChunk(hash); err == nil {
		t.Fatal("expected corruption to be reported")
	}
}

func TestCacheChunk(t *testing.T) {
	cs, _ := newTestChunkStore(t)

	data := []byte("from a peer")
	hash := HashChunk(data)
	if err := cs.CacheChunk(hash, []byte("wrong")); !errors.Is(err, errs.ErrInvalid) {
		t.Fatalf("expected hash mismatch to be rejected, got %v", err)
	}
	if err := cs.CacheChunk(hash, data); err != nil {
		t.Fatal(err)
	}
	if cs.Has(hash) {
		t.Fatal("cached chunks must not count as stored")
	}
	got, ok := cs.Cached(hash)
	if !ok || !bytes.Equal(got, data) {
		t.Fatal("expected cached chunk to be returned")
	}
}

func TestRefcountsSurviveReopen(t *testing.T) {
	db := metadb.OpenMem()
	defer db.Close()
	dir := t.TempDir()

	cs, err := NewChunkStore(dir, db, 4)
	if err != nil {
		t.Fatal(err)
	}
	hash, _ := cs.PutChunk([]byte("persist me"))
	cs.PutChunk([]byte("persist me"))
	cs.PutChunk([]byte("other"))

	reopened, err := NewChunkStore(dir, db, 4)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.RefCount(hash) != 2 {
		t.Fatalf("refcount after reopen = %d, want 2", reopened.RefCount(hash))
	}
	if st := reopened.Stats(); st.Chunks != 2 {
		t.Fatalf("chunks after reopen = %d, want 2", st.Chunks)
	}
}
