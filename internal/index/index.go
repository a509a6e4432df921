// Package index maps filenames to manifests and to the peers that hold
// them. Only manifests backed by local chunks are persisted; holder sets
// are session state and are rebuilt as peers register and advertise.
package index

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/metadb"
	"github.com/shardnet/shardnet/internal/metrics"
)

// Releaser gives back chunk references; *storage.ChunkStore satisfies it.
type Releaser interface {
	ReleaseAll(hashes []string) error
}

type Options struct {
	DB     *metadb.DB
	Chunks Releaser
	Events events.Publisher
	// SelfPeer adopts local files whose last remote holder disappears, so
	// bytes stored on this node stay reachable.
	SelfPeer string
}

type SearchResult struct {
	PeerID   string `json:"peer_id"`
	Filename string `json:"filename"`
}

type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Chunks   int       `json:"chunks"`
	Holders  int       `json:"holders"`
	Local    bool      `json:"local"`
}

type fileEntry struct {
	manifest *Manifest
	holders  map[string]struct{}
	gen      uint64
}

func (e *fileEntry) holderList() []string {
	out := make([]string, 0, len(e.holders))
	for h := range e.holders {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

type Index struct {
	Options

	mu    sync.RWMutex
	files map[string]*fileEntry
	gen   uint64
}

// New loads persisted manifests from opts.DB. Loaded files are held by
// opts.SelfPeer (if set).
func New(opts Options) (*Index, error) {
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	idx := &Index{
		Options: opts,
		files:   make(map[string]*fileEntry),
	}
	if opts.DB == nil {
		return idx, nil
	}

	err := opts.DB.Iterate(metadb.PrefixManifest, func(name string, value []byte) error {
		var m Manifest
		if err := json.Unmarshal(value, &m); err != nil {
			return fmt.Errorf("manifest %s: %w", name, err)
		}
		idx.gen++
		e := &fileEntry{manifest: &m, holders: map[string]struct{}{}, gen: idx.gen}
		if opts.SelfPeer != "" {
			e.holders[opts.SelfPeer] = struct{}{}
		}
		idx.files[name] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	metrics.FilesIndexed.Set(float64(len(idx.files)))

	logrus.WithFields(logrus.Fields{
		"function": "index.New",
		"files":    len(idx.files),
	}).Info("File index loaded")
	return idx, nil
}

// Generation returns the current version of filename, 0 if unknown. Pass it
// to Commit to detect a concurrent replacement.
func (idx *Index) Generation(filename string) uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if e, ok := idx.files[filename]; ok {
		return e.gen
	}
	return 0
}

// AddFile inserts or replaces the manifest for filename unconditionally and
// makes owner its holder.
func (idx *Index) AddFile(filename string, m *Manifest, owner string) (*Manifest, error) {
	return idx.commit(filename, m, owner, 0, false)
}

// Commit installs m for filename if the file is still at generation
// expectGen. The index takes over the chunk references m carries: they are
// either adopted or released, whatever the outcome. Committing content
// identical to what is already indexed only adds owner as a holder. A
// concurrent replacement with different content yields Conflict.
func (idx *Index) Commit(filename string, m *Manifest, owner string, expectGen uint64) (*Manifest, error) {
	return idx.commit(filename, m, owner, expectGen, true)
}

func (idx *Index) commit(filename string, m *Manifest, owner string, expectGen uint64, checkGen bool) (*Manifest, error) {
	var release []string
	defer func() {
		if len(release) > 0 {
			idx.release(filename, release)
		}
	}()

	if m.Filename != filename {
		release = localHashes(m)
		return nil, errs.Invalid("manifest is for %q, not %q", m.Filename, filename)
	}
	if err := m.Validate(); err != nil {
		release = localHashes(m)
		return nil, err
	}
	if owner == "" {
		release = localHashes(m)
		return nil, errs.Invalid("owner peer is required")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.files[filename]
	if cur != nil && cur.manifest.SameContent(m) && (cur.manifest.Local || !m.Local) {
		// already indexed with these bytes; the new references are surplus
		cur.holders[owner] = struct{}{}
		release = localHashes(m)
		return cur.manifest, nil
	}

	var curGen uint64
	if cur != nil {
		curGen = cur.gen
	}
	if checkGen && curGen != expectGen && !(cur != nil && cur.manifest.SameContent(m)) {
		release = localHashes(m)
		return nil, errs.Conflict("file %s was replaced during upload", filename)
	}

	if m.Local && idx.DB != nil {
		if err := idx.DB.PutJSON(metadb.PrefixManifest+filename, m); err != nil {
			release = localHashes(m)
			return nil, fmt.Errorf("persist manifest %s: %w", filename, err)
		}
	}

	holders := map[string]struct{}{owner: {}}
	if cur != nil && cur.manifest.SameContent(m) {
		// a local copy now backs a file peers were already advertising
		for h := range cur.holders {
			holders[h] = struct{}{}
		}
	}
	if cur != nil {
		release = localHashes(cur.manifest)
	}

	idx.gen++
	idx.files[filename] = &fileEntry{manifest: m, holders: holders, gen: idx.gen}
	metrics.FilesIndexed.Set(float64(len(idx.files)))

	logrus.WithFields(logrus.Fields{
		"function": "Commit",
		"filename": filename,
		"owner":    owner,
		"size":     m.TotalSize,
		"chunks":   len(m.Chunks),
		"replaced": cur != nil,
	}).Info("File committed to index")
	idx.Events.Publish(events.FileAdded, infoFor(filename, idx.files[filename]))
	return m, nil
}

// AddHolder records that peerID serves filename with manifest m. Unknown
// files are added as remote (non-local) entries. An advertisement for
// different content than what is indexed is a Conflict.
func (idx *Index) AddHolder(filename, peerID string, m *Manifest) error {
	if peerID == "" {
		return errs.Invalid("peer id is required")
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if cur, ok := idx.files[filename]; ok {
		if m != nil && !cur.manifest.SameContent(m) {
			return errs.Conflict("peer %s advertises different content for %s", peerID, filename)
		}
		cur.holders[peerID] = struct{}{}
		return nil
	}

	if m == nil {
		return errs.NotFound("file %s", filename)
	}
	if m.Filename != filename {
		return errs.Invalid("manifest is for %q, not %q", m.Filename, filename)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	remote := *m
	remote.Local = false

	idx.gen++
	e := &fileEntry{manifest: &remote, holders: map[string]struct{}{peerID: {}}, gen: idx.gen}
	idx.files[filename] = e
	metrics.FilesIndexed.Set(float64(len(idx.files)))
	idx.Events.Publish(events.FileAdded, infoFor(filename, e))
	return nil
}

// Lookup returns the manifest and its holders, sorted by peer id.
func (idx *Index) Lookup(filename string) (*Manifest, []string, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.files[filename]
	if !ok {
		return nil, nil, errs.NotFound("file %s", filename)
	}
	return e.manifest, e.holderList(), nil
}

// Search is a case-insensitive substring match over filenames, one row per
// (holder, file). A blank query matches nothing.
func (idx *Index) Search(query string) []SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []SearchResult{}
	}

	idx.mu.RLock()
	out := []SearchResult{}
	for name, e := range idx.files {
		if !strings.Contains(strings.ToLower(name), q) {
			continue
		}
		for h := range e.holders {
			out = append(out, SearchResult{PeerID: h, Filename: name})
		}
	}
	idx.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// RemoveFile drops peerID as a holder. Removing the last holder deletes the
// manifest and releases its local chunks.
func (idx *Index) RemoveFile(filename, peerID string) error {
	idx.mu.Lock()
	e, ok := idx.files[filename]
	if !ok {
		idx.mu.Unlock()
		return errs.NotFound("file %s", filename)
	}
	if _, held := e.holders[peerID]; !held {
		idx.mu.Unlock()
		return errs.NotFound("peer %s does not hold %s", peerID, filename)
	}
	delete(e.holders, peerID)

	var release []string
	deleted := len(e.holders) == 0
	if deleted {
		var err error
		release, err = idx.deleteLocked(filename, e)
		if err != nil {
			e.holders[peerID] = struct{}{}
			idx.mu.Unlock()
			return err
		}
	}
	idx.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "RemoveFile",
		"filename": filename,
		"peer_id":  peerID,
		"deleted":  deleted,
	}).Info("Holder removed from file")
	idx.release(filename, release)
	return nil
}

// DropPeer removes peerID from every holder set, e.g. when its session ends.
func (idx *Index) DropPeer(peerID string) {
	var release []string
	var dropped []string

	idx.mu.Lock()
	for name, e := range idx.files {
		if _, ok := e.holders[peerID]; !ok {
			continue
		}
		delete(e.holders, peerID)
		if len(e.holders) > 0 {
			continue
		}
		if e.manifest.Local && idx.SelfPeer != "" && idx.SelfPeer != peerID {
			e.holders[idx.SelfPeer] = struct{}{}
			continue
		}
		hashes, err := idx.deleteLocked(name, e)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "DropPeer",
				"filename": name,
				"error":    err,
			}).Warn("Failed to delete orphaned manifest")
			continue
		}
		release = append(release, hashes...)
		dropped = append(dropped, name)
	}
	idx.mu.Unlock()

	if len(dropped) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "DropPeer",
			"peer_id":  peerID,
			"files":    dropped,
		}).Info("Removed files with no remaining holders")
	}
	idx.release("", release)
}

func (idx *Index) deleteLocked(filename string, e *fileEntry) ([]string, error) {
	if e.manifest.Local && idx.DB != nil {
		if err := idx.DB.Delete(metadb.PrefixManifest + filename); err != nil {
			return nil, fmt.Errorf("delete manifest %s: %w", filename, err)
		}
	}
	delete(idx.files, filename)
	metrics.FilesIndexed.Set(float64(len(idx.files)))
	idx.Events.Publish(events.FileRemoved, map[string]string{"filename": filename})
	return localHashes(e.manifest), nil
}

// ListFiles returns every indexed file sorted by name.
func (idx *Index) ListFiles() []FileInfo {
	idx.mu.RLock()
	out := make([]FileInfo, 0, len(idx.files))
	for name, e := range idx.files {
		out = append(out, infoFor(name, e))
	}
	idx.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func infoFor(name string, e *fileEntry) FileInfo {
	return FileInfo{
		Name:     name,
		Size:     e.manifest.TotalSize,
		Modified: e.manifest.CreatedAt,
		Chunks:   len(e.manifest.Chunks),
		Holders:  len(e.holders),
		Local:    e.manifest.Local,
	}
}

func (idx *Index) release(filename string, hashes []string) {
	if len(hashes) == 0 || idx.Chunks == nil {
		return
	}
	if err := idx.Chunks.ReleaseAll(hashes); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "release",
			"filename": filename,
			"chunks":   len(hashes),
			"error":    err,
		}).Error("Failed to release chunk references")
	}
}

// localHashes are the references a manifest owns; remote manifests own none.
func localHashes(m *Manifest) []string {
	if m == nil || !m.Local {
		return nil
	}
	return m.Hashes()
}
