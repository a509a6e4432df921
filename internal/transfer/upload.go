package transfer

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/internal/metrics"
	"github.com/shardnet/shardnet/internal/storage"
)

// Upload chunks r into the store and commits the manifest for filename with
// owner as its holder. Either the whole file becomes visible or nothing
// does: on any failure every chunk stored so far is released. Uploads are
// not retried here; a failed upload is reported to the caller.
func (c *Coordinator) Upload(ctx context.Context, filename string, r io.Reader, owner string) (*index.Manifest, error) {
	if err := index.ValidateFilename(filename); err != nil {
		return nil, err
	}
	if owner == "" {
		owner = c.SelfPeer
	}
	if owner == "" {
		return nil, errs.Invalid("upload needs an owning peer")
	}

	if !c.inbound.TryAcquire(owner) {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return nil, errs.Unavailable("peer %s already has %d transfers running", owner, c.MaxTransfersPerPeer)
	}
	defer c.inbound.Release(owner)

	log := logrus.WithFields(logrus.Fields{
		"function": "Upload",
		"filename": filename,
		"owner":    owner,
	})
	start := time.Now()

	// read before chunking so a concurrent replacement is detected at commit
	gen := c.index.Generation(filename)

	m := &index.Manifest{
		Filename:  filename,
		ChunkSize: c.ChunkSize,
		Local:     true,
	}
	var stored []string
	var storeErr error

	err := storage.Split(r, c.ChunkSize, func(res storage.ChunkResult, data []byte) error {
		if err := ctx.Err(); err != nil {
			storeErr = err
			return err
		}
		hash, err := c.store.PutChunk(data)
		if err != nil {
			storeErr = err
			return err
		}
		stored = append(stored, hash)
		m.Chunks = append(m.Chunks, index.ChunkRef{Index: res.Index, Hash: hash, Size: res.Size})
		m.TotalSize += res.Size
		return nil
	})
	if err != nil {
		if rerr := c.store.ReleaseAll(stored); rerr != nil {
			log.WithField("error", rerr).Error("Failed to release chunks of aborted upload")
		}
		metrics.Uploads.WithLabelValues("failed").Inc()
		log.WithFields(logrus.Fields{
			"chunks_released": len(stored),
			"error":           err,
		}).Warn("Upload aborted")
		if storeErr == nil {
			// the request body broke off
			return nil, errs.Wrap(errs.KindInvalid, err, "read upload %s", filename)
		}
		return nil, err
	}
	m.CreatedAt = c.Clock.Now().UTC()

	// Commit owns the chunk references from here on, whatever it returns.
	committed, err := c.index.Commit(filename, m, owner, gen)
	if err != nil {
		metrics.Uploads.WithLabelValues("failed").Inc()
		log.WithField("error", err).Warn("Upload commit failed")
		return nil, err
	}

	metrics.Uploads.WithLabelValues("ok").Inc()
	log.WithFields(logrus.Fields{
		"size":     committed.TotalSize,
		"chunks":   len(committed.Chunks),
		"duration": time.Since(start),
	}).Info("Upload committed")
	return committed, nil
}
