package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
	"github.com/shardnet/shardnet/internal/events"
	"github.com/shardnet/shardnet/internal/index"
	"github.com/shardnet/shardnet/internal/metrics"
	"github.com/shardnet/shardnet/pkg/dht"
)

type chunkResult struct {
	data []byte
	err  error
}

// WriteTo streams the file to w in manifest order. Up to FetchFanout
// chunks are resolved concurrently; a slot is taken before chunk i is
// fetched and given back only after chunk i is written, so at most
// FetchFanout chunks are ever buffered. WriteTo may be called once.
func (t *Transfer) WriteTo(w io.Writer) (int64, error) {
	if err := t.begin(); err != nil {
		if t.ctx.Err() != nil {
			t.finish(StateCancelled, err)
		}
		return 0, err
	}
	metrics.ActiveTransfers.Inc()
	defer metrics.ActiveTransfers.Dec()

	chunks := t.manifest.Chunks
	results := make([]chan chunkResult, len(chunks))
	for i := range results {
		results[i] = make(chan chunkResult, 1)
	}

	ctx, stop := context.WithCancelCause(t.ctx)
	defer stop(nil)

	slots := make(chan struct{}, t.c.FetchFanout)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range chunks {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				data, err := t.c.resolveChunk(ctx, t, chunks[i])
				if err != nil {
					if ctx.Err() != nil {
						// abandoned because a sibling failed or the transfer was
						// cancelled; report that reason, not context.Canceled
						err = t.cause(ctx)
					}
					// fail fast: no point fetching further chunks
					stop(err)
				}
				results[i] <- chunkResult{data, err}
			}(i)
		}
	}()

	written, err := t.emit(ctx, w, results, slots)
	stop(nil)
	wg.Wait()

	switch {
	case err == nil:
		t.finish(StateCompleted, nil)
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		t.finish(StateCancelled, err)
	default:
		t.finish(StateFailed, err)
	}
	return written, err
}

// emit writes chunks in order as they arrive, enforcing the stall timeout.
func (t *Transfer) emit(ctx context.Context, w io.Writer, results []chan chunkResult, slots chan struct{}) (int64, error) {
	stall := time.NewTimer(t.c.StallTimeout)
	defer stall.Stop()

	var written int64
	for i, ch := range results {
		var res chunkResult
		select {
		case res = <-ch:
		case <-ctx.Done():
			return written, t.cause(ctx)
		case <-stall.C:
			return written, errs.Timeout("no progress on %s for %s (waiting for chunk %d)", t.Filename, t.c.StallTimeout, i)
		}
		if res.err != nil {
			if ctx.Err() != nil {
				return written, t.cause(ctx)
			}
			return written, res.err
		}
		// a cancel that raced with the fetch still stops the output
		if ctx.Err() != nil {
			return written, t.cause(ctx)
		}

		n, err := w.Write(res.data)
		written += int64(n)
		t.transferred.Add(int64(n))
		metrics.BytesServed.WithLabelValues("http").Add(float64(n))
		if err != nil {
			return written, fmt.Errorf("write chunk %d: %w", i, err)
		}
		<-slots

		t.c.Events.Publish(events.TransferProgress, map[string]any{
			"id":                t.ID,
			"filename":          t.Filename,
			"bytes_transferred": t.transferred.Load(),
			"total_bytes":       t.TotalBytes,
		})

		if !stall.Stop() {
			select {
			case <-stall.C:
			default:
			}
		}
		stall.Reset(t.c.StallTimeout)
	}
	return written, nil
}

// cause prefers the transfer's own cancel reason over the derived ctx's.
func (t *Transfer) cause(ctx context.Context) error {
	if err := context.Cause(t.ctx); err != nil {
		return err
	}
	return context.Cause(ctx)
}

// resolveChunk returns a chunk from the local store or cache, otherwise from
// the holders, closest first. A failing holder falls through to the next.
func (c *Coordinator) resolveChunk(ctx context.Context, t *Transfer, ref index.ChunkRef) ([]byte, error) {
	if data, err := c.store.GetChunk(ref.Hash); err == nil {
		metrics.ChunkFetches.WithLabelValues("local").Inc()
		return data, nil
	} else if !errors.Is(err, errs.ErrNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "resolveChunk",
			"chunk":    ref.Hash,
			"error":    err,
		}).Warn("Local chunk unreadable, trying holders")
	}

	var lastErr error
	tried := 0
	for _, holder := range dht.Rank(t.holders, ref.Hash) {
		if holder == c.SelfPeer {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		addr, err := c.peers.Address(holder)
		if err != nil {
			lastErr = err
			continue
		}
		tried++

		data, err := c.fetchFrom(ctx, holder, addr, ref)
		if err == nil {
			metrics.ChunkFetches.WithLabelValues("peer").Inc()
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		logrus.WithFields(logrus.Fields{
			"function": "resolveChunk",
			"transfer": t.ID,
			"chunk":    ref.Index,
			"peer_id":  holder,
			"error":    err,
		}).Warn("Holder failed to supply chunk, trying next")
	}

	metrics.ChunkFetches.WithLabelValues("failed").Inc()
	if lastErr == nil {
		return nil, errs.Unavailable("no holder for chunk %d of %s", ref.Index, t.Filename)
	}
	return nil, errs.Wrap(errs.KindUnavailable, lastErr, "no holder could supply chunk %d of %s (%d tried)", ref.Index, t.Filename, tried)
}

func (c *Coordinator) fetchFrom(ctx context.Context, holder, addr string, ref index.ChunkRef) ([]byte, error) {
	// per-holder fetches queue rather than fail
	if err := c.outbound.Acquire(ctx, holder); err != nil {
		return nil, err
	}
	defer c.outbound.Release(holder)

	fctx, cancel := context.WithTimeout(ctx, c.FetchTimeout)
	defer cancel()

	data, err := c.client.FetchChunk(fctx, addr, ref.Hash)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != ref.Size {
		return nil, errs.Unavailable("chunk %d: expected %d bytes, got %d", ref.Index, ref.Size, len(data))
	}
	if err := c.store.CacheChunk(ref.Hash, data); err != nil {
		return nil, err
	}
	return data, nil
}
