package transfer

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shardnet/shardnet/internal/errs"
)

// AdvertiseResult reports what happened to one advertised filename.
type AdvertiseResult struct {
	Filename string `json:"filename"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Advertise records peerID as a holder of each named file. The manifest is
// pulled from the peer itself so later downloads know which chunks to ask
// for. Per-file failures are reported in the results; the call only fails
// when the peer cannot be reached at all.
func (c *Coordinator) Advertise(ctx context.Context, peerID string, files []string) ([]AdvertiseResult, error) {
	if len(files) == 0 {
		return nil, errs.Invalid("no files provided")
	}
	addr, err := c.peers.Address(peerID)
	if err != nil {
		return nil, err
	}
	if err := c.ping(ctx, peerID, addr); err != nil {
		return nil, err
	}

	results := make([]AdvertiseResult, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, name := range files {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		seen[name] = true

		res := AdvertiseResult{Filename: name}
		if err := c.advertiseOne(ctx, peerID, addr, name); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			res.Error = err.Error()
		} else {
			res.Accepted = true
		}
		results = append(results, res)
	}
	return results, nil
}

func (c *Coordinator) ping(ctx context.Context, peerID, addr string) error {
	pctx, cancel := context.WithTimeout(ctx, c.FetchTimeout)
	defer cancel()

	rtt, err := c.client.Ping(pctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Wrap(errs.KindUnavailable, err, "peer %s is not answering on %s", peerID, addr)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"peer_id":  peerID,
		"rtt":      rtt,
	}).Debug("Peer reachable")
	return nil
}

func (c *Coordinator) advertiseOne(ctx context.Context, peerID, addr, name string) error {
	fctx, cancel := context.WithTimeout(ctx, c.FetchTimeout)
	defer cancel()

	wire, err := c.client.FetchManifest(fctx, addr, name)
	if err != nil {
		return err
	}
	m := fromWire(wire)
	if err := m.Validate(); err != nil {
		return err
	}
	if err := c.index.AddHolder(name, peerID, m); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Advertise",
		"peer_id":  peerID,
		"filename": name,
		"chunks":   len(m.Chunks),
	}).Info("Peer advertised file")
	return nil
}
