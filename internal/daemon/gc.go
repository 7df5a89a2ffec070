package daemon

import (
	"context"

	log "github.com/sirupsen/logrus"

	"dedupfs/internal/blockstore"
)

// GCResult summarizes one garbage collection pass.
type GCResult struct {
	Scanned    int64
	Live       int64
	Reclaimed  int64
	FreedBytes int64
}

// GC removes orphaned blocks: blocks present in the block store that no
// file references. Orphans appear when a crash interrupts the
// best-effort reclamation after a commit; the store lock held by
// OpenStore guarantees no writer is racing this scan.
func (s *Store) GC(ctx context.Context) (*GCResult, error) {
	live, err := s.idx.LiveHashes(ctx)
	if err != nil {
		return nil, err
	}

	var res GCResult
	err = s.store.Walk(func(h blockstore.Hash, size int64) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		res.Scanned++
		if _, ok := live[h.String()]; ok {
			res.Live++
			return nil
		}
		if err := s.store.Delete(h); err != nil {
			return err
		}
		res.Reclaimed++
		res.FreedBytes += size
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"scanned":   res.Scanned,
		"reclaimed": res.Reclaimed,
		"bytes":     res.FreedBytes,
	}).Info("garbage collection complete")
	return &res, nil
}
