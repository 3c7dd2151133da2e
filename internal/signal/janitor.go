package signal

import (
	"context"
	"errors"
	"time"

	"github.com/petervdpas/lovelink/internal/docstore"
)

// DefaultCandidateRetention is how long ICE candidates are kept when no
// retention is configured.
const DefaultCandidateRetention = 24 * time.Hour

// PruneCandidates deletes every candidate of a call and returns the count.
// Candidates are useless once the call is connected or over.
func (c *Channel) PruneCandidates(ctx context.Context, callID string) (int, error) {
	docs, err := c.store.Query(ctx, docstore.Query{
		Collection: CandidatesCollection,
		Where:      docstore.Fields{"call_id": callID},
	})
	if err != nil {
		return 0, transportErr("list candidates", err)
	}
	return c.deleteCandidates(ctx, docs)
}

// SweepCandidates deletes candidates created before cutoff. It scans the
// whole candidate collection.
func (c *Channel) SweepCandidates(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := c.store.Query(ctx, docstore.Query{Collection: CandidatesCollection})
	if err != nil {
		return 0, transportErr("list candidates", err)
	}
	var old []docstore.Doc
	for _, d := range docs {
		if d.CreatedAt.Before(cutoff) {
			old = append(old, d)
		}
	}
	return c.deleteCandidates(ctx, old)
}

func (c *Channel) deleteCandidates(ctx context.Context, docs []docstore.Doc) (int, error) {
	n := 0
	for _, d := range docs {
		err := c.store.Delete(ctx, CandidatesCollection, d.ID)
		if errors.Is(err, docstore.ErrNotFound) {
			continue // removed by the other partner's janitor
		}
		if err != nil {
			return n, transportErr("delete candidate", err)
		}
		n++
	}
	return n, nil
}

// RunJanitor sweeps candidates older than retention every interval until ctx
// is done.
func (c *Channel) RunJanitor(ctx context.Context, interval, retention time.Duration) {
	if retention <= 0 {
		retention = DefaultCandidateRetention
	}
	if interval <= 0 {
		interval = time.Hour
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := c.SweepCandidates(ctx, now.Add(-retention))
			if err != nil {
				log.Warnf("SIGNAL: candidate sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("SIGNAL: swept %d stale candidates", n)
			}
		}
	}
}
