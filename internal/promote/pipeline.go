// Package promote moves anomalous rhythm classes from the ephemeral Tier-1
// window into the permanent Tier-2 forensic store. Promotion is idempotent
// within a UTC day and must never lose an incident silently: persistent
// write failures raise the degraded flag that /health reports.
package promote

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vectoratlas/via/internal/embedder"
	"github.com/vectoratlas/via/internal/rhythm"
	"github.com/vectoratlas/via/internal/tier2"
	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

// maxRetryBudget bounds the retry window for one promotion batch.
const maxRetryBudget = 60 * time.Second

// PrevalenceSink receives the historical counter bump on each promotion.
type PrevalenceSink interface {
	BumpPrevalence(ctx context.Context, hash uint64) error
}

// Pipeline owns the Tier-1 to Tier-2 hand-off.
type Pipeline struct {
	store  *tier2.Store
	embed  embedder.Embedder
	sparse *rhythm.SparseEncoder
	counts PrevalenceSink
	log    *slog.Logger
	now    func() time.Time

	// backoff returns the delay before retry attempt n (1-based). Swapped
	// out by tests.
	backoff func(attempt int) time.Duration

	mu       sync.Mutex
	degraded bool
	lastErr  string
}

func NewPipeline(store *tier2.Store, embed embedder.Embedder, sparse *rhythm.SparseEncoder, counts PrevalenceSink) *Pipeline {
	return &Pipeline{
		store:  store,
		embed:  embed,
		sparse: sparse,
		counts: counts,
		log:    slog.With("component", "promote"),
		now:    time.Now,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
	}
}

// Degraded reports whether the last promotion batch could not be fully
// persisted, with the most recent failure. Clients never see this flag in
// query responses; it is a /health concern.
func (p *Pipeline) Degraded() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded, p.lastErr
}

func (p *Pipeline) setDegraded(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.degraded = false
		p.lastErr = ""
		return
	}
	p.degraded = true
	p.lastErr = err.Error()
}

// RefreshSparseStats folds the pending BM25 statistics into the encoding
// snapshot. Called on the daily cadence.
func (p *Pipeline) RefreshSparseStats() {
	p.sparse.Refresh()
}

// Promote persists one analysis batch of anomalies and returns the stored
// incidents. Each anomaly lands in the partition of its promotion day under
// a stable id, so re-promoting the same class on the same day overwrites
// rather than duplicates. Transient backend failures retry with exponential
// backoff inside a fixed budget; exhausting it marks the pipeline degraded
// and returns the incidents that did make it.
func (p *Pipeline) Promote(ctx context.Context, anomalies []via.Anomaly) ([]via.Incident, error) {
	if len(anomalies) == 0 {
		p.setDegraded(nil)
		return nil, nil
	}
	promotedAt := p.now().Unix()
	day := via.UTCDay(promotedAt)

	points := make([]vectorstore.Point, 0, len(anomalies))
	incidents := make([]via.Incident, 0, len(anomalies))
	for _, a := range anomalies {
		inc := via.Incident{
			ID:                    via.IncidentID(a.RhythmHash, day),
			RhythmHash:            a.RhythmHash,
			Service:               a.Representative.Service,
			Level:                 a.Representative.Level,
			RepresentativeMessage: a.Representative.Message,
			FirstSeenTS:           a.FirstTS,
			LastSeenTS:            a.LastTS,
			Count:                 a.Count,
			PromotedAt:            promotedAt,
			PromotedScore:         a.Score,
		}

		dense, err := p.embed.Embed(ctx, inc.RepresentativeMessage, embedder.Tier2Dim)
		if err != nil {
			// A busy embedder skips this class; the next analysis pass
			// retries with a fresh representative.
			p.log.Warn("embedding unavailable, promotion deferred",
				"rhythm_hash", a.RhythmHash, "error", err)
			continue
		}
		p.sparse.Observe(inc.RepresentativeMessage)
		sv := p.sparse.Encode(inc.RepresentativeMessage)

		points = append(points, vectorstore.Point{
			ID:      inc.ID,
			Dense:   map[string][]float32{tier2.DenseVector: dense},
			Sparse:  map[string]vectorstore.SparseVector{tier2.SparseVector: vectorstore.SparseVector(sv)},
			Payload: tier2.IncidentPayload(inc),
		})
		incidents = append(incidents, inc)
	}
	if len(points) == 0 {
		return nil, nil
	}

	if err := p.upsertWithRetry(ctx, day, points); err != nil {
		p.setDegraded(err)
		p.log.Error("promotion batch not persisted", "day", day, "incidents", len(points), "error", err)
		return nil, err
	}
	p.setDegraded(nil)

	for _, inc := range incidents {
		if err := p.counts.BumpPrevalence(ctx, inc.RhythmHash); err != nil {
			p.log.Warn("prevalence bump failed", "rhythm_hash", inc.RhythmHash, "error", err)
		}
	}
	p.log.Info("promoted anomalies", "day", day, "incidents", len(incidents))
	return incidents, nil
}

func (p *Pipeline) upsertWithRetry(ctx context.Context, day string, points []vectorstore.Point) error {
	deadline := p.now().Add(maxRetryBudget)
	var err error
	for attempt := 1; ; attempt++ {
		err = p.store.Upsert(ctx, day, points)
		if err == nil {
			return nil
		}
		delay := p.backoff(attempt)
		if p.now().Add(delay).After(deadline) {
			return err
		}
		p.log.Warn("tier2 upsert failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
