// Package federate fans cluster and triage queries out across the daily
// Tier-2 partitions and merges the partial results. Slow or unreachable
// partitions degrade the response with a warning instead of failing it.
package federate

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vectoratlas/via/internal/tier2"
	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

// defaultLimit is the global cluster result cap shared across partitions.
const defaultLimit = 100

// Filters narrows federated queries on indexed payload fields.
type Filters struct {
	Service    string `json:"service,omitempty"`
	Level      string `json:"level,omitempty"`
	RhythmHash uint64 `json:"rhythm_hash,string,omitempty"`
}

func (f *Filters) toBackend(startTS, endTS int64) *vectorstore.Filter {
	must := []vectorstore.Condition{{
		Field: "promoted_at",
		Range: &vectorstore.Range{GTE: &startTS, LTE: &endTS},
	}}
	if f != nil {
		if f.Service != "" {
			must = append(must, vectorstore.Condition{Field: "service", MatchAny: []string{f.Service}})
		}
		if f.Level != "" {
			must = append(must, vectorstore.Condition{Field: "level", MatchAny: []string{f.Level}})
		}
		if f.RhythmHash != 0 {
			must = append(must, vectorstore.Condition{
				Field: "rhythm_hash", MatchAny: []string{strconv.FormatUint(f.RhythmHash, 10)},
			})
		}
	}
	return &vectorstore.Filter{Must: must}
}

// Querier answers federated Tier-2 queries.
type Querier struct {
	backend vectorstore.Backend
	store   *tier2.Store
	timeout time.Duration
	log     *slog.Logger
}

func NewQuerier(backend vectorstore.Backend, store *tier2.Store, queryTimeout time.Duration) *Querier {
	if queryTimeout <= 0 {
		queryTimeout = 3 * time.Second
	}
	return &Querier{
		backend: backend,
		store:   store,
		timeout: queryTimeout,
		log:     slog.With("component", "federate"),
	}
}

// partial is one partition's outcome.
type partial struct {
	partition string
	incidents []via.Incident
	degraded  bool
}

// fanOut runs query against every overlapping partition concurrently, each
// under an equal share of the query timeout. Degraded partitions come back
// empty and named in warnings.
func (q *Querier) fanOut(ctx context.Context, startTS, endTS int64,
	query func(ctx context.Context, partition string) ([]via.Incident, error)) ([]partial, []string, error) {

	partitions, err := q.store.Partitions(ctx, startTS, endTS)
	if err != nil {
		return nil, nil, err
	}
	if len(partitions) == 0 {
		return nil, nil, nil
	}
	share := q.timeout / time.Duration(len(partitions))

	results := make([]partial, len(partitions))
	var wg sync.WaitGroup
	for i, name := range partitions {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, share)
			defer cancel()

			incidents, err := query(pctx, name)
			switch {
			case err == nil:
				results[i] = partial{partition: name, incidents: incidents}
			case errors.Is(err, via.ErrBadRequest):
				// None of the example ids live in this partition.
				results[i] = partial{partition: name}
			default:
				q.log.Warn("partition degraded", "partition", name, "error", err)
				results[i] = partial{partition: name, degraded: true}
			}
		}(i, name)
	}
	wg.Wait()

	var warnings []string
	for _, r := range results {
		if r.degraded {
			warnings = append(warnings, r.partition)
		}
	}
	return results, warnings, nil
}

// Clusters returns at most one incident per rhythm class across the
// partitions overlapping [startTS, endTS], newest promotion first.
func (q *Querier) Clusters(ctx context.Context, startTS, endTS int64, filters *Filters) ([]via.Incident, []string, error) {
	if endTS < startTS {
		return nil, nil, via.ErrBadRequest.Wrap("end_ts before start_ts")
	}
	filter := filters.toBackend(startTS, endTS)

	partitions, err := q.store.Partitions(ctx, startTS, endTS)
	if err != nil {
		return nil, nil, err
	}
	perPartition := defaultLimit
	if n := len(partitions); n > 0 {
		perPartition = defaultLimit / n
		if perPartition < 1 {
			perPartition = 1
		}
	}

	results, warnings, err := q.fanOut(ctx, startTS, endTS,
		func(ctx context.Context, partition string) ([]via.Incident, error) {
			groups, err := q.backend.SearchGroups(ctx, partition, tier2.DenseVector, nil,
				filter, "rhythm_hash", 1, perPartition)
			if err != nil {
				return nil, err
			}
			out := make([]via.Incident, 0, len(groups))
			for _, g := range groups {
				if len(g.Hits) == 0 {
					continue
				}
				hit := g.Hits[0]
				out = append(out, tier2.IncidentFromPayload(hit.ID, hit.Payload))
			}
			return out, nil
		})
	if err != nil {
		return nil, nil, err
	}

	// One incident per rhythm class: the larger aggregate wins.
	byHash := map[uint64]via.Incident{}
	for _, r := range results {
		for _, inc := range r.incidents {
			if best, ok := byHash[inc.RhythmHash]; !ok || inc.Count > best.Count {
				byHash[inc.RhythmHash] = inc
			}
		}
	}
	merged := make([]via.Incident, 0, len(byHash))
	for _, inc := range byHash {
		merged = append(merged, inc)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].PromotedAt != merged[j].PromotedAt {
			return merged[i].PromotedAt > merged[j].PromotedAt
		}
		return merged[i].RhythmHash < merged[j].RhythmHash
	})
	return merged, warnings, nil
}

// Triage ranks incidents by similarity to the positive examples and
// dissimilarity to the negative ones.
func (q *Querier) Triage(ctx context.Context, startTS, endTS int64,
	positiveIDs, negativeIDs []string, filters *Filters, limit int) ([]via.Incident, []string, error) {

	if len(positiveIDs) == 0 {
		return nil, nil, via.ErrBadRequest.Wrap("positive_ids must not be empty")
	}
	if endTS < startTS {
		return nil, nil, via.ErrBadRequest.Wrap("end_ts before start_ts")
	}
	if limit <= 0 {
		limit = 10
	}
	filter := filters.toBackend(startTS, endTS)

	results, warnings, err := q.fanOut(ctx, startTS, endTS,
		func(ctx context.Context, partition string) ([]via.Incident, error) {
			hits, err := q.backend.Recommend(ctx, partition, tier2.DenseVector,
				positiveIDs, negativeIDs, filter, limit)
			if err != nil {
				return nil, err
			}
			out := make([]via.Incident, 0, len(hits))
			for _, h := range hits {
				inc := tier2.IncidentFromPayload(h.ID, h.Payload)
				inc.Score = h.Score
				out = append(out, inc)
			}
			return out, nil
		})
	if err != nil {
		return nil, nil, err
	}

	// Round-robin interleave, then a stable global re-rank on the engine's
	// positive-minus-negative score. Stability keeps the interleave order
	// for ties.
	var merged []via.Incident
	for round := 0; ; round++ {
		added := false
		for _, r := range results {
			if round < len(r.incidents) {
				merged = append(merged, r.incidents[round])
				added = true
			}
		}
		if !added {
			break
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, warnings, nil
}
