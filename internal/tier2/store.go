// Package tier2 owns the permanent forensic index: one collection per UTC
// day of promotion, hybrid dense+sparse data model, dropped wholesale once
// past retention.
package tier2

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vectoratlas/via/internal/embedder"
	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

const (
	// CollectionPrefix + UTC day names each partition.
	CollectionPrefix = "forensic_"

	// DenseVector and SparseVector are the named vector spaces of every
	// forensic collection.
	DenseVector  = "dense"
	SparseVector = "sparse"
)

// Store is a thin façade over the vector backend enforcing the forensic
// naming convention, index layout and quantization configuration.
type Store struct {
	backend       vectorstore.Backend
	retentionDays int
	log           *slog.Logger

	mu      sync.Mutex
	created map[string]struct{} // lazily created collections this process knows about
}

func NewStore(backend vectorstore.Backend, retentionDays int) *Store {
	return &Store{
		backend:       backend,
		retentionDays: retentionDays,
		log:           slog.With("component", "tier2"),
		created:       map[string]struct{}{},
	}
}

// CollectionName returns the partition name for a UTC day string.
func CollectionName(day string) string { return CollectionPrefix + day }

// dayOf parses the UTC day out of a partition name.
func dayOf(collection string) (time.Time, bool) {
	if !strings.HasPrefix(collection, CollectionPrefix) {
		return time.Time{}, false
	}
	t, err := time.Parse("2006_01_02", strings.TrimPrefix(collection, CollectionPrefix))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func spec(name string) vectorstore.CollectionSpec {
	return vectorstore.CollectionSpec{
		Name: name,
		Dense: []vectorstore.VectorSpec{{
			Name:         DenseVector,
			Dim:          embedder.Tier2Dim,
			Distance:     vectorstore.DistanceCosine,
			OnDisk:       true,
			Quantization: vectorstore.QuantizationInt8,
		}},
		Sparse: []vectorstore.SparseSpec{{Name: SparseVector}},
		Indexes: []vectorstore.PayloadIndex{
			{Field: "service", Kind: vectorstore.IndexKeyword},
			{Field: "rhythm_hash", Kind: vectorstore.IndexKeyword},
			{Field: "promoted_at", Kind: vectorstore.IndexInteger},
			{Field: "first_seen_ts", Kind: vectorstore.IndexInteger},
			{Field: "last_seen_ts", Kind: vectorstore.IndexInteger},
		},
	}
}

// EnsureDaily lazily creates the partition for a day and returns its name.
func (s *Store) EnsureDaily(ctx context.Context, day string) (string, error) {
	name := CollectionName(day)
	s.mu.Lock()
	_, known := s.created[name]
	s.mu.Unlock()
	if known {
		return name, nil
	}
	if err := s.backend.EnsureCollection(ctx, spec(name)); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.created[name] = struct{}{}
	s.mu.Unlock()
	return name, nil
}

// Upsert writes incident points into a day's partition, creating it lazily.
func (s *Store) Upsert(ctx context.Context, day string, points []vectorstore.Point) error {
	name, err := s.EnsureDaily(ctx, day)
	if err != nil {
		return err
	}
	return s.backend.Upsert(ctx, name, points)
}

// Partitions lists the existing forensic collections whose day overlaps
// [startTS, endTS], oldest first.
func (s *Store) Partitions(ctx context.Context, startTS, endTS int64) ([]string, error) {
	all, err := s.backend.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	startDay := time.Unix(startTS, 0).UTC().Truncate(24 * time.Hour)
	endDay := time.Unix(endTS, 0).UTC().Truncate(24 * time.Hour)

	var out []string
	for _, name := range all {
		day, ok := dayOf(name)
		if !ok {
			continue
		}
		if !day.Before(startDay) && !day.After(endDay) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Count returns how many forensic partitions exist. Reported by /health.
func (s *Store) Count(ctx context.Context) (int, error) {
	all, err := s.backend.ListCollections(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range all {
		if _, ok := dayOf(name); ok {
			n++
		}
	}
	return n, nil
}

// Sweep drops partitions older than the retention horizon. Closed days are
// never mutated otherwise.
func (s *Store) Sweep(ctx context.Context, now time.Time) error {
	all, err := s.backend.ListCollections(ctx)
	if err != nil {
		return err
	}
	cutoff := now.UTC().AddDate(0, 0, -s.retentionDays)
	for _, name := range all {
		day, ok := dayOf(name)
		if !ok {
			continue
		}
		if day.Before(cutoff) {
			if err := s.backend.DropCollection(ctx, name); err != nil {
				s.log.Warn("retention drop failed", "collection", name, "error", err)
				continue
			}
			s.mu.Lock()
			delete(s.created, name)
			s.mu.Unlock()
			s.log.Info("dropped expired forensic partition", "collection", name)
		}
	}
	return nil
}

// IncidentPayload flattens an incident into the stored payload form.
func IncidentPayload(inc via.Incident) map[string]any {
	return map[string]any{
		"rhythm_hash":            strconv.FormatUint(inc.RhythmHash, 10),
		"service":                inc.Service,
		"level":                  string(inc.Level),
		"representative_message": inc.RepresentativeMessage,
		"first_seen_ts":          inc.FirstSeenTS,
		"last_seen_ts":           inc.LastSeenTS,
		"count":                  int64(inc.Count),
		"promoted_at":            inc.PromotedAt,
		"promoted_score":         inc.PromotedScore,
	}
}

// IncidentFromPayload reconstructs an incident from a stored point.
func IncidentFromPayload(id string, p map[string]any) via.Incident {
	hash, _ := strconv.ParseUint(vectorstore.PayloadString(p, "rhythm_hash"), 10, 64)
	return via.Incident{
		ID:                    id,
		RhythmHash:            hash,
		Service:               vectorstore.PayloadString(p, "service"),
		Level:                 via.Level(vectorstore.PayloadString(p, "level")),
		RepresentativeMessage: vectorstore.PayloadString(p, "representative_message"),
		FirstSeenTS:           vectorstore.PayloadInt(p, "first_seen_ts"),
		LastSeenTS:            vectorstore.PayloadInt(p, "last_seen_ts"),
		Count:                 int(vectorstore.PayloadInt(p, "count")),
		PromotedAt:            vectorstore.PayloadInt(p, "promoted_at"),
		PromotedScore:         vectorstore.PayloadFloat(p, "promoted_score"),
	}
}
