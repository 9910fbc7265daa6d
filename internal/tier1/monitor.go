// Package tier1 maintains the ephemeral rhythm monitor: a sliding-window
// vector index over recent events, evicted by age and point cap, and the
// rhythm-anomaly analysis that feeds the promotion pipeline.
package tier1

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vectoratlas/via/internal/control"
	"github.com/vectoratlas/via/internal/rhythm"
	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

// Collection is the Tier-1 collection name. Owned exclusively by this
// package and recreated on process start.
const Collection = "rhythm_monitor"

// zNorm is the frequency z-score normalizer of the scoring model.
const zNorm = 4.0

// ClassState is the lifecycle state of one rhythm class inside Tier-1.
type ClassState string

const (
	StateObserved   ClassState = "observed"
	StateCandidate  ClassState = "candidate"
	StatePromoted   ClassState = "promoted"
	StateSuppressed ClassState = "suppressed"
	StatePatched    ClassState = "patched"
)

// ControlView is the slice of the control registry the monitor consults.
type ControlView interface {
	Active() *control.ActiveSet
	Prevalence(ctx context.Context, hash uint64) (float64, error)
}

// Monitor owns the Tier-1 collection.
type Monitor struct {
	backend   vectorstore.Backend
	controls  ControlView
	window    time.Duration
	grace     time.Duration
	maxPoints int
	threshold float64
	alpha     float64
	log       *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[uint64]ClassState
}

// Options configures the monitor; zero values take the documented defaults.
type Options struct {
	Window    time.Duration
	Grace     time.Duration
	MaxPoints int
	Threshold float64
	Alpha     float64
}

func NewMonitor(backend vectorstore.Backend, controls ControlView, opts Options) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Minute
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 200000
	}
	if opts.Threshold == 0 {
		opts.Threshold = 0.5
	}
	if opts.Alpha == 0 {
		opts.Alpha = 0.6
	}
	return &Monitor{
		backend:   backend,
		controls:  controls,
		window:    opts.Window,
		grace:     opts.Grace,
		maxPoints: opts.MaxPoints,
		threshold: opts.Threshold,
		alpha:     opts.Alpha,
		log:       slog.With("component", "tier1"),
		now:       time.Now,
		states:    map[uint64]ClassState{},
	}
}

func collectionSpec() vectorstore.CollectionSpec {
	return vectorstore.CollectionSpec{
		Name: Collection,
		Dense: []vectorstore.VectorSpec{{
			Name:         "",
			Dim:          rhythm.Tier1Dim,
			Distance:     vectorstore.DistanceDot,
			Quantization: vectorstore.QuantizationBinary,
		}},
		Indexes: []vectorstore.PayloadIndex{
			{Field: "ts", Kind: vectorstore.IndexInteger},
			{Field: "rhythm_hash", Kind: vectorstore.IndexKeyword},
		},
	}
}

// Setup recreates the Tier-1 collection. The monitor is ephemeral: a fresh
// process starts from an empty window.
func (m *Monitor) Setup(ctx context.Context) error {
	return m.backend.RecreateCollection(ctx, collectionSpec())
}

// Upsert writes encoded points. Only the ingest path calls this.
func (m *Monitor) Upsert(ctx context.Context, points []via.Tier1Point) error {
	stored := make([]vectorstore.Point, 0, len(points))
	for _, p := range points {
		stored = append(stored, toStored(p))
	}
	return m.backend.Upsert(ctx, Collection, stored)
}

// Has reports which point ids already live in the window.
func (m *Monitor) Has(ctx context.Context, ids []string) (map[string]bool, error) {
	return m.backend.HasPoints(ctx, Collection, ids)
}

// LivePoints counts the points currently indexed. Reported by /health.
func (m *Monitor) LivePoints(ctx context.Context) (int, error) {
	return m.backend.Count(ctx, Collection, nil)
}

// Evict enforces both retention rules: points older than window+grace go,
// and if the hard cap is still exceeded the oldest points are dropped.
func (m *Monitor) Evict(ctx context.Context) error {
	now := m.now()
	cutoff := now.Add(-(m.window + m.grace)).Unix()

	points, err := m.scrollAll(ctx, &vectorstore.Filter{
		Must: []vectorstore.Condition{{Field: "ts", Range: &vectorstore.Range{LT: &cutoff}}},
	})
	if err != nil {
		return err
	}
	if len(points) > 0 {
		ids := make([]string, 0, len(points))
		for _, p := range points {
			ids = append(ids, p.ID)
		}
		if err := m.backend.DeletePoints(ctx, Collection, ids); err != nil {
			return err
		}
		m.log.Debug("evicted aged points", "count", len(ids))
	}

	total, err := m.backend.Count(ctx, Collection, nil)
	if err != nil {
		return err
	}
	if total <= m.maxPoints {
		return nil
	}

	// Over the hard cap: drop oldest first.
	all, err := m.scrollAll(ctx, nil)
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool {
		ti := vectorstore.PayloadInt(all[i].Payload, "ts")
		tj := vectorstore.PayloadInt(all[j].Payload, "ts")
		if ti != tj {
			return ti < tj
		}
		return all[i].ID < all[j].ID
	})
	excess := len(all) - m.maxPoints
	ids := make([]string, 0, excess)
	for _, p := range all[:excess] {
		ids = append(ids, p.ID)
	}
	m.log.Warn("point cap exceeded, dropping oldest", "dropped", excess, "cap", m.maxPoints)
	return m.backend.DeletePoints(ctx, Collection, ids)
}

func (m *Monitor) scrollAll(ctx context.Context, filter *vectorstore.Filter) ([]vectorstore.Point, error) {
	var out []vectorstore.Point
	cursor := ""
	for {
		page, next, err := m.backend.Scroll(ctx, Collection, filter, 4096, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// Snapshot returns up to limit of the most recent events bearing a hash.
// The regression recorder uses this when a class is patched.
func (m *Monitor) Snapshot(ctx context.Context, hash uint64, limit int) ([]via.LogEvent, error) {
	points, err := m.scrollAll(ctx, &vectorstore.Filter{
		Must: []vectorstore.Condition{{Field: "rhythm_hash", MatchAny: []string{hashKey(hash)}}},
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(points, func(i, j int) bool {
		return vectorstore.PayloadInt(points[i].Payload, "ts") > vectorstore.PayloadInt(points[j].Payload, "ts")
	})
	if limit > 0 && len(points) > limit {
		points = points[:limit]
	}
	events := make([]via.LogEvent, 0, len(points))
	for _, p := range points {
		events = append(events, eventFromStored(p))
	}
	return events, nil
}

// RhythmAnomalies analyzes the window [now-window, now] and returns the
// top-k scoring rhythm classes above the threshold, most anomalous first.
// A negative threshold selects the configured default; zero is literal and
// returns every scored class. Suppressed and patched classes never appear.
// The caller hands the result to the promotion pipeline.
func (m *Monitor) RhythmAnomalies(ctx context.Context, window time.Duration, topK int, threshold float64) ([]via.Anomaly, error) {
	if threshold < 0 {
		threshold = m.threshold
	}
	now := m.now().Unix()
	start := now - int64(window/time.Second)

	points, err := m.scrollAll(ctx, &vectorstore.Filter{
		Must: []vectorstore.Condition{{Field: "ts", Range: &vectorstore.Range{GTE: &start}}},
	})
	if err != nil {
		return nil, err
	}

	active := m.controls.Active()
	classes := map[uint64]*classAgg{}
	for _, p := range points {
		hash := hashFromStored(p)
		if active.Contains(hash, now) {
			m.setState(hash, controlState(active, hash))
			continue
		}
		agg, ok := classes[hash]
		if !ok {
			agg = newClassAgg(start, now)
			classes[hash] = agg
		}
		agg.add(p)
	}

	var anomalies []via.Anomaly
	for hash, agg := range classes {
		m.setState(hash, StateObserved)

		prevalence, err := m.controls.Prevalence(ctx, hash)
		if err != nil {
			return nil, err
		}
		novelty := 1 - clamp01(prevalence)
		freq := agg.frequencyTerm(prevalence)
		score := m.alpha*novelty + (1-m.alpha)*freq
		if score < threshold {
			continue
		}

		m.setState(hash, StateCandidate)
		anomalies = append(anomalies, via.Anomaly{
			RhythmHash:     hash,
			Representative: agg.representative(),
			Score:          score,
			Count:          agg.count,
			FirstTS:        agg.firstTS,
			LastTS:         agg.lastTS,
		})
	}

	sort.Slice(anomalies, func(i, j int) bool {
		if anomalies[i].Score != anomalies[j].Score {
			return anomalies[i].Score > anomalies[j].Score
		}
		return anomalies[i].RhythmHash < anomalies[j].RhythmHash
	})
	if topK >= 0 && len(anomalies) > topK {
		anomalies = anomalies[:topK]
	}
	return anomalies, nil
}

// MarkPromoted records the state transition after a successful hand-off.
func (m *Monitor) MarkPromoted(hash uint64) { m.setState(hash, StatePromoted) }

// State reports the tracked lifecycle state of a class.
func (m *Monitor) State(hash uint64) ClassState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[hash]
}

func (m *Monitor) setState(hash uint64, s ClassState) {
	m.mu.Lock()
	m.states[hash] = s
	m.mu.Unlock()
}

func controlState(active *control.ActiveSet, hash uint64) ClassState {
	if active.IsPatched(hash) {
		return StatePatched
	}
	return StateSuppressed
}

// classAgg accumulates one rhythm class over the analysis window.
type classAgg struct {
	windowStart int64
	windowEnd   int64
	count       int
	firstTS     int64
	lastTS      int64
	repr        vectorstore.Point
	perMinute   map[int64]int
}

func newClassAgg(start, end int64) *classAgg {
	return &classAgg{windowStart: start, windowEnd: end, perMinute: map[int64]int{}}
}

func (a *classAgg) add(p vectorstore.Point) {
	ts := vectorstore.PayloadInt(p.Payload, "ts")
	a.count++
	if a.firstTS == 0 || ts < a.firstTS {
		a.firstTS = ts
	}
	if ts > a.lastTS {
		a.lastTS = ts
	}
	a.perMinute[(ts-a.windowStart)/60]++

	// Most recent event wins; ties break on the larger id.
	rts := vectorstore.PayloadInt(a.repr.Payload, "ts")
	if a.repr.ID == "" || ts > rts || (ts == rts && p.ID > a.repr.ID) {
		a.repr = p
	}
}

// frequencyTerm is the normalized frequency anomaly in [-1, 1]: the
// z-score of the latest minute's count against the class's per-minute
// rate across the window, divided by zNorm. A class with no history —
// zero prevalence and no occurrences before the latest minute — is
// maximally anomalous.
func (a *classAgg) frequencyTerm(prevalence float64) float64 {
	minutes := (a.windowEnd - a.windowStart + 59) / 60
	if minutes < 1 {
		minutes = 1
	}
	lastBucket := (a.windowEnd - 1 - a.windowStart) / 60
	last := a.perMinute[lastBucket]

	if prevalence == 0 && a.count == last {
		return 1 // brand new class, z is +inf
	}

	mean := float64(a.count) / float64(minutes)
	var variance float64
	for b := int64(0); b < minutes; b++ {
		d := float64(a.perMinute[b]) - mean
		variance += d * d
	}
	variance /= float64(minutes)
	if variance == 0 {
		return 0
	}
	z := (float64(last) - mean) / math.Sqrt(variance)
	return math.Max(-1, math.Min(1, z/zNorm))
}

func (a *classAgg) representative() via.LogEvent {
	return eventFromStored(a.repr)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
