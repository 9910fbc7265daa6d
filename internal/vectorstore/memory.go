package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vectoratlas/via/internal/via"
)

// Memory is a full in-process Backend. It backs the test suite and the
// zero-dependency dev mode (empty VECTOR_BACKEND_URL). Scoring follows the
// collection's declared distance; quantization descriptors are accepted and
// ignored.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	delays      map[string]time.Duration // test hook, per-collection latency
}

type memCollection struct {
	spec   CollectionSpec
	points map[string]Point
}

func NewMemory() *Memory {
	return &Memory{
		collections: map[string]*memCollection{},
		delays:      map[string]time.Duration{},
	}
}

// SlowCollection injects artificial latency on every read of a collection.
// Used by tests to simulate a degraded partition.
func (m *Memory) SlowCollection(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[name] = d
}

func (m *Memory) stall(ctx context.Context, name string) error {
	m.mu.RLock()
	d := m.delays[name]
	m.mu.RUnlock()
	if d == 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) EnsureCollection(_ context.Context, spec CollectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[spec.Name]; ok {
		return nil
	}
	m.collections[spec.Name] = &memCollection{spec: spec, points: map[string]Point{}}
	return nil
}

func (m *Memory) RecreateCollection(_ context.Context, spec CollectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[spec.Name] = &memCollection{spec: spec, points: map[string]Point{}}
	return nil
}

func (m *Memory) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *Memory) ListCollections(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) get(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, via.ErrBackendUnavailable.Wrap("collection %q does not exist", name)
	}
	return c, nil
}

func (m *Memory) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(collection)
	if err != nil {
		return err
	}
	for _, p := range points {
		c.points[p.ID] = p
	}
	return nil
}

func (m *Memory) DeletePoints(_ context.Context, collection string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.get(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return nil
}

func (m *Memory) HasPoints(_ context.Context, collection string, ids []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, ok := c.points[id]
		out[id] = ok
	}
	return out, nil
}

func (m *Memory) Scroll(ctx context.Context, collection string, filter *Filter, limit int, cursor string) ([]Point, string, error) {
	if err := m.stall(ctx, collection); err != nil {
		return nil, "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return nil, "", err
	}

	ids := make([]string, 0, len(c.points))
	for id, p := range c.points {
		if filter.Matches(p.Payload) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(ids, cursor)
	}
	end := start + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}

	out := make([]Point, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, c.points[id])
	}
	next := ""
	if end < len(ids) {
		next = ids[end]
	}
	return out, next, nil
}

func (m *Memory) Count(_ context.Context, collection string, filter *Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range c.points {
		if filter.Matches(p.Payload) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SearchGroups(ctx context.Context, collection, vectorName string, vector []float32, filter *Filter, groupBy string, groupSize, limit int) ([]Group, error) {
	if err := m.stall(ctx, collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return nil, err
	}

	buckets := map[string][]ScoredPoint{}
	for _, p := range c.points {
		if !filter.Matches(p.Payload) {
			continue
		}
		key := PayloadString(p.Payload, groupBy)
		score := similarity(c.spec, vectorName, vector, p.Dense[vectorName])
		buckets[key] = append(buckets[key], ScoredPoint{Point: p, Score: score})
	}

	groups := make([]Group, 0, len(buckets))
	for key, hits := range buckets {
		sort.Slice(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].ID < hits[j].ID
		})
		if groupSize > 0 && len(hits) > groupSize {
			hits = hits[:groupSize]
		}
		groups = append(groups, Group{Key: key, Hits: hits})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Hits[0].Score != groups[j].Hits[0].Score {
			return groups[i].Hits[0].Score > groups[j].Hits[0].Score
		}
		return groups[i].Key < groups[j].Key
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups, nil
}

func (m *Memory) Recommend(ctx context.Context, collection, vectorName string, positive, negative []string, filter *Filter, limit int) ([]ScoredPoint, error) {
	if err := m.stall(ctx, collection); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, err := m.get(collection)
	if err != nil {
		return nil, err
	}

	exclude := map[string]struct{}{}
	avg := func(ids []string) []float32 {
		var sum []float32
		n := 0
		for _, id := range ids {
			exclude[id] = struct{}{}
			p, ok := c.points[id]
			if !ok {
				continue
			}
			v := p.Dense[vectorName]
			if v == nil {
				continue
			}
			if sum == nil {
				sum = make([]float32, len(v))
			}
			for i := range v {
				sum[i] += v[i]
			}
			n++
		}
		if n == 0 {
			return nil
		}
		for i := range sum {
			sum[i] /= float32(n)
		}
		return sum
	}

	pos := avg(positive)
	neg := avg(negative)
	if pos == nil {
		return nil, via.ErrBadRequest.Wrap("no known positive examples")
	}

	var hits []ScoredPoint
	for id, p := range c.points {
		if _, skip := exclude[id]; skip {
			continue
		}
		if !filter.Matches(p.Payload) {
			continue
		}
		v := p.Dense[vectorName]
		if v == nil {
			continue
		}
		score := cosineSim(pos, v)
		if neg != nil {
			score -= cosineSim(neg, v)
		}
		hits = append(hits, ScoredPoint{Point: p, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func similarity(spec CollectionSpec, vectorName string, q, v []float32) float64 {
	if q == nil || v == nil || len(q) != len(v) {
		return 0
	}
	for _, d := range spec.Dense {
		if d.Name == vectorName && d.Distance == DistanceDot {
			return dot(q, v)
		}
	}
	return cosineSim(q, v)
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var d, na, nb float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return d / (math.Sqrt(na) * math.Sqrt(nb))
}
