package breaker

import (
	"context"

	"github.com/vectoratlas/via/internal/vectorstore"
)

// GuardedBackend wraps a vector backend so every call passes through one
// shared breaker. When the engine is down the whole surface fails fast.
type GuardedBackend struct {
	inner   vectorstore.Backend
	breaker *Breaker
}

func Guard(inner vectorstore.Backend, b *Breaker) *GuardedBackend {
	return &GuardedBackend{inner: inner, breaker: b}
}

func (g *GuardedBackend) EnsureCollection(ctx context.Context, spec vectorstore.CollectionSpec) error {
	return g.breaker.Do(func() error { return g.inner.EnsureCollection(ctx, spec) })
}

func (g *GuardedBackend) RecreateCollection(ctx context.Context, spec vectorstore.CollectionSpec) error {
	return g.breaker.Do(func() error { return g.inner.RecreateCollection(ctx, spec) })
}

func (g *GuardedBackend) DropCollection(ctx context.Context, name string) error {
	return g.breaker.Do(func() error { return g.inner.DropCollection(ctx, name) })
}

func (g *GuardedBackend) ListCollections(ctx context.Context) ([]string, error) {
	var out []string
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.ListCollections(ctx)
		return err
	})
	return out, err
}

func (g *GuardedBackend) Upsert(ctx context.Context, collection string, points []vectorstore.Point) error {
	return g.breaker.Do(func() error { return g.inner.Upsert(ctx, collection, points) })
}

func (g *GuardedBackend) DeletePoints(ctx context.Context, collection string, ids []string) error {
	return g.breaker.Do(func() error { return g.inner.DeletePoints(ctx, collection, ids) })
}

func (g *GuardedBackend) HasPoints(ctx context.Context, collection string, ids []string) (map[string]bool, error) {
	var out map[string]bool
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.HasPoints(ctx, collection, ids)
		return err
	})
	return out, err
}

func (g *GuardedBackend) Scroll(ctx context.Context, collection string, filter *vectorstore.Filter, limit int, cursor string) ([]vectorstore.Point, string, error) {
	var (
		out  []vectorstore.Point
		next string
	)
	err := g.breaker.Do(func() error {
		var err error
		out, next, err = g.inner.Scroll(ctx, collection, filter, limit, cursor)
		return err
	})
	return out, next, err
}

func (g *GuardedBackend) Count(ctx context.Context, collection string, filter *vectorstore.Filter) (int, error) {
	var out int
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Count(ctx, collection, filter)
		return err
	})
	return out, err
}

func (g *GuardedBackend) SearchGroups(ctx context.Context, collection, vectorName string, vector []float32, filter *vectorstore.Filter, groupBy string, groupSize, limit int) ([]vectorstore.Group, error) {
	var out []vectorstore.Group
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.SearchGroups(ctx, collection, vectorName, vector, filter, groupBy, groupSize, limit)
		return err
	})
	return out, err
}

func (g *GuardedBackend) Recommend(ctx context.Context, collection, vectorName string, positive, negative []string, filter *vectorstore.Filter, limit int) ([]vectorstore.ScoredPoint, error) {
	var out []vectorstore.ScoredPoint
	err := g.breaker.Do(func() error {
		var err error
		out, err = g.inner.Recommend(ctx, collection, vectorName, positive, negative, filter, limit)
		return err
	})
	return out, err
}
