// Package vectorstore abstracts the vector engine behind VIA. The engine is
// opaque: collection management with named dense and sparse vectors,
// upsert, filtered scroll, recommendation and grouped search. Two
// implementations exist — an in-process engine for tests and dev mode, and
// a Qdrant REST client for production.
package vectorstore

import "context"

// Distance selects the similarity metric of a dense vector space.
type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
)

// Quantization names the compression applied to a dense vector space.
type Quantization string

const (
	QuantizationNone   Quantization = ""
	QuantizationInt8   Quantization = "int8"
	QuantizationBinary Quantization = "binary"
)

// VectorSpec describes one named dense vector space of a collection.
// Name "" denotes the collection's single unnamed vector.
type VectorSpec struct {
	Name         string
	Dim          int
	Distance     Distance
	OnDisk       bool
	Quantization Quantization
}

// SparseSpec describes one named sparse vector space (BM25-style, the
// engine applies its IDF modifier).
type SparseSpec struct {
	Name string
}

// IndexKind is the payload index type for a field.
type IndexKind string

const (
	IndexKeyword IndexKind = "keyword"
	IndexInteger IndexKind = "integer"
)

// PayloadIndex requests an index on a payload field.
type PayloadIndex struct {
	Field string
	Kind  IndexKind
}

// CollectionSpec is everything needed to create a collection.
type CollectionSpec struct {
	Name    string
	Dense   []VectorSpec
	Sparse  []SparseSpec
	Indexes []PayloadIndex
}

// SparseVector is the engine-facing sparse format: parallel index/value
// arrays.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Point is one stored point with named vectors and a JSON-like payload.
// Payload values are strings, int64s or float64s.
type Point struct {
	ID      string
	Dense   map[string][]float32
	Sparse  map[string]SparseVector
	Payload map[string]any
}

// ScoredPoint is a point plus its query score.
type ScoredPoint struct {
	Point
	Score float64
}

// Group is one grouped-search bucket.
type Group struct {
	Key  string
	Hits []ScoredPoint
}

// Range is a numeric payload range condition; nil bounds are open.
type Range struct {
	GTE *int64
	LT  *int64
	LTE *int64
}

// Condition matches one payload field, either by exact value set or range.
type Condition struct {
	Field    string
	MatchAny []string
	Range    *Range
}

// Filter is a conjunction of conditions. nil matches everything.
type Filter struct {
	Must []Condition
}

// Backend is the opaque vector engine.
type Backend interface {
	// EnsureCollection creates the collection if missing; existing
	// collections are left untouched.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error
	// RecreateCollection drops any existing collection and creates it fresh.
	RecreateCollection(ctx context.Context, spec CollectionSpec) error
	DropCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)

	Upsert(ctx context.Context, collection string, points []Point) error
	DeletePoints(ctx context.Context, collection string, ids []string) error
	// HasPoints reports which of the given ids already exist.
	HasPoints(ctx context.Context, collection string, ids []string) (map[string]bool, error)

	// Scroll pages through points matching the filter, ordered by id.
	// The returned cursor is "" when exhausted.
	Scroll(ctx context.Context, collection string, filter *Filter, limit int, cursor string) ([]Point, string, error)
	Count(ctx context.Context, collection string, filter *Filter) (int, error)

	// SearchGroups runs a grouped dense search: best groupSize hits per
	// distinct groupBy payload value, at most limit groups.
	SearchGroups(ctx context.Context, collection, vectorName string, vector []float32, filter *Filter, groupBy string, groupSize, limit int) ([]Group, error)

	// Recommend scores points by similarity to the positive examples and
	// dissimilarity to the negative ones, excluding the examples themselves.
	Recommend(ctx context.Context, collection, vectorName string, positive, negative []string, filter *Filter, limit int) ([]ScoredPoint, error)
}

// Matches evaluates the filter against a payload. Shared by the in-memory
// engine and by tests.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.matches(payload) {
			return false
		}
	}
	return true
}

func (c Condition) matches(payload map[string]any) bool {
	v, ok := payload[c.Field]
	if !ok {
		return false
	}
	if len(c.MatchAny) > 0 {
		s := payloadString(v)
		for _, want := range c.MatchAny {
			if s == want {
				return true
			}
		}
		return false
	}
	if c.Range != nil {
		n, ok := payloadInt(v)
		if !ok {
			return false
		}
		if c.Range.GTE != nil && n < *c.Range.GTE {
			return false
		}
		if c.Range.LT != nil && n >= *c.Range.LT {
			return false
		}
		if c.Range.LTE != nil && n > *c.Range.LTE {
			return false
		}
	}
	return true
}
