package rhythm

import (
	"math"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// BM25 parameters, the usual Okapi defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// SparseVector is a term-weighted vector in the engine's sparse format:
// parallel index/value arrays, indices are 32-bit term hashes.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// idfStats is one immutable IDF snapshot. Readers get the whole struct by
// pointer and never see a partial refresh.
type idfStats struct {
	docCount int
	docFreq  map[uint32]int
	totalLen int
}

func (s *idfStats) avgDocLen() float64 {
	if s.docCount == 0 {
		return 1
	}
	return float64(s.totalLen) / float64(s.docCount)
}

func (s *idfStats) idf(term uint32) float64 {
	df := s.docFreq[term]
	// Robertson-Sparck Jones with +1 floor so unseen terms still score.
	return math.Log(1 + (float64(s.docCount)-float64(df)+0.5)/(float64(df)+0.5))
}

// SparseEncoder produces BM25 sparse vectors over original message tokens
// (variables kept). Document statistics accumulate into a pending set and
// are swapped into the read path by Refresh, which the promotion pipeline
// calls on its daily cadence.
type SparseEncoder struct {
	mu      sync.RWMutex
	current *idfStats
	pending *idfStats
}

func NewSparseEncoder() *SparseEncoder {
	empty := &idfStats{docFreq: map[uint32]int{}}
	return &SparseEncoder{
		current: empty,
		pending: &idfStats{docFreq: map[uint32]int{}},
	}
}

func termHash(tok string) uint32 {
	return uint32(xxhash.Sum64String(tok))
}

func messageTerms(message string) []string {
	fields := strings.Fields(strings.ToLower(message))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Observe feeds one document into the pending statistics.
func (se *SparseEncoder) Observe(message string) {
	terms := messageTerms(message)
	seen := make(map[uint32]struct{}, len(terms))
	se.mu.Lock()
	defer se.mu.Unlock()
	se.pending.docCount++
	se.pending.totalLen += len(terms)
	for _, t := range terms {
		h := termHash(t)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		se.pending.docFreq[h]++
	}
}

// Refresh folds the pending statistics into a new immutable snapshot and
// swaps it in. Copy-on-write: in-flight Encode calls keep the old one.
func (se *SparseEncoder) Refresh() {
	se.mu.Lock()
	defer se.mu.Unlock()

	merged := &idfStats{
		docCount: se.current.docCount + se.pending.docCount,
		totalLen: se.current.totalLen + se.pending.totalLen,
		docFreq:  make(map[uint32]int, len(se.current.docFreq)+len(se.pending.docFreq)),
	}
	for k, v := range se.current.docFreq {
		merged.docFreq[k] = v
	}
	for k, v := range se.pending.docFreq {
		merged.docFreq[k] += v
	}
	se.current = merged
	se.pending = &idfStats{docFreq: map[uint32]int{}}
}

// Encode builds the BM25 sparse vector for a message against the current
// IDF snapshot.
func (se *SparseEncoder) Encode(message string) SparseVector {
	se.mu.RLock()
	snap := se.current
	se.mu.RUnlock()

	terms := messageTerms(message)
	if len(terms) == 0 {
		return SparseVector{}
	}

	tf := make(map[uint32]int, len(terms))
	for _, t := range terms {
		tf[termHash(t)]++
	}

	dl := float64(len(terms))
	avg := snap.avgDocLen()
	sv := SparseVector{
		Indices: make([]uint32, 0, len(tf)),
		Values:  make([]float32, 0, len(tf)),
	}
	for h, f := range tf {
		num := float64(f) * (bm25K1 + 1)
		den := float64(f) + bm25K1*(1-bm25B+bm25B*dl/avg)
		sv.Indices = append(sv.Indices, h)
		sv.Values = append(sv.Values, float32(snap.idf(h)*num/den))
	}
	return sv
}
