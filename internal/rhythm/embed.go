package rhythm

import (
	"math"

	"github.com/cespare/xxhash/v2"
)

// EmbedSkeleton maps a skeleton to a deterministic dense vector by feature
// hashing: every token and token bigram is hashed into a dimension with a
// sign bit, then the vector is L2-normalized. Skeletons sharing tokens land
// close under cosine, which is all Tier-1 scoring needs. No model download,
// no process state, identical output across restarts.
func EmbedSkeleton(skeleton string, dim int) []float32 {
	vec := make([]float32, dim)
	if skeleton == "" {
		return vec
	}

	tokens := tokenize(skeleton)
	addFeature := func(s string) {
		h := xxhash.Sum64String(s)
		idx := int(h % uint64(dim))
		if h&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	for i, tok := range tokens {
		addFeature(tok)
		if i > 0 {
			addFeature(tokens[i-1] + " " + tok)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func tokenize(s string) []string {
	fields := splitRe.Split(s, -1)
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
