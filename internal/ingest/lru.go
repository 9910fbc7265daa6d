package ingest

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lruShards stripes the replay cache so concurrent batches do not contend
// on one mutex.
const lruShards = 16

// lruSet is a fixed-capacity approximate-LRU membership set. Each shard
// evicts in insertion order, which is close enough to LRU for replay
// detection: ids recur within seconds or not at all.
type lruSet struct {
	shards [lruShards]*lruShard
}

type lruShard struct {
	mu   sync.Mutex
	cap  int
	set  map[string]struct{}
	ring []string
	pos  int
}

func newLRUSet(capacity int) *lruSet {
	perShard := capacity / lruShards
	if perShard < 1 {
		perShard = 1
	}
	s := &lruSet{}
	for i := range s.shards {
		s.shards[i] = &lruShard{
			cap:  perShard,
			set:  make(map[string]struct{}, perShard),
			ring: make([]string, perShard),
		}
	}
	return s
}

// seen records the id and reports whether it was already present.
func (s *lruSet) seen(id string) bool {
	sh := s.shards[xxhash.Sum64String(id)%lruShards]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.set[id]; ok {
		return true
	}
	if old := sh.ring[sh.pos]; old != "" {
		delete(sh.set, old)
	}
	sh.ring[sh.pos] = id
	sh.pos = (sh.pos + 1) % sh.cap
	sh.set[id] = struct{}{}
	return false
}
