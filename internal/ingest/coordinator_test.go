package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoratlas/via/internal/via"
)

// memorySink records upserted points; optionally fails the first n writes.
type memorySink struct {
	mu       sync.Mutex
	points   map[string]via.Tier1Point
	order    []string
	failures int
	calls    int
}

func newMemorySink() *memorySink {
	return &memorySink{points: map[string]via.Tier1Point{}}
}

func (s *memorySink) Upsert(_ context.Context, points []via.Tier1Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return via.ErrBackendUnavailable.Wrap("injected")
	}
	for _, p := range points {
		if _, ok := s.points[p.ID]; !ok {
			s.order = append(s.order, p.ID)
		}
		s.points[p.ID] = p
	}
	return nil
}

func (s *memorySink) Has(_ context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		_, out[id] = s.points[id]
	}
	return out, nil
}

func quiet(c *Coordinator) *Coordinator {
	c.sleep = func(time.Duration) {}
	return c
}

func events(n int, offset int) []via.LogEvent {
	out := make([]via.LogEvent, n)
	for i := range out {
		out[i] = via.LogEvent{
			TS: int64(1000 + offset + i), Service: "gateway", Level: via.LevelInfo,
			Message: fmt.Sprintf("handled request %d", offset+i),
		}
	}
	return out
}

func TestIngestCountsPerEventOutcomes(t *testing.T) {
	sink := newMemorySink()
	c := quiet(NewCoordinator(sink, Options{}))

	batch := events(3, 0)
	batch = append(batch, via.LogEvent{TS: 0, Service: "s", Message: "bad ts"})
	batch = append(batch, via.LogEvent{TS: 50, Service: "s", Message: "   "})
	batch = append(batch, batch[0]) // exact replay inside the batch

	res, err := c.IngestBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: 3, Deduped: 1, ParseFailed: 2}, res)
	assert.Len(t, sink.points, 3)
}

func TestReplayAcrossBatchesIsDeduped(t *testing.T) {
	sink := newMemorySink()
	c := quiet(NewCoordinator(sink, Options{}))
	ctx := context.Background()

	first, err := c.IngestBatch(ctx, events(10, 0))
	require.NoError(t, err)
	assert.Equal(t, 10, first.Accepted)

	second, err := c.IngestBatch(ctx, events(10, 0))
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: 0, Deduped: 10}, second)
}

func TestExistenceCheckCatchesColdCacheReplay(t *testing.T) {
	sink := newMemorySink()
	ctx := context.Background()

	c1 := quiet(NewCoordinator(sink, Options{}))
	_, err := c1.IngestBatch(ctx, events(5, 0))
	require.NoError(t, err)

	// Fresh coordinator, empty LRU: the sink still knows the ids.
	c2 := quiet(NewCoordinator(sink, Options{}))
	res, err := c2.IngestBatch(ctx, events(5, 0))
	require.NoError(t, err)
	assert.Equal(t, Result{Accepted: 0, Deduped: 5}, res)
}

func TestOversizedBatchRejected(t *testing.T) {
	c := quiet(NewCoordinator(newMemorySink(), Options{}))
	_, err := c.IngestBatch(context.Background(), events(MaxBatchEvents+1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrBadRequest))
}

func TestOverloadedWhenHighWaterReached(t *testing.T) {
	c := quiet(NewCoordinator(newMemorySink(), Options{MaxInFlight: 2}))
	c.slots <- struct{}{}
	c.slots <- struct{}{}

	_, err := c.IngestBatch(context.Background(), events(1, 0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrOverloaded))

	<-c.slots
	res, err := c.IngestBatch(context.Background(), events(1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
}

func TestSubBatchRetryRecovers(t *testing.T) {
	sink := newMemorySink()
	sink.failures = 2
	c := quiet(NewCoordinator(sink, Options{}))

	res, err := c.IngestBatch(context.Background(), events(300, 0))
	require.NoError(t, err)
	assert.Equal(t, 300, res.Accepted)
	// 300 events split into two sub-batches; the first needed three tries.
	assert.Equal(t, 4, sink.calls)
}

func TestExhaustedRetriesReportEventsAsParseFailed(t *testing.T) {
	sink := newMemorySink()
	sink.failures = 1 << 30
	c := quiet(NewCoordinator(sink, Options{}))

	res, err := c.IngestBatch(context.Background(), events(10, 0))
	require.NoError(t, err, "a dropped sub-batch must not fail the call")
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 10, res.ParseFailed)
}

func TestDroppedSubBatchDoesNotPoisonTheRest(t *testing.T) {
	sink := newMemorySink()
	sink.failures = 3
	c := quiet(NewCoordinator(sink, Options{}))

	// 300 events split into sub-batches of 256 and 44; the first exhausts
	// its three attempts and is dropped, the second lands.
	res, err := c.IngestBatch(context.Background(), events(300, 0))
	require.NoError(t, err)
	assert.Equal(t, 44, res.Accepted)
	assert.Equal(t, 256, res.ParseFailed)
}

func TestArrivalOrderPreserved(t *testing.T) {
	sink := newMemorySink()
	c := quiet(NewCoordinator(sink, Options{}))

	batch := events(600, 0)
	_, err := c.IngestBatch(context.Background(), batch)
	require.NoError(t, err)

	require.Len(t, sink.order, 600)
	for i, e := range batch {
		assert.Equal(t, e.PointID(), sink.order[i])
	}
}
