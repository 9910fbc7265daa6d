// Package ingest accepts raw event batches, encodes them and writes the
// survivors into the Tier-1 monitor. Malformed events are dropped
// per-event, replays are deduplicated on content-addressed ids, and the
// whole path sheds load with OVERLOADED instead of queueing unboundedly.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vectoratlas/via/internal/rhythm"
	"github.com/vectoratlas/via/internal/via"
)

const (
	// MaxBatchEvents bounds one ingest request.
	MaxBatchEvents = 5000

	// subBatchSize is the Tier-1 upsert chunk.
	subBatchSize = 256

	// upsertAttempts is how often a sub-batch write is tried before the
	// whole request fails.
	upsertAttempts = 3
)

// Sink is the Tier-1 surface the coordinator writes to.
type Sink interface {
	Upsert(ctx context.Context, points []via.Tier1Point) error
	Has(ctx context.Context, ids []string) (map[string]bool, error)
}

// Result is the per-batch accounting returned to the client.
type Result struct {
	Accepted    int `json:"accepted"`
	Deduped     int `json:"deduped"`
	ParseFailed int `json:"parse_failed"`
}

// Options tunes the coordinator; zero values take the defaults.
type Options struct {
	// DedupCapacity sizes the in-process replay cache.
	DedupCapacity int
	// MaxInFlight is the concurrent-batch high-water mark.
	MaxInFlight int
	// Redis, when set, extends replay protection across restarts. Dedup
	// keys carry DedupTTL.
	Redis    *redis.Client
	DedupTTL time.Duration
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	enc      *rhythm.Encoder
	sink     Sink
	dedup    *lruSet
	redis    *redis.Client
	dedupTTL time.Duration
	slots    chan struct{}
	log      *slog.Logger
	sleep    func(time.Duration)
}

func NewCoordinator(sink Sink, opts Options) *Coordinator {
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = 100000
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 8
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 31 * time.Minute
	}
	return &Coordinator{
		enc:      rhythm.NewEncoder(),
		sink:     sink,
		dedup:    newLRUSet(opts.DedupCapacity),
		redis:    opts.Redis,
		dedupTTL: opts.DedupTTL,
		slots:    make(chan struct{}, opts.MaxInFlight),
		log:      slog.With("component", "ingest"),
		sleep:    time.Sleep,
	}
}

// IngestBatch processes one batch in arrival order. Returns OVERLOADED when
// too many batches are already in flight and BAD_REQUEST for oversized
// batches; individual bad events and sub-batches that exhaust their write
// retries only increment parse_failed.
func (c *Coordinator) IngestBatch(ctx context.Context, events []via.LogEvent) (Result, error) {
	if len(events) > MaxBatchEvents {
		return Result{}, via.ErrBadRequest.Wrap("batch of %d exceeds limit %d", len(events), MaxBatchEvents)
	}
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	default:
		return Result{}, via.ErrOverloaded
	}

	var res Result
	points := make([]via.Tier1Point, 0, len(events))
	for _, e := range events {
		out, err := c.enc.Encode(e)
		if err != nil {
			res.ParseFailed++
			continue
		}
		if c.dedup.seen(out.Point.ID) {
			res.Deduped++
			continue
		}
		points = append(points, out.Point)
	}

	points, redisDeduped := c.redisFilter(ctx, points)
	res.Deduped += redisDeduped

	points, existed, err := c.existenceFilter(ctx, points)
	if err != nil {
		return Result{}, err
	}
	res.Deduped += existed

	for start := 0; start < len(points); start += subBatchSize {
		end := min(start+subBatchSize, len(points))
		if err := c.upsertWithRetry(ctx, points[start:end]); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Result{}, err
			}
			// A sub-batch that exhausts its retries is dropped, not fatal:
			// its events count as parse_failed and the rest of the batch
			// proceeds.
			res.ParseFailed += end - start
			c.log.Error("tier1 sub-batch dropped", "events", end-start, "error", err)
			continue
		}
		res.Accepted += end - start
	}

	c.log.Debug("batch ingested",
		"accepted", res.Accepted, "deduped", res.Deduped, "parse_failed", res.ParseFailed)
	return res, nil
}

// redisFilter drops ids already claimed in the shared replay cache. Redis
// being down degrades to in-process dedup only; ingest availability wins.
func (c *Coordinator) redisFilter(ctx context.Context, points []via.Tier1Point) ([]via.Tier1Point, int) {
	if c.redis == nil || len(points) == 0 {
		return points, 0
	}
	kept := points[:0]
	deduped := 0
	for _, p := range points {
		fresh, err := c.redis.SetNX(ctx, "via:dedup:"+p.ID, 1, c.dedupTTL).Result()
		if err != nil {
			c.log.Warn("redis dedup unavailable", "error", err)
			return append(kept, points[len(kept)+deduped:]...), deduped
		}
		if !fresh {
			deduped++
			continue
		}
		kept = append(kept, p)
	}
	return kept, deduped
}

// existenceFilter asks Tier-1 which ids already live in the window. Catches
// replays that predate this process's caches.
func (c *Coordinator) existenceFilter(ctx context.Context, points []via.Tier1Point) ([]via.Tier1Point, int, error) {
	if len(points) == 0 {
		return points, 0, nil
	}
	ids := make([]string, 0, len(points))
	for _, p := range points {
		ids = append(ids, p.ID)
	}
	have, err := c.sink.Has(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	kept := points[:0]
	existed := 0
	for _, p := range points {
		if have[p.ID] {
			existed++
			continue
		}
		kept = append(kept, p)
	}
	return kept, existed, nil
}

func (c *Coordinator) upsertWithRetry(ctx context.Context, points []via.Tier1Point) error {
	var err error
	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		if err = c.sink.Upsert(ctx, points); err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt < upsertAttempts {
			delay := time.Duration(attempt*attempt)*100*time.Millisecond +
				time.Duration(rand.Intn(50))*time.Millisecond
			c.log.Warn("tier1 upsert failed, retrying", "attempt", attempt, "error", err)
			c.sleep(delay)
		}
	}
	return err
}
