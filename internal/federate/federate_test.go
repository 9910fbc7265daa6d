package federate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoratlas/via/internal/embedder"
	"github.com/vectoratlas/via/internal/tier2"
	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

var (
	dayYesterday = "2026_08_23"
	dayToday     = "2026_08_24"
	tsYesterday  = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC).Unix()
	tsToday      = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC).Unix()
)

func seedIncident(t *testing.T, store *tier2.Store, day string, inc via.Incident, message string) {
	t.Helper()
	emb := embedder.New("local", 8)
	dense, err := emb.Embed(context.Background(), message, embedder.Tier2Dim)
	require.NoError(t, err)
	err = store.Upsert(context.Background(), day, []vectorstore.Point{{
		ID:      inc.ID,
		Dense:   map[string][]float32{tier2.DenseVector: dense},
		Payload: tier2.IncidentPayload(inc),
	}})
	require.NoError(t, err)
}

func incident(hash uint64, day string, promotedAt int64, count int, service, msg string) via.Incident {
	return via.Incident{
		ID:                    via.IncidentID(hash, day),
		RhythmHash:            hash,
		Service:               service,
		Level:                 via.LevelError,
		RepresentativeMessage: msg,
		FirstSeenTS:           promotedAt - 60,
		LastSeenTS:            promotedAt,
		Count:                 count,
		PromotedAt:            promotedAt,
		PromotedScore:         0.9,
	}
}

func TestClustersSpanUTCDayBoundary(t *testing.T) {
	backend := vectorstore.NewMemory()
	store := tier2.NewStore(backend, 30)
	q := NewQuerier(backend, store, time.Second)

	seedIncident(t, store, dayYesterday,
		incident(1, dayYesterday, tsYesterday, 10, "auth", "assertion failed at /a.go:1"), "assertion failed")
	seedIncident(t, store, dayToday,
		incident(2, dayToday, tsToday, 5, "db", "deadlock detected"), "deadlock detected")

	incidents, warnings, err := q.Clusters(context.Background(), tsYesterday-3600, tsToday+3600, nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, incidents, 2, "both daily partitions federate")
	assert.Equal(t, uint64(2), incidents[0].RhythmHash, "newest promotion first")
	assert.Equal(t, uint64(1), incidents[1].RhythmHash)
}

func TestClustersDeduplicateByRhythmHash(t *testing.T) {
	backend := vectorstore.NewMemory()
	store := tier2.NewStore(backend, 30)
	q := NewQuerier(backend, store, time.Second)

	// Same class promoted on both days; the larger aggregate must win.
	seedIncident(t, store, dayYesterday,
		incident(7, dayYesterday, tsYesterday, 12, "auth", "token expired"), "token expired")
	seedIncident(t, store, dayToday,
		incident(7, dayToday, tsToday, 40, "auth", "token expired"), "token expired")

	incidents, _, err := q.Clusters(context.Background(), tsYesterday-3600, tsToday+3600, nil)
	require.NoError(t, err)
	require.Len(t, incidents, 1, "at most one incident per rhythm class")
	assert.Equal(t, 40, incidents[0].Count)
}

func TestClustersApplyServiceFilter(t *testing.T) {
	backend := vectorstore.NewMemory()
	store := tier2.NewStore(backend, 30)
	q := NewQuerier(backend, store, time.Second)

	seedIncident(t, store, dayToday,
		incident(1, dayToday, tsToday, 3, "auth", "token expired"), "token expired")
	seedIncident(t, store, dayToday,
		incident(2, dayToday, tsToday, 4, "db", "deadlock detected"), "deadlock detected")

	incidents, _, err := q.Clusters(context.Background(), tsToday-3600, tsToday+3600, &Filters{Service: "db"})
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "db", incidents[0].Service)
}

func TestClustersEmptyWindow(t *testing.T) {
	backend := vectorstore.NewMemory()
	q := NewQuerier(backend, tier2.NewStore(backend, 30), time.Second)

	incidents, warnings, err := q.Clusters(context.Background(), 100, 200, nil)
	require.NoError(t, err)
	assert.Empty(t, incidents)
	assert.Empty(t, warnings)
}

func TestSlowPartitionDegradesWithWarning(t *testing.T) {
	backend := vectorstore.NewMemory()
	store := tier2.NewStore(backend, 30)
	q := NewQuerier(backend, store, 100*time.Millisecond)

	fast := incident(1, dayYesterday, tsYesterday, 10, "auth", "token expired")
	seedIncident(t, store, dayYesterday, fast, "token expired")
	seedIncident(t, store, dayToday,
		incident(2, dayToday, tsToday, 5, "db", "deadlock detected"), "deadlock detected")
	backend.SlowCollection(tier2.CollectionName(dayToday), time.Second)

	incidents, warnings, err := q.Triage(context.Background(), tsYesterday-3600, tsToday+3600,
		[]string{fast.ID}, nil, nil, 10)
	require.NoError(t, err, "a slow partition degrades, it never aborts")
	assert.Equal(t, []string{tier2.CollectionName(dayToday)}, warnings)
	for _, inc := range incidents {
		assert.NotEqual(t, uint64(2), inc.RhythmHash, "degraded partition contributes nothing")
	}
}

func TestTriageRanksByExampleSimilarity(t *testing.T) {
	backend := vectorstore.NewMemory()
	store := tier2.NewStore(backend, 30)
	q := NewQuerier(backend, store, time.Second)

	pos := incident(1, dayToday, tsToday, 10, "auth", "token validation failed for tenant 7")
	near := incident(2, dayToday, tsToday, 4, "auth", "token validation failed for tenant 9")
	far := incident(3, dayToday, tsToday, 6, "db", "disk quota exceeded on volume 2")
	seedIncident(t, store, dayToday, pos, "token validation failed for tenant 7")
	seedIncident(t, store, dayToday, near, "token validation failed for tenant 9")
	seedIncident(t, store, dayToday, far, "disk quota exceeded on volume 2")

	incidents, warnings, err := q.Triage(context.Background(), tsToday-3600, tsToday+3600,
		[]string{pos.ID}, nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	require.Len(t, incidents, 2, "examples themselves are excluded")
	assert.Equal(t, uint64(2), incidents[0].RhythmHash)
	for i := 1; i < len(incidents); i++ {
		assert.GreaterOrEqual(t, incidents[i-1].Score, incidents[i].Score)
	}
}

func TestTriageEmptyPositivesRejected(t *testing.T) {
	backend := vectorstore.NewMemory()
	q := NewQuerier(backend, tier2.NewStore(backend, 30), time.Second)

	_, _, err := q.Triage(context.Background(), 100, 200, nil, nil, nil, 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrBadRequest))
}

func TestTriageNegativeExamplesPushAway(t *testing.T) {
	backend := vectorstore.NewMemory()
	store := tier2.NewStore(backend, 30)
	q := NewQuerier(backend, store, time.Second)

	pos := incident(1, dayToday, tsToday, 10, "auth", "token validation failed for tenant 7")
	neg := incident(2, dayToday, tsToday, 4, "db", "disk quota exceeded on volume 1")
	likePos := incident(3, dayToday, tsToday, 3, "auth", "token validation failed for tenant 8")
	likeNeg := incident(4, dayToday, tsToday, 3, "db", "disk quota exceeded on volume 9")
	for _, inc := range []via.Incident{pos, neg, likePos, likeNeg} {
		seedIncident(t, store, dayToday, inc, inc.RepresentativeMessage)
	}

	incidents, _, err := q.Triage(context.Background(), tsToday-3600, tsToday+3600,
		[]string{pos.ID}, []string{neg.ID}, nil, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 2)
	assert.Equal(t, uint64(3), incidents[0].RhythmHash, "candidate close to the negative sinks")
}
