package tier2

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

func TestEnsureDailyIsLazyAndIdempotent(t *testing.T) {
	backend := vectorstore.NewMemory()
	s := NewStore(backend, 30)
	ctx := context.Background()

	name, err := s.EnsureDaily(ctx, "2026_08_24")
	require.NoError(t, err)
	assert.Equal(t, "forensic_2026_08_24", name)

	again, err := s.EnsureDaily(ctx, "2026_08_24")
	require.NoError(t, err)
	assert.Equal(t, name, again)

	names, err := backend.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"forensic_2026_08_24"}, names)
}

func TestPartitionsOverlapWindow(t *testing.T) {
	backend := vectorstore.NewMemory()
	s := NewStore(backend, 30)
	ctx := context.Background()

	for _, day := range []string{"2026_08_20", "2026_08_22", "2026_08_24"} {
		_, err := s.EnsureDaily(ctx, day)
		require.NoError(t, err)
	}
	// A non-forensic collection must never federate.
	require.NoError(t, backend.EnsureCollection(ctx, vectorstore.CollectionSpec{Name: "rhythm_monitor"}))

	start := time.Date(2026, 8, 21, 12, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC).Unix()
	parts, err := s.Partitions(ctx, start, end)
	require.NoError(t, err)
	assert.Equal(t, []string{"forensic_2026_08_22"}, parts,
		"only existing partitions inside the window federate")
}

func TestSweepDropsExpiredPartitions(t *testing.T) {
	backend := vectorstore.NewMemory()
	s := NewStore(backend, 30)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -31)
	fresh := now.AddDate(0, 0, -5)

	_, err := s.EnsureDaily(ctx, old.Format("2006_01_02"))
	require.NoError(t, err)
	_, err = s.EnsureDaily(ctx, fresh.Format("2006_01_02"))
	require.NoError(t, err)

	require.NoError(t, s.Sweep(ctx, now))

	names, err := backend.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{CollectionName(fresh.Format("2006_01_02"))}, names)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIncidentPayloadRoundTrip(t *testing.T) {
	inc := via.Incident{
		ID:                    via.IncidentID(1<<63+12345, "2026_08_24"),
		RhythmHash:            1<<63 + 12345,
		Service:               "auth",
		Level:                 via.LevelError,
		RepresentativeMessage: "assertion failed at /a.go:1",
		FirstSeenTS:           100,
		LastSeenTS:            160,
		Count:                 30,
		PromotedAt:            170,
		PromotedScore:         0.91,
	}
	got := IncidentFromPayload(inc.ID, IncidentPayload(inc))
	assert.Equal(t, inc, got)
}
