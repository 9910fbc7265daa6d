package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

func failingFn(err error) func() error { return func() error { return err } }

func newTestBreaker(trips uint32) *Breaker {
	cfg := DefaultConfig("test")
	cfg.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures >= trips }
	cfg.Timeout = 10 * time.Second
	return New(cfg)
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	b := newTestBreaker(3)
	boom := errors.New("engine down")

	for i := 0; i < 3; i++ {
		assert.Equal(t, boom, b.Do(failingFn(boom)))
	}
	assert.Equal(t, StateOpen, b.State())

	err := b.Do(failingFn(nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrBackendUnavailable), "open circuit fails fast")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	b := newTestBreaker(3)
	boom := errors.New("engine down")

	_ = b.Do(failingFn(boom))
	_ = b.Do(failingFn(boom))
	require.NoError(t, b.Do(failingFn(nil)))
	_ = b.Do(failingFn(boom))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbesAndRecloses(t *testing.T) {
	b := newTestBreaker(1)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	_ = b.Do(failingFn(errors.New("down")))
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// MaxProbes successful probes close the circuit again.
	for i := uint32(0); i < b.cfg.MaxProbes; i++ {
		require.NoError(t, b.Do(failingFn(nil)))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(1)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	_ = b.Do(failingFn(errors.New("down")))
	now = now.Add(11 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Do(failingFn(errors.New("still down")))
	assert.Equal(t, StateOpen, b.State())
}

func TestClientErrorsDoNotTrip(t *testing.T) {
	b := newTestBreaker(2)
	for i := 0; i < 10; i++ {
		_ = b.Do(failingFn(via.ErrBadRequest.Wrap("empty positives")))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestGuardedBackendFailsFastWhenOpen(t *testing.T) {
	b := newTestBreaker(1)
	mem := vectorstore.NewMemory()
	g := Guard(mem, b)
	ctx := context.Background()

	// Counting on a missing collection is an engine error here; it trips.
	_, err := g.Count(ctx, "nope", nil)
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	require.NoError(t, mem.EnsureCollection(ctx, vectorstore.CollectionSpec{Name: "nope"}))
	_, err = g.Count(ctx, "nope", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, via.ErrBackendUnavailable), "call never reaches the engine")
}
