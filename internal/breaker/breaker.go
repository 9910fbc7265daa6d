// Package breaker implements a circuit breaker around the vector backend.
// A run of failures opens the circuit so the ingest and query paths shed
// load immediately instead of stacking timeouts on a dead engine.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vectoratlas/via/internal/via"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Counts tracks request outcomes within one generation.
type Counts struct {
	Requests             uint32
	TotalFailures        uint32
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
}

// Config tunes one breaker.
type Config struct {
	Name string
	// MaxProbes is how many trial requests the half-open state admits.
	MaxProbes uint32
	// Interval clears closed-state counts so old failures do not linger.
	Interval time.Duration
	// Timeout is how long the open state lasts before probing.
	Timeout time.Duration
	// ReadyToTrip decides when the closed circuit opens.
	ReadyToTrip func(Counts) bool
}

// DefaultConfig trips after five consecutive failures and probes after 10s.
func DefaultConfig(name string) Config {
	return Config{
		Name:      name,
		MaxProbes: 3,
		Interval:  60 * time.Second,
		Timeout:   10 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	now        func() time.Time
}

func New(cfg Config) *Breaker {
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	return &Breaker{
		cfg: cfg,
		log: slog.With("component", "breaker", "name", cfg.Name),
		now: time.Now,
	}
}

// State reports the current state, advancing open → half-open on expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(b.now())
	return s
}

// Do runs fn under the breaker. An open circuit fails fast with
// BACKEND_UNAVAILABLE; fn's own error passes through. Client-class errors
// do not count against the circuit, only engine failures do.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn()
	b.after(gen, err == nil || errors.Is(err, via.ErrBadRequest))
	return err
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, gen := b.currentState(now)
	if state == StateOpen {
		return gen, via.ErrBackendUnavailable.Wrap("circuit %s open", b.cfg.Name)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return gen, via.ErrBackendUnavailable.Wrap("circuit %s probing", b.cfg.Name)
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, current := b.currentState(now)
	if gen != current {
		return // stale result from a previous generation
	}

	if success {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.MaxProbes {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)
	b.log.Warn("circuit state change", "from", prev.String(), "to", state.String())
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = Counts{}
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.Timeout)
	default:
		b.expiry = time.Time{}
	}
}
