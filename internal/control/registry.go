// Package control persists operator verdicts (suppress / patch) and the
// historical prevalence counters, and serves the in-memory active set that
// Tier-1 analysis and the federated query layer consult on every call.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"github.com/vectoratlas/via/internal/via"
)

const schema = `
CREATE TABLE IF NOT EXISTS control (
	rhythm_hash TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER,
	reason      TEXT NOT NULL DEFAULT '',
	operator_id TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS prevalence (
	rhythm_hash TEXT PRIMARY KEY,
	count       REAL NOT NULL,
	updated_at  INTEGER NOT NULL
);
`

// prevalenceHalfLife is the decay horizon for historical prevalence. The
// 7-day rolling counter of the scoring model is realized as exponential
// decay with a 7-day half-life, which preserves the suppress/patch
// properties and needs no windowed bookkeeping.
const prevalenceHalfLife = 7 * 24 * time.Hour

// refreshInterval is the active-set refresh cadence.
const refreshInterval = 5 * time.Second

// activeEntry is one hash in the active set snapshot.
type activeEntry struct {
	kind      via.ControlKind
	expiresAt int64 // 0 for patches
}

// ActiveSet is an immutable snapshot of the control state. Readers hold it
// without locks; the registry swaps in fresh snapshots copy-on-write.
type ActiveSet struct {
	entries map[uint64]activeEntry
}

// Contains reports whether the hash is currently suppressed or patched.
func (s *ActiveSet) Contains(hash uint64, now int64) bool {
	if s == nil {
		return false
	}
	e, ok := s.entries[hash]
	if !ok {
		return false
	}
	if e.kind == via.ControlSuppress && e.expiresAt <= now {
		return false
	}
	return true
}

// IsPatched reports whether the hash has a permanent patch.
func (s *ActiveSet) IsPatched(hash uint64) bool {
	if s == nil {
		return false
	}
	e, ok := s.entries[hash]
	return ok && e.kind == via.ControlPatch
}

// Registry owns the control store. All mutations go through it.
type Registry struct {
	db  *sqlx.DB
	log *slog.Logger
	now func() time.Time

	mu     sync.RWMutex
	active *ActiveSet

	stop chan struct{}
	done chan struct{}
}

// Open opens (creating if needed) the relational file at path and loads
// the initial active set.
func Open(path string) (*Registry, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open control store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate control store: %w", err)
	}

	r := &Registry{
		db:   db,
		log:  slog.With("component", "control"),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if err := r.refresh(); err != nil {
		db.Close()
		return nil, err
	}
	go r.refreshLoop()
	return r, nil
}

// Close stops the refresh loop and closes the store.
func (r *Registry) Close() error {
	close(r.stop)
	<-r.done
	return r.db.Close()
}

func (r *Registry) refreshLoop() {
	defer close(r.done)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.refresh(); err != nil {
				r.log.Warn("active set refresh failed", "error", err)
			}
		case <-r.stop:
			return
		}
	}
}

// refresh rebuilds the active set snapshot from the store and swaps it in.
// Expired suppressions are purged opportunistically.
func (r *Registry) refresh() error {
	now := r.now().Unix()
	if _, err := r.db.Exec(
		`DELETE FROM control WHERE kind = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		via.ControlSuppress, now); err != nil {
		return fmt.Errorf("purge expired suppressions: %w", err)
	}

	rows, err := r.db.Queryx(`SELECT rhythm_hash, kind, expires_at FROM control`)
	if err != nil {
		return fmt.Errorf("load control records: %w", err)
	}
	defer rows.Close()

	entries := map[uint64]activeEntry{}
	for rows.Next() {
		var hashStr, kind string
		var expiresAt *int64
		if err := rows.Scan(&hashStr, &kind, &expiresAt); err != nil {
			return err
		}
		hash, err := strconv.ParseUint(hashStr, 10, 64)
		if err != nil {
			continue
		}
		e := activeEntry{kind: via.ControlKind(kind)}
		if expiresAt != nil {
			e.expiresAt = *expiresAt
		}
		entries[hash] = e
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.active = &ActiveSet{entries: entries}
	r.mu.Unlock()
	return nil
}

// DB exposes the underlying handle so sibling registries sharing the
// relational file (schemas) can migrate their own tables.
func (r *Registry) DB() *sqlx.DB { return r.db }

// Active returns the current snapshot. Cheap; callers may hold it for the
// duration of an analysis pass.
func (r *Registry) Active() *ActiveSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func hashKey(hash uint64) string { return strconv.FormatUint(hash, 10) }

// Suppress records a TTL-bounded suppression. Re-suppressing extends the
// TTL to the later of the two expiries. A patched hash stays patched and
// the attempt is rejected rather than silently ignored. Returns the
// resulting expiry.
func (r *Registry) Suppress(ctx context.Context, hash uint64, ttl time.Duration, reason, operatorID string) (int64, error) {
	if ttl <= 0 {
		return 0, via.ErrBadRequest.Wrap("ttl_sec must be positive")
	}
	now := r.now().Unix()
	expiresAt := now + int64(ttl/time.Second)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO control (rhythm_hash, kind, created_at, expires_at, reason, operator_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET
			expires_at = MAX(COALESCE(control.expires_at, 0), excluded.expires_at),
			reason     = excluded.reason
		WHERE control.kind = ?`,
		hashKey(hash), via.ControlSuppress, now, expiresAt, reason, operatorID, via.ControlSuppress)
	if err != nil {
		return 0, fmt.Errorf("suppress %d: %w", hash, err)
	}

	var stored struct {
		Kind      via.ControlKind `db:"kind"`
		ExpiresAt *int64          `db:"expires_at"`
	}
	if err := r.db.GetContext(ctx, &stored,
		`SELECT kind, expires_at FROM control WHERE rhythm_hash = ?`, hashKey(hash)); err != nil {
		return 0, fmt.Errorf("suppress %d: %w", hash, err)
	}
	if stored.Kind == via.ControlPatch {
		return 0, via.ErrBadRequest.Wrap("rhythm class is patched; lift it before suppressing")
	}
	if stored.ExpiresAt != nil {
		expiresAt = *stored.ExpiresAt
	}

	if err := r.refresh(); err != nil {
		return 0, err
	}
	r.log.Info("suppressed rhythm class", "rhythm_hash", hash, "expires_at", expiresAt)
	return expiresAt, nil
}

// Patch records a permanent allow verdict. Idempotent: returns true only
// the first time the hash transitions to patched, so the regression
// recorder fires exactly once.
func (r *Registry) Patch(ctx context.Context, hash uint64, reason, operatorID string) (bool, error) {
	now := r.now().Unix()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO control (rhythm_hash, kind, created_at, expires_at, reason, operator_id)
		VALUES (?, ?, ?, NULL, ?, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET
			kind = excluded.kind, expires_at = NULL, reason = excluded.reason
		WHERE control.kind != ?`,
		hashKey(hash), via.ControlPatch, now, reason, operatorID, via.ControlPatch)
	if err != nil {
		return false, fmt.Errorf("patch %d: %w", hash, err)
	}
	n, _ := res.RowsAffected()
	if err := r.refresh(); err != nil {
		return false, err
	}
	if n > 0 {
		r.log.Info("patched rhythm class", "rhythm_hash", hash)
	}
	return n > 0, nil
}

// Lift removes any control record for the hash, suppress or patch alike.
func (r *Registry) Lift(ctx context.Context, hash uint64) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM control WHERE rhythm_hash = ?`, hashKey(hash)); err != nil {
		return fmt.Errorf("lift %d: %w", hash, err)
	}
	r.log.Info("lifted control record", "rhythm_hash", hash)
	return r.refresh()
}

// Record returns the persisted control record for a hash, nil if absent.
func (r *Registry) Record(ctx context.Context, hash uint64) (*via.ControlRecord, error) {
	var row struct {
		RhythmHash string          `db:"rhythm_hash"`
		Kind       via.ControlKind `db:"kind"`
		CreatedAt  int64           `db:"created_at"`
		ExpiresAt  *int64          `db:"expires_at"`
		Reason     string          `db:"reason"`
		OperatorID string          `db:"operator_id"`
	}
	err := r.db.GetContext(ctx, &row, `SELECT * FROM control WHERE rhythm_hash = ?`, hashKey(hash))
	if err != nil {
		return nil, nil //nolint:nilerr // absent record is not an error
	}
	return &via.ControlRecord{
		RhythmHash: hash,
		Kind:       row.Kind,
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
		Reason:     row.Reason,
		OperatorID: row.OperatorID,
	}, nil
}

// BumpPrevalence decays and increments the historical counter for a hash.
// Called on every promotion.
func (r *Registry) BumpPrevalence(ctx context.Context, hash uint64) error {
	now := r.now().Unix()
	var row struct {
		Count     float64 `db:"count"`
		UpdatedAt int64   `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT count, updated_at FROM prevalence WHERE rhythm_hash = ?`, hashKey(hash))
	count := 1.0
	if err == nil {
		count = decay(row.Count, row.UpdatedAt, now) + 1
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO prevalence (rhythm_hash, count, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(rhythm_hash) DO UPDATE SET count = excluded.count, updated_at = excluded.updated_at`,
		hashKey(hash), count, now)
	if err != nil {
		return fmt.Errorf("bump prevalence %d: %w", hash, err)
	}
	return nil
}

// Prevalence returns the decayed historical prevalence of a hash, clamped
// to [0,1]. Unknown hashes score 0.
func (r *Registry) Prevalence(ctx context.Context, hash uint64) (float64, error) {
	var row struct {
		Count     float64 `db:"count"`
		UpdatedAt int64   `db:"updated_at"`
	}
	err := r.db.GetContext(ctx, &row,
		`SELECT count, updated_at FROM prevalence WHERE rhythm_hash = ?`, hashKey(hash))
	if err != nil {
		return 0, nil //nolint:nilerr // unseen hash
	}
	c := decay(row.Count, row.UpdatedAt, r.now().Unix())
	// Smooth saturation: one decayed promotion already halves novelty.
	return c / (c + 1), nil
}

func decay(count float64, updatedAt, now int64) float64 {
	dt := float64(now - updatedAt)
	if dt <= 0 {
		return count
	}
	return count * math.Exp2(-dt/prevalenceHalfLife.Seconds())
}
