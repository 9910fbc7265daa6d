// Package regression turns every patch into a replayable test case: the
// representative events of the patched rhythm class are snapshotted to a
// durable append-only log, and a human-readable YAML eval case is written
// next to it for the operator's review queue.
package regression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vectoratlas/via/internal/via"
)

// MaxSnapshotEvents bounds the events captured per patch.
const MaxSnapshotEvents = 5

// Record is one regression case. Replaying Events into a fresh instance
// with the patch applied must yield no anomaly for RhythmHash.
type Record struct {
	RhythmHash uint64         `json:"rhythm_hash,string"`
	Events     []via.LogEvent `json:"events"`
	PatchedAt  int64          `json:"patched_at"`
	OperatorID string         `json:"operator_id,omitempty"`
}

// Recorder appends records to a line-delimited JSON log.
type Recorder struct {
	mu      sync.Mutex
	path    string
	evalDir string
	log     *slog.Logger
	now     func() time.Time
}

// NewRecorder creates a recorder writing to logPath. Eval-case YAML files
// land in a sibling "evals" directory.
func NewRecorder(logPath string) (*Recorder, error) {
	evalDir := filepath.Join(filepath.Dir(logPath), "evals")
	if err := os.MkdirAll(evalDir, 0o755); err != nil {
		return nil, fmt.Errorf("create evals dir: %w", err)
	}
	return &Recorder{
		path:    logPath,
		evalDir: evalDir,
		log:     slog.With("component", "regression"),
		now:     time.Now,
	}, nil
}

// Append writes one record. Events beyond MaxSnapshotEvents are dropped.
// The JSONL append is the durable artifact; a failed eval-case write is
// logged but does not fail the patch.
func (r *Recorder) Append(hash uint64, events []via.LogEvent, operatorID string) (Record, error) {
	if len(events) > MaxSnapshotEvents {
		events = events[:MaxSnapshotEvents]
	}
	rec := Record{
		RhythmHash: hash,
		Events:     events,
		PatchedAt:  r.now().Unix(),
		OperatorID: operatorID,
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal regression record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Record{}, fmt.Errorf("open regression log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Record{}, fmt.Errorf("append regression record: %w", err)
	}

	if err := r.writeEvalCase(rec); err != nil {
		r.log.Warn("eval case write failed", "rhythm_hash", hash, "error", err)
	}

	r.log.Info("regression case recorded", "rhythm_hash", hash, "events", len(events))
	return rec, nil
}

// evalCase is the YAML document reviewed by operators.
type evalCase struct {
	Description     string         `yaml:"description"`
	RhythmHash      string         `yaml:"rhythm_hash"`
	ContextEvents   []evalEvent    `yaml:"context_events"`
	ExpectedOutcome map[string]any `yaml:"expected_outcome"`
}

type evalEvent struct {
	TS      int64  `yaml:"ts"`
	Service string `yaml:"service"`
	Level   string `yaml:"level"`
	Message string `yaml:"message"`
}

func (r *Recorder) writeEvalCase(rec Record) error {
	events := make([]evalEvent, 0, len(rec.Events))
	for _, e := range rec.Events {
		events = append(events, evalEvent{TS: e.TS, Service: e.Service, Level: string(e.Level), Message: e.Message})
	}
	doc := evalCase{
		Description:   "auto-generated eval case for a patched rhythm class",
		RhythmHash:    strconv.FormatUint(rec.RhythmHash, 10),
		ContextEvents: events,
		ExpectedOutcome: map[string]any{
			"is_anomaly": false,
			"reason":     "rhythm class marked normal by operator patch",
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("eval_%016x_%d.yml", rec.RhythmHash, rec.PatchedAt)
	return os.WriteFile(filepath.Join(r.evalDir, name), out, 0o644)
}

// Load reads all records back, oldest first. Used by tooling and tests.
func Load(path string) ([]Record, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode regression log: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
