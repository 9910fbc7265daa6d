// Package via holds the domain types shared by every VIA component:
// log events, Tier-1 points, Tier-2 incident records and control records.
package via

import (
	"crypto/md5"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is the log severity enum accepted on the wire.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// ParseLevel normalizes a wire-format severity string. Unknown values
// default to INFO rather than rejecting the event; the level only feeds
// the rhythm hash, it is not a filter.
func ParseLevel(s string) Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return Level(strings.ToUpper(strings.TrimSpace(s)))
	default:
		return LevelInfo
	}
}

// MaxAttributes bounds the attribute map on a single event.
const MaxAttributes = 32

// LogEvent is one ingested log record, timestamps at second resolution.
type LogEvent struct {
	TS         int64             `json:"ts"`
	Service    string            `json:"service"`
	Level      Level             `json:"level"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// PointID derives the content-addressed 128-bit Tier-1 point identity
// from (ts, service, message). Rendered as a UUID because vector engines
// accept UUID point ids natively.
func (e LogEvent) PointID() string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d|%s|%s", e.TS, e.Service, e.Message)))
	id, _ := uuid.FromBytes(sum[:])
	return id.String()
}

// Tier1Point is the stored form of an event in the rhythm monitor.
type Tier1Point struct {
	ID         string `json:"id"`
	TS         int64  `json:"ts"`
	Service    string `json:"service"`
	Level      Level  `json:"level"`
	RhythmHash uint64 `json:"rhythm_hash,string"`
	Message    string `json:"message"`
	Vector     []float32
}

// Anomaly is one scored rhythm class returned by Tier-1 analysis.
type Anomaly struct {
	RhythmHash     uint64   `json:"rhythm_hash,string"`
	Representative LogEvent `json:"representative"`
	Score          float64  `json:"score"`
	Count          int      `json:"count"`
	FirstTS        int64    `json:"first_ts"`
	LastTS         int64    `json:"last_ts"`
}

// Incident is a Tier-2 forensic record, one per (rhythm_hash, UTC day).
type Incident struct {
	ID                    string  `json:"id"`
	RhythmHash            uint64  `json:"rhythm_hash,string"`
	Service               string  `json:"service"`
	Level                 Level   `json:"level"`
	RepresentativeMessage string  `json:"representative_message"`
	FirstSeenTS           int64   `json:"first_seen_ts"`
	LastSeenTS            int64   `json:"last_seen_ts"`
	Count                 int     `json:"count"`
	PromotedAt            int64   `json:"promoted_at"`
	PromotedScore         float64 `json:"promoted_score"`
	Score                 float64 `json:"score,omitempty"`
}

// IncidentID is the stable Tier-2 point id for a rhythm class on a given
// UTC day. Promotion is idempotent within a day because repeated analyses
// land on the same id.
func IncidentID(hash uint64, day string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("incident|%d|%s", hash, day)))
	id, _ := uuid.FromBytes(sum[:])
	return id.String()
}

// UTCDay formats a unix timestamp as the Tier-2 partition day.
func UTCDay(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006_01_02")
}

// ControlKind discriminates control records.
type ControlKind string

const (
	ControlSuppress ControlKind = "suppress"
	ControlPatch    ControlKind = "patch"
)

// ControlRecord is a persisted suppress or patch verdict.
type ControlRecord struct {
	RhythmHash uint64      `db:"rhythm_hash" json:"rhythm_hash"`
	Kind       ControlKind `db:"kind" json:"kind"`
	CreatedAt  int64       `db:"created_at" json:"created_at"`
	ExpiresAt  *int64      `db:"expires_at" json:"expires_at,omitempty"`
	Reason     string      `db:"reason" json:"reason,omitempty"`
	OperatorID string      `db:"operator_id" json:"operator_id,omitempty"`
}

// Expired reports whether a suppress record's TTL has lapsed. Patches
// never expire.
func (r ControlRecord) Expired(now int64) bool {
	return r.Kind == ControlSuppress && r.ExpiresAt != nil && *r.ExpiresAt <= now
}
