// Package rhythm turns raw log events into the structural fingerprint the
// rest of VIA operates on: a deterministic skeleton, a 64-bit rhythm hash,
// a cheap 64-D dense vector for Tier-1 and a BM25 sparse vector for Tier-2.
package rhythm

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/vectoratlas/via/internal/via"
)

// Tier1Dim is the dense vector size of the Tier-1 rhythm monitor.
const Tier1Dim = 64

// Variable lexeme classes, matched per token in order. A token that hits a
// class is replaced by its placeholder; everything else is lowercased.
// Order matters: a UUID is also hex-ish, a timestamp is also numeric-ish.
var tokenClasses = []struct {
	placeholder string
	re          *regexp.Regexp
}{
	{"<uuid>", regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)},
	{"<ts>", regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[Tt ]\d{2}:\d{2}:\d{2}(\.\d+)?([Zz]|[+-]\d{2}:?\d{2})?$`)},
	{"<ip>", regexp.MustCompile(`^(\d{1,3}\.){3}\d{1,3}(:\d+)?$`)},
	{"<ip>", regexp.MustCompile(`^(([0-9a-fA-F]{0,4}:){2,7}[0-9a-fA-F]{0,4})$`)},
	{"<url>", regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://\S+$`)},
	{"<path>", regexp.MustCompile(`^/[^\s]*$`)},
	{"<num>", regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)},
	{"<hex>", regexp.MustCompile(`^(0[xX])?[0-9a-fA-F]{4,}$`)},
}

var (
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	// Split on whitespace and the punctuation that separates lexemes in log
	// lines, but keep the characters tokens are made of (dots, slashes,
	// colons, dashes) so IPs, paths and timestamps survive as single tokens.
	splitRe = regexp.MustCompile(`[\s,;()\[\]{}=]+`)
)

// Encoded is the full output of the encoder for one event.
type Encoded struct {
	Hash     uint64
	Skeleton string
	Dense    []float32
	Point    via.Tier1Point
}

// Encoder is a pure, deterministic event encoder. Safe for concurrent use.
type Encoder struct{}

func NewEncoder() *Encoder { return &Encoder{} }

// Skeletonize reduces a message to its structural template: quoted strings
// and variable lexemes become class placeholders, everything else is
// lowercased and joined with single spaces.
func Skeletonize(message string) string {
	msg := quotedRe.ReplaceAllString(message, "<str>")
	tokens := splitRe.Split(msg, -1)
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.Trim(tok, `.:!?`)
		if tok == "" {
			continue
		}
		if tok == "<str>" {
			out = append(out, tok)
			continue
		}
		replaced := false
		for _, class := range tokenClasses {
			if class.re.MatchString(tok) {
				out = append(out, class.placeholder)
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, strings.ToLower(tok))
		}
	}
	return strings.Join(out, " ")
}

// Hash computes the 64-bit rhythm hash of level|service|skeleton. Stable
// across restarts: xxhash with no seed over a fixed byte layout.
func Hash(level via.Level, service, skeleton string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(string(level))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(service)
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(skeleton)
	return d.Sum64()
}

// Encode validates the event and produces its fingerprint and Tier-1 point.
// Returns BAD_EVENT for empty messages or non-positive timestamps.
func (enc *Encoder) Encode(e via.LogEvent) (Encoded, error) {
	if strings.TrimSpace(e.Message) == "" {
		return Encoded{}, via.ErrBadEvent.Wrap("empty message")
	}
	if e.TS <= 0 {
		return Encoded{}, via.ErrBadEvent.Wrap("ts must be a positive epoch second, got %d", e.TS)
	}
	if len(e.Attributes) > via.MaxAttributes {
		return Encoded{}, via.ErrBadEvent.Wrap("too many attributes: %d > %d", len(e.Attributes), via.MaxAttributes)
	}

	skeleton := Skeletonize(e.Message)
	hash := Hash(e.Level, e.Service, skeleton)
	dense := EmbedSkeleton(skeleton, Tier1Dim)

	return Encoded{
		Hash:     hash,
		Skeleton: skeleton,
		Dense:    dense,
		Point: via.Tier1Point{
			ID:         e.PointID(),
			TS:         e.TS,
			Service:    e.Service,
			Level:      e.Level,
			RhythmHash: hash,
			Message:    e.Message,
			Vector:     dense,
		},
	}, nil
}
