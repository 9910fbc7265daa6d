package tier1

import (
	"strconv"

	"github.com/vectoratlas/via/internal/vectorstore"
	"github.com/vectoratlas/via/internal/via"
)

// hashKey renders a rhythm hash as the keyword-indexed payload value.
// Decimal strings round-trip uint64 exactly; JSON numbers do not.
func hashKey(hash uint64) string { return strconv.FormatUint(hash, 10) }

func toStored(p via.Tier1Point) vectorstore.Point {
	return vectorstore.Point{
		ID:    p.ID,
		Dense: map[string][]float32{"": p.Vector},
		Payload: map[string]any{
			"ts":          p.TS,
			"service":     p.Service,
			"level":       string(p.Level),
			"rhythm_hash": hashKey(p.RhythmHash),
			"message":     p.Message,
		},
	}
}

func hashFromStored(p vectorstore.Point) uint64 {
	h, _ := strconv.ParseUint(vectorstore.PayloadString(p.Payload, "rhythm_hash"), 10, 64)
	return h
}

func eventFromStored(p vectorstore.Point) via.LogEvent {
	return via.LogEvent{
		TS:      vectorstore.PayloadInt(p.Payload, "ts"),
		Service: vectorstore.PayloadString(p.Payload, "service"),
		Level:   via.Level(vectorstore.PayloadString(p.Payload, "level")),
		Message: vectorstore.PayloadString(p.Payload, "message"),
	}
}
