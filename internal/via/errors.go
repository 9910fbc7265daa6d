package via

import (
	"errors"
	"fmt"
)

// Error kinds surfaced through the API's stable "code" field. Internal
// callers match with errors.Is; the HTTP layer maps each kind to a status.
var (
	ErrBadEvent           = &CodedError{Code: "BAD_EVENT", msg: "malformed event"}
	ErrBadRequest         = &CodedError{Code: "BAD_REQUEST", msg: "invalid request"}
	ErrOverloaded         = &CodedError{Code: "OVERLOADED", msg: "ingest queue over high-water mark"}
	ErrEmbedderBusy       = &CodedError{Code: "EMBEDDER_BUSY", msg: "embedder request queue full"}
	ErrBackendUnavailable = &CodedError{Code: "BACKEND_UNAVAILABLE", msg: "vector backend unreachable"}
	ErrPartitionTimeout   = &CodedError{Code: "PARTITION_TIMEOUT", msg: "partition exceeded its query share"}
	ErrPromotionDegraded  = &CodedError{Code: "PROMOTION_DEGRADED", msg: "promotion pipeline degraded"}
	ErrInvariantViolation = &CodedError{Code: "INVARIANT_VIOLATION", msg: "internal invariant violated"}
)

// CodedError carries a stable machine-readable code alongside the message.
type CodedError struct {
	Code string
	msg  string
}

func (e *CodedError) Error() string { return e.msg }

// Is lets wrapped instances match the sentinel by code.
func (e *CodedError) Is(target error) bool {
	var t *CodedError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Wrap attaches context while preserving the code for errors.Is matching.
func (e *CodedError) Wrap(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), e)
}

// CodeOf extracts the stable code from an error chain, or "INTERNAL".
func CodeOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "INTERNAL"
}
