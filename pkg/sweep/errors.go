package sweep

import (
	"errors"
	"fmt"
)

// Common sentinel errors
var (
	// ErrInvalidWindow is returned when minExclusive >= maxExclusive.
	ErrInvalidWindow = errors.New("invalid timestamp window")
	// ErrInvalidPartition is returned when the requested fine partition
	// does not intersect the timestamp window.
	ErrInvalidPartition = errors.New("fine partition inconsistent with timestamp window")
	// ErrCorruptRow marks an undecodable sweep queue row or column key.
	ErrCorruptRow = errors.New("undecodable sweep queue row key")
	// ErrCorruptValue marks an undecodable sweep queue value.
	ErrCorruptValue = errors.New("undecodable sweep queue value")
	// ErrDanglingPointer marks a reference entry whose dedicated rows are
	// missing or incomplete.
	ErrDanglingPointer = errors.New("dedicated rows referenced by the queue are missing")
	// ErrTooManyShards is returned when a shard count above MaxShards is
	// requested.
	ErrTooManyShards = errors.New("requested shard count exceeds the maximum")
)

// CorruptRowError carries the offending bytes alongside ErrCorruptRow or
// ErrCorruptValue so operators can locate the row. Corruption always
// fails the read loudly; the queue never skips rows it cannot decode.
type CorruptRowError struct {
	Kind  error // ErrCorruptRow, ErrCorruptValue or ErrDanglingPointer
	Bytes []byte
	Why   string
}

// Error implements the error interface.
func (e *CorruptRowError) Error() string {
	return fmt.Sprintf("%v: %s (bytes %x)", e.Kind, e.Why, e.Bytes)
}

// Is matches the wrapped sentinel.
func (e *CorruptRowError) Is(target error) bool {
	return target == e.Kind
}

func corruptRow(b []byte, why string) error {
	return &CorruptRowError{Kind: ErrCorruptRow, Bytes: b, Why: why}
}

func corruptValue(b []byte, why string) error {
	return &CorruptRowError{Kind: ErrCorruptValue, Bytes: b, Why: why}
}

func danglingPointer(ts int64, want, got int) error {
	return &CorruptRowError{
		Kind: ErrDanglingPointer,
		Why:  fmt.Sprintf("transaction %d: expected %d dedicated rows, found %d", ts, want, got),
	}
}
