package kv

import (
	"context"
)

// KeyValueService is the persistence interface the sweep queue is built
// against. Implementations must provide read-your-writes visibility: a
// Put that returns before a read starts is observed by that read.
type KeyValueService interface {
	// Get returns, for each requested cell, the value at the highest
	// timestamp strictly below the requested timestamp. Cells with no
	// such version are omitted from the result.
	Get(ctx context.Context, table TableReference, reqs []CellTimestamp) ([]CellValue, error)

	// GetRange scans rows with names in [req.StartRowInclusive,
	// req.EndRowExclusive) in ascending order. Each row's columns carry
	// the value at the highest timestamp strictly below ts.
	GetRange(ctx context.Context, table TableReference, req RangeRequest, ts int64) (RangeIterator, error)

	// Put writes all entries at the given timestamp. Overwriting an
	// existing (cell, timestamp) with the same contents is permitted.
	Put(ctx context.Context, table TableReference, entries []Entry, ts int64) error

	// Delete removes the exact versions named by the pairs. Missing
	// versions are ignored.
	Delete(ctx context.Context, table TableReference, versions []CellTimestamp) error

	// DeleteAllTimestamps removes, for each cell, every version with a
	// timestamp strictly below the paired timestamp.
	DeleteAllTimestamps(ctx context.Context, table TableReference, bounds []CellTimestamp) error

	// DeleteRange removes every version of every cell in rows with names
	// in [req.StartRowInclusive, req.EndRowExclusive). Deleting an empty
	// range is a no-op.
	DeleteRange(ctx context.Context, table TableReference, req RangeRequest) error

	// CheckAndSet atomically swaps the value of an unversioned cell.
	// Returns an error matching ErrCheckAndSetFailed when the current
	// value does not equal req.OldValue; exactly one concurrent caller
	// wins.
	CheckAndSet(ctx context.Context, req CheckAndSetRequest) error

	// Close releases the service's resources.
	Close() error
}

// RangeIterator streams the rows of a range scan. Callers must call Close
// when done.
type RangeIterator interface {
	// Next returns the next row, or false when the scan is exhausted.
	Next() (RowResult, bool)
	Close()
}
