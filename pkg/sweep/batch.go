package sweep

import (
	"github.com/nathklei/atlasdb/pkg/kv"
)

// SweepBatch is the outcome of one batch read: a possibly empty set of
// writes to sweep for, and the maximum timestamp guaranteed to have been
// swept once the batch is processed. Order within Writes carries no
// meaning.
type SweepBatch struct {
	Writes             []WriteInfo
	LastSweptTimestamp int64
}

// batchBuilder accumulates the entries of a batch read and freezes them
// into a SweepBatch. Committed writes are reduced to the latest version
// per cell; aborted writes are collected for version-precise deletion.
type batchBuilder struct {
	latest       map[cellReference]WriteInfo
	abortedByRef map[kv.TableReference][]kv.CellTimestamp
	abortedCount int
}

func newBatchBuilder() *batchBuilder {
	return &batchBuilder{
		latest:       make(map[cellReference]WriteInfo),
		abortedByRef: make(map[kv.TableReference][]kv.CellTimestamp),
	}
}

// addWrite records a committed, in-window write. Only the greatest start
// timestamp per cell survives; ties cannot occur because the queue holds
// at most one entry per (cell, timestamp).
func (b *batchBuilder) addWrite(w WriteInfo) {
	ref := w.cellRef()
	if existing, ok := b.latest[ref]; ok && existing.Timestamp >= w.Timestamp {
		return
	}
	b.latest[ref] = w
}

// addAborted schedules the user-table version of an aborted write for
// deletion.
func (b *batchBuilder) addAborted(w WriteInfo) {
	b.abortedByRef[w.Table] = append(b.abortedByRef[w.Table], kv.CellTimestamp{
		Cell:      w.Cell,
		Timestamp: w.Timestamp,
	})
	b.abortedCount++
}

// build freezes the accumulated state into an immutable SweepBatch.
func (b *batchBuilder) build(lastSweptTimestamp int64) SweepBatch {
	writes := make([]WriteInfo, 0, len(b.latest))
	for _, w := range b.latest {
		writes = append(writes, w)
	}
	return SweepBatch{Writes: writes, LastSweptTimestamp: lastSweptTimestamp}
}
