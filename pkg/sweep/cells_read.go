package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/logging"
)

// transactionEntries is everything the reference row holds for one
// start timestamp: inline writes plus pointers into dedicated chains.
type transactionEntries struct {
	startTs  int64
	writes   []WriteInfo
	pointers []dedicatedPointer
}

// GetBatchForPartition reads the next sweep batch for one (shard,
// strategy) domain: all queue entries of the given fine partition with
// start timestamps in (minTsExclusive, maxTsExclusive), reduced to the
// latest write per cell.
//
// Entries of aborted transactions are dropped from the result and their
// user-table versions deleted in band; apparently-uncommitted
// transactions are aborted via a conditional put on the transaction
// table first. Entries committing at or above maxTsExclusive are
// skipped untouched.
//
// Consumption stops once more than SweepBatchSize entries have been
// read; the transaction crossing the limit is still fully consumed, and
// the returned LastSweptTimestamp reflects how far the scan got. The
// read is restartable: re-running with the same arguments yields the
// same writes, minus aborted ones already deleted.
func (sc *SweepableCells) GetBatchForPartition(
	ctx context.Context,
	ss ShardAndStrategy,
	partition int64,
	minTsExclusive, maxTsExclusive int64,
) (SweepBatch, error) {
	start := time.Now()
	if err := sc.validateWindow(partition, minTsExclusive, maxTsExclusive); err != nil {
		return SweepBatch{}, err
	}

	txns, err := sc.readReferenceRow(ctx, ss, partition, minTsExclusive, maxTsExclusive)
	if err != nil {
		return SweepBatch{}, err
	}

	states, err := sc.resolveCommitStates(ctx, txns)
	if err != nil {
		return SweepBatch{}, err
	}

	builder := newBatchBuilder()
	entriesRead := 0
	cutoff := false
	var progressTs int64

	for _, txn := range txns {
		entries := txn.writes
		for _, ptr := range txn.pointers {
			expanded, expandErr := sc.readDedicatedEntries(ctx, ss, txn.startTs, ptr)
			if expandErr != nil {
				return SweepBatch{}, expandErr
			}
			entries = append(entries, expanded...)
		}
		entriesRead += len(entries)

		status := states[txn.startTs]
		if status.State == TransactionUnknown {
			status, err = sc.abortInBand(ctx, txn.startTs)
			if err != nil {
				return SweepBatch{}, err
			}
		}

		switch status.State {
		case TransactionCommitted:
			if status.CommitTimestamp < maxTsExclusive {
				for _, w := range entries {
					builder.addWrite(w)
				}
			}
			// Commits at or above the sweep horizon are invisible to
			// this batch and stay in place for a later pass.
		case TransactionAborted:
			for _, w := range entries {
				builder.addAborted(w)
			}
		}

		progressTs = txn.startTs
		if entriesRead > sc.conf.SweepBatchSize {
			cutoff = true
			break
		}
	}

	lastSwept := min(maxTsExclusive-1, sc.conf.MaxTsForFinePartition(partition))
	if cutoff {
		lastSwept = progressTs
	}

	if err := sc.deleteAbortedWrites(ctx, ss, builder); err != nil {
		return SweepBatch{}, err
	}

	sc.metrics.RecordEntriesRead(ss.Strategy.String(), entriesRead)
	batch := builder.build(lastSwept)
	sc.metrics.RecordBatchRead(ss.Strategy.String(), len(batch.Writes), time.Since(start))
	return batch, nil
}

// validateWindow rejects windows that are empty or that do not intersect
// the requested fine partition. Validation failures have no side
// effects.
func (sc *SweepableCells) validateWindow(partition, minTsExclusive, maxTsExclusive int64) error {
	if minTsExclusive >= maxTsExclusive {
		return fmt.Errorf("%w: (%d, %d)", ErrInvalidWindow, minTsExclusive, maxTsExclusive)
	}
	lo := sc.conf.TsPartitionFine(minTsExclusive + 1)
	hi := sc.conf.TsPartitionFine(maxTsExclusive - 1)
	if partition < lo || partition > hi {
		return fmt.Errorf("%w: partition %d outside [%d, %d] for window (%d, %d)",
			ErrInvalidPartition, partition, lo, hi, minTsExclusive, maxTsExclusive)
	}
	return nil
}

// readReferenceRow streams the reference row of the partition and
// returns its in-window transactions in ascending start-timestamp
// order. Column keys sort by (timestamp offset, write index), so one
// pass yields the grouping directly.
func (sc *SweepableCells) readReferenceRow(
	ctx context.Context,
	ss ShardAndStrategy,
	partition int64,
	minTsExclusive, maxTsExclusive int64,
) ([]transactionEntries, error) {
	rowKey := referenceRow(ss, partition).persistToBytes()
	iter, err := sc.kvs.GetRange(ctx, SweepableCellsTable, kv.PrefixRange(rowKey), queueReadTs)
	if err != nil {
		return nil, kv.NewStoreError("ReadReferenceRow", SweepableCellsTable, err)
	}
	defer iter.Close()

	partitionStart := sc.conf.MinTsForFinePartition(partition)
	var txns []transactionEntries

	for {
		row, ok := iter.Next()
		if !ok {
			break
		}
		for _, cv := range row.Columns {
			col, err := hydrateColumn(cv.ColumnName)
			if err != nil {
				return nil, err
			}
			startTs := partitionStart + col.TimestampOffset
			if startTs <= minTsExclusive || startTs >= maxTsExclusive {
				continue
			}
			if len(txns) == 0 || txns[len(txns)-1].startTs != startTs {
				txns = append(txns, transactionEntries{startTs: startTs})
			}
			current := &txns[len(txns)-1]

			if col.isDedicatedPointer() {
				ptr, err := decodePointerValue(cv.Value.Contents)
				if err != nil {
					return nil, err
				}
				current.pointers = append(current.pointers, ptr)
				continue
			}
			w, err := decodeEntryValue(cv.Value.Contents, startTs)
			if err != nil {
				return nil, err
			}
			current.writes = append(current.writes, w)
		}
	}
	return txns, nil
}

// readDedicatedEntries expands one pointer into the full contents of
// its dedicated chain. Chain rows share a key prefix and differ only in
// the trailing row number, so the whole chain is one range scan. A
// chain with fewer rows than the pointer promises is corrupt.
func (sc *SweepableCells) readDedicatedEntries(
	ctx context.Context,
	ss ShardAndStrategy,
	startTs int64,
	ptr dedicatedPointer,
) ([]WriteInfo, error) {
	firstRow := dedicatedRow(ss, startTs, ptr.FirstRowNumber).persistToBytes()
	lastRow := dedicatedRow(ss, startTs, ptr.FirstRowNumber+ptr.NumRows-1).persistToBytes()
	req := kv.RangeRequest{
		StartRowInclusive: firstRow,
		EndRowExclusive:   kv.NextLexicographicName(lastRow),
	}
	iter, err := sc.kvs.GetRange(ctx, SweepableCellsTable, req, queueReadTs)
	if err != nil {
		return nil, kv.NewStoreError("ReadDedicatedRows", SweepableCellsTable, err)
	}
	defer iter.Close()

	var writes []WriteInfo
	rowsSeen := 0
	for {
		row, ok := iter.Next()
		if !ok {
			break
		}
		rowsSeen++
		for _, cv := range row.Columns {
			if isPointerValue(cv.Value.Contents) {
				return nil, corruptValue(cv.Value.Contents, "pointer entry inside dedicated row")
			}
			w, err := decodeEntryValue(cv.Value.Contents, startTs)
			if err != nil {
				return nil, err
			}
			writes = append(writes, w)
		}
	}
	if int64(rowsSeen) != ptr.NumRows {
		return nil, danglingPointer(startTs, int(ptr.NumRows), rowsSeen)
	}
	return writes, nil
}

// resolveCommitStates batch-resolves the distinct start timestamps of
// the reference row.
func (sc *SweepableCells) resolveCommitStates(ctx context.Context, txns []transactionEntries) (map[int64]TransactionStatus, error) {
	if len(txns) == 0 {
		return nil, nil
	}
	distinct := make([]int64, 0, len(txns))
	for _, t := range txns {
		distinct = append(distinct, t.startTs)
	}
	return sc.txns.GetBatch(ctx, distinct)
}

// abortInBand attempts to abort an apparently-uncommitted transaction
// by a conditional put of the aborted sentinel. The put is the single
// serialization point of the race against a concurrent commit: the
// loser adopts the winner's outcome and does not retry.
func (sc *SweepableCells) abortInBand(ctx context.Context, startTs int64) (TransactionStatus, error) {
	err := sc.txns.PutUnlessExists(ctx, startTs, AbortedTransactionTimestamp)
	if err == nil {
		sc.log.Info("Aborted dormant uncommitted transaction in band", logging.Timestamp(startTs))
		return TransactionStatus{State: TransactionAborted, CommitTimestamp: AbortedTransactionTimestamp}, nil
	}
	if errors.Is(err, kv.ErrCheckAndSetFailed) {
		return sc.txns.Get(ctx, startTs)
	}
	return TransactionStatus{}, err
}

// deleteAbortedWrites issues version-precise deletes for every aborted
// write the batch encountered, grouped by user table.
func (sc *SweepableCells) deleteAbortedWrites(ctx context.Context, ss ShardAndStrategy, builder *batchBuilder) error {
	for table, versions := range builder.abortedByRef {
		if err := sc.kvs.Delete(ctx, table, versions); err != nil {
			return kv.NewStoreError("DeleteAbortedWrites", table, err)
		}
	}
	if builder.abortedCount > 0 {
		sc.metrics.RecordAbortedWritesDeleted(ss.Strategy.String(), builder.abortedCount)
	}
	return nil
}
