package sweep

import (
	"context"

	"github.com/nathklei/atlasdb/pkg/kv"
)

// Enqueue writes a batch of transactional writes into the queue and
// returns the set of (shard, strategy) domains touched, for downstream
// coordination. Writes to tables with no sweep strategy are ignored.
//
// Within one (shard, strategy, fine partition), all cells of a
// transaction either stay in the reference row or spill entirely into a
// dedicated chain; the two are never mixed. Concurrent enqueues from
// different transactions cannot collide because the write index and
// dedicated row number isolate them per start timestamp.
func (sc *SweepableCells) Enqueue(ctx context.Context, writes []WriteInfo) (map[ShardAndStrategy]struct{}, error) {
	groups, err := sc.partitioner.filterAndPartition(ctx, writes)
	if err != nil {
		return nil, err
	}

	var entries []kv.Entry
	counts := make(map[Strategy]int)
	touched := make(map[ShardAndStrategy]struct{})

	for key, group := range groups {
		touched[key.ss] = struct{}{}
		counts[key.ss.Strategy] += len(group)

		refRow := referenceRow(key.ss, key.partition).persistToBytes()
		offset := key.startTs - sc.conf.MinTsForFinePartition(key.partition)

		if len(group) <= sc.conf.MaxCellsGeneric {
			for i, w := range group {
				col := sweepableCellsColumn{TimestampOffset: offset, WriteIndex: int64(i)}
				entries = append(entries, kv.Entry{
					Cell:     kv.NewCell(refRow, col.persistToBytes()),
					Contents: entryValue(w),
				})
			}
			continue
		}

		numRows := (len(group) + sc.conf.MaxCellsDedicated - 1) / sc.conf.MaxCellsDedicated
		for k := 0; k < numRows; k++ {
			rowKey := dedicatedRow(key.ss, key.startTs, int64(k)).persistToBytes()
			chunk := group[k*sc.conf.MaxCellsDedicated : min((k+1)*sc.conf.MaxCellsDedicated, len(group))]
			for j, w := range chunk {
				col := sweepableCellsColumn{TimestampOffset: 0, WriteIndex: int64(j)}
				entries = append(entries, kv.Entry{
					Cell:     kv.NewCell(rowKey, col.persistToBytes()),
					Contents: entryValue(w),
				})
			}
		}

		pointerCol := sweepableCellsColumn{TimestampOffset: offset, WriteIndex: dedicatedPointerIndex}
		entries = append(entries, kv.Entry{
			Cell:     kv.NewCell(refRow, pointerCol.persistToBytes()),
			Contents: pointerValue(dedicatedPointer{FirstRowNumber: 0, NumRows: int64(numRows)}),
		})
	}

	if len(entries) > 0 {
		if err := sc.kvs.Put(ctx, SweepableCellsTable, entries, queueWriteTs); err != nil {
			return nil, kv.NewStoreError("Enqueue", SweepableCellsTable, err)
		}
	}

	for strategy, n := range counts {
		sc.metrics.RecordEnqueue(strategy.String(), n)
	}
	return touched, nil
}
