package sweep

import (
	"context"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/logging"
)

// DeleteNonDedicatedRow deletes the reference row of a fully swept
// (shard, strategy, fine partition). Idempotent: deleting an already
// empty range is a no-op. Callers must only invoke this after shard
// progress has been persisted past the end of the partition; the queue
// does not enforce that.
func (sc *SweepableCells) DeleteNonDedicatedRow(ctx context.Context, ss ShardAndStrategy, partition int64) error {
	rowKey := referenceRow(ss, partition).persistToBytes()
	if err := sc.kvs.DeleteRange(ctx, SweepableCellsTable, kv.PrefixRange(rowKey)); err != nil {
		return kv.NewStoreError("DeleteNonDedicatedRow", SweepableCellsTable, err)
	}
	sc.log.Debug("Deleted reference row",
		logging.Shard(ss.Shard),
		logging.Strategy(ss.Strategy.String()),
		logging.Partition(partition))
	return nil
}

// DeleteDedicatedRows deletes every dedicated chain row referenced from
// the partition's reference row. The reference row owns the pointer
// entries, so it must still exist when this runs; delete dedicated rows
// before the reference row. Idempotent for the same reason as above.
func (sc *SweepableCells) DeleteDedicatedRows(ctx context.Context, ss ShardAndStrategy, partition int64) error {
	chains, err := sc.collectDedicatedChains(ctx, ss, partition)
	if err != nil {
		return err
	}
	for _, chain := range chains {
		for k := chain.ptr.FirstRowNumber; k < chain.ptr.FirstRowNumber+chain.ptr.NumRows; k++ {
			rowKey := dedicatedRow(ss, chain.startTs, k).persistToBytes()
			if err := sc.kvs.DeleteRange(ctx, SweepableCellsTable, kv.PrefixRange(rowKey)); err != nil {
				return kv.NewStoreError("DeleteDedicatedRows", SweepableCellsTable, err)
			}
		}
	}
	if len(chains) > 0 {
		sc.log.Debug("Deleted dedicated chains",
			logging.Shard(ss.Shard),
			logging.Strategy(ss.Strategy.String()),
			logging.Partition(partition),
			logging.Count(len(chains)))
	}
	return nil
}

// dedicatedChain is one pointer target recorded while scanning the
// reference row.
type dedicatedChain struct {
	startTs int64
	ptr     dedicatedPointer
}

func (sc *SweepableCells) collectDedicatedChains(ctx context.Context, ss ShardAndStrategy, partition int64) ([]dedicatedChain, error) {
	rowKey := referenceRow(ss, partition).persistToBytes()
	iter, err := sc.kvs.GetRange(ctx, SweepableCellsTable, kv.PrefixRange(rowKey), queueReadTs)
	if err != nil {
		return nil, kv.NewStoreError("CollectDedicatedChains", SweepableCellsTable, err)
	}
	defer iter.Close()

	partitionStart := sc.conf.MinTsForFinePartition(partition)
	var chains []dedicatedChain
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
			if !col.isDedicatedPointer() {
				continue
			}
			ptr, err := decodePointerValue(cv.Value.Contents)
			if err != nil {
				return nil, err
			}
			chains = append(chains, dedicatedChain{
				startTs: partitionStart + col.TimestampOffset,
				ptr:     ptr,
			})
		}
	}
	return chains, nil
}
