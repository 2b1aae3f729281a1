package sweep

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/logging"
)

// ShardProgressTable persists one cell per (shard, strategy) holding the
// last swept timestamp. The sentinel shard −1 under the conservative
// strategy stores the current shard count.
const ShardProgressTable kv.TableReference = "sweep.shard_progress"

const shardCountIndex = -1

var progressValueColumn = []byte("value")

// ShardProgress reads and advances the per-shard sweep watermarks. All
// updates go through compare-and-set and only ever increase the stored
// value, so concurrent writers cannot move progress backwards.
type ShardProgress struct {
	kvs           kv.KeyValueService
	defaultShards int
	log           logging.Logger
}

// NewShardProgress creates a progress store; defaultShards is returned
// while no shard count has been persisted yet.
func NewShardProgress(kvs kv.KeyValueService, defaultShards int, log logging.Logger) *ShardProgress {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &ShardProgress{kvs: kvs, defaultShards: defaultShards, log: log}
}

// NumberOfShards returns the persisted shard count, or the default while
// none has been persisted.
func (p *ShardProgress) NumberOfShards(ctx context.Context) (int, error) {
	v, err := p.getOrReturnInitial(ctx, Conservative(shardCountIndex), int64(p.defaultShards))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// UpdateNumberOfShards raises the persisted shard count to newNumber if
// it is larger than the current count, returning the latest persisted
// count (which may exceed newNumber).
func (p *ShardProgress) UpdateNumberOfShards(ctx context.Context, newNumber int) (int, error) {
	if newNumber > MaxShards {
		return 0, ErrTooManyShards
	}
	v, err := p.increaseValueToAtLeast(ctx, Conservative(shardCountIndex), int64(newNumber))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// LastSweptTimestamp returns the persisted watermark for the given shard
// and strategy, or InitialTimestamp if the shard was never swept.
func (p *ShardProgress) LastSweptTimestamp(ctx context.Context, ss ShardAndStrategy) (int64, error) {
	return p.getOrReturnInitial(ctx, ss, InitialTimestamp)
}

// UpdateLastSweptTimestamp raises the watermark for the given shard and
// strategy to timestamp if it is larger, returning the latest persisted
// watermark.
func (p *ShardProgress) UpdateLastSweptTimestamp(ctx context.Context, ss ShardAndStrategy, timestamp int64) (int64, error) {
	return p.increaseValueToAtLeast(ctx, ss, timestamp)
}

func (p *ShardProgress) getOrReturnInitial(ctx context.Context, ss ShardAndStrategy, initial int64) (int64, error) {
	value, found, err := p.getEntry(ctx, ss)
	if err != nil {
		return 0, err
	}
	if !found {
		return initial, nil
	}
	return value, nil
}

func (p *ShardProgress) getEntry(ctx context.Context, ss ShardAndStrategy) (int64, bool, error) {
	results, err := p.kvs.Get(ctx, ShardProgressTable, []kv.CellTimestamp{
		{Cell: progressCell(ss), Timestamp: queueReadTs},
	})
	if err != nil {
		return 0, false, kv.NewStoreError("GetProgress", ShardProgressTable, err)
	}
	if len(results) == 0 {
		return 0, false, nil
	}
	return decodeProgressValue(results[0].Value.Contents), true, nil
}

// increaseValueToAtLeast raises the stored value to newVal via CAS. On a
// conflict where the stored value moved under us, the raise retries from
// the new value; a conflict with no movement is surfaced. An absent cell
// reads as InitialTimestamp regardless of what the read-side default is,
// so the first advance always takes the new-cell path.
func (p *ShardProgress) increaseValueToAtLeast(ctx context.Context, ss ShardAndStrategy, newVal int64) (int64, error) {
	oldVal, err := p.getOrReturnInitial(ctx, ss, InitialTimestamp)
	if err != nil {
		return 0, err
	}
	newContents := encodeProgressValue(newVal)

	for oldVal < newVal {
		casErr := p.kvs.CheckAndSet(ctx, kv.CheckAndSetRequest{
			Table:    ShardProgressTable,
			Cell:     progressCell(ss),
			OldValue: casOldValue(oldVal),
			NewValue: newContents,
		})
		if casErr == nil {
			return newVal, nil
		}
		if !errors.Is(casErr, kv.ErrCheckAndSetFailed) {
			return 0, kv.NewStoreError("AdvanceProgress", ShardProgressTable, casErr)
		}
		p.log.Info("Progress advance lost a check and set race, retrying if the value moved",
			logging.Shard(ss.Shard),
			logging.Strategy(ss.Strategy.String()),
			logging.Int64("attempted", newVal))
		oldVal, err = p.updateOrRethrowIfNoChange(ctx, ss, oldVal, casErr)
		if err != nil {
			return 0, err
		}
	}
	return oldVal, nil
}

func (p *ShardProgress) updateOrRethrowIfNoChange(ctx context.Context, ss ShardAndStrategy, oldVal int64, casErr error) (int64, error) {
	updated, found, err := p.getEntry(ctx, ss)
	if err != nil {
		return 0, err
	}
	if !found || updated == oldVal {
		return 0, kv.NewStoreError("AdvanceProgress", ShardProgressTable, casErr)
	}
	return updated, nil
}

// casOldValue maps the initial sentinel to "cell must not exist".
func casOldValue(oldVal int64) []byte {
	if oldVal == InitialTimestamp {
		return nil
	}
	return encodeProgressValue(oldVal)
}

func progressCell(ss ShardAndStrategy) kv.Cell {
	row := make([]byte, 5)
	binary.BigEndian.PutUint32(row, uint32(int32(ss.Shard)))
	if ss.Strategy == StrategyConservative {
		row[4] = 1
	}
	return kv.NewCell(row, progressValueColumn)
}

func encodeProgressValue(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeProgressValue(b []byte) int64 {
	if len(b) != 8 {
		return InitialTimestamp
	}
	return int64(binary.BigEndian.Uint64(b))
}
