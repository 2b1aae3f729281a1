package sweep

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"github.com/nathklei/atlasdb/pkg/kv"
)

// StrategyResolver decides the sweep strategy of a table. Tables with no
// strategy are not tracked by the queue.
type StrategyResolver interface {
	StrategyForTable(table kv.TableReference) (Strategy, bool)
}

// StaticStrategyResolver resolves strategies from a fixed table map.
type StaticStrategyResolver map[kv.TableReference]Strategy

// StrategyForTable implements StrategyResolver.
func (r StaticStrategyResolver) StrategyForTable(table kv.TableReference) (Strategy, bool) {
	s, ok := r[table]
	return s, ok
}

// Partitioner maps writes to their shard and time partitions. Shard
// assignment hashes the table and cell, so all versions of a cell land
// in the same shard for a given shard count; changing the shard count
// never relocates rows that are already enqueued.
type Partitioner struct {
	conf       Config
	progress   *ShardProgress
	strategies StrategyResolver
}

// NewPartitioner creates a partitioner reading the live shard count from
// the progress store.
func NewPartitioner(conf Config, progress *ShardProgress, strategies StrategyResolver) *Partitioner {
	return &Partitioner{conf: conf, progress: progress, strategies: strategies}
}

// NumShards returns the current shard count. The persisted count wins
// over the configured one, so a resize observed by one node is observed
// by all.
func (p *Partitioner) NumShards(ctx context.Context) (int, error) {
	return p.progress.NumberOfShards(ctx)
}

// ShardFor returns the shard a write routes to under the given shard
// count. Deterministic over (table, cell, numShards).
func ShardFor(w WriteInfo, numShards int) int {
	h := fnv.New64a()
	var scratch [binary.MaxVarintLen64]byte
	for _, field := range [][]byte{[]byte(w.Table), w.Cell.RowName, w.Cell.ColumnName} {
		n := binary.PutUvarint(scratch[:], uint64(len(field)))
		h.Write(scratch[:n])
		h.Write(field)
	}
	return int(h.Sum64() % uint64(numShards))
}

// writeGroup identifies the queue destination of a set of writes from
// one transaction.
type writeGroup struct {
	ss        ShardAndStrategy
	partition int64
	startTs   int64
}

// filterAndPartition groups writes by (shard, strategy, fine partition,
// start timestamp), dropping writes to untracked tables. The shard count
// is read exactly once so a concurrent resize cannot split one enqueue
// across shard counts.
func (p *Partitioner) filterAndPartition(ctx context.Context, writes []WriteInfo) (map[writeGroup][]WriteInfo, error) {
	numShards, err := p.NumShards(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[writeGroup][]WriteInfo)
	for _, w := range writes {
		strategy, tracked := p.strategies.StrategyForTable(w.Table)
		if !tracked {
			continue
		}
		key := writeGroup{
			ss:        ShardAndStrategy{Shard: ShardFor(w, numShards), Strategy: strategy},
			partition: p.conf.TsPartitionFine(w.Timestamp),
			startTs:   w.Timestamp,
		}
		groups[key] = append(groups[key], w)
	}
	return groups, nil
}
