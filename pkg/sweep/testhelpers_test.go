package sweep

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/kv/inmem"
	"github.com/nathklei/atlasdb/pkg/logging"
	"github.com/nathklei/atlasdb/pkg/metrics"
)

// Test constants matching the behavioral scenarios: a small fine
// partition and the production cell limits.
const (
	testTS      int64 = 1000
	testFine    int64 = 10_000
	testSweepTS int64 = testTS + 200
)

const (
	tableCons kv.TableReference = "table.conservative"
	tableThor kv.TableReference = "table.thorough"
)

func defaultCell() kv.Cell {
	return kv.NewCell([]byte("row"), []byte("col"))
}

// recordingKVS wraps a store and records version-precise deletes and
// range deletes, the assertions most queue tests need.
type recordingKVS struct {
	kv.KeyValueService
	mu           sync.Mutex
	deletes      map[kv.TableReference][]kv.CellTimestamp
	rangeDeletes map[kv.TableReference][]kv.RangeRequest
}

func newRecordingKVS() *recordingKVS {
	return &recordingKVS{
		KeyValueService: inmem.New(),
		deletes:         make(map[kv.TableReference][]kv.CellTimestamp),
		rangeDeletes:    make(map[kv.TableReference][]kv.RangeRequest),
	}
}

func (r *recordingKVS) Delete(ctx context.Context, table kv.TableReference, versions []kv.CellTimestamp) error {
	r.mu.Lock()
	r.deletes[table] = append(r.deletes[table], versions...)
	r.mu.Unlock()
	return r.KeyValueService.Delete(ctx, table, versions)
}

func (r *recordingKVS) DeleteRange(ctx context.Context, table kv.TableReference, req kv.RangeRequest) error {
	r.mu.Lock()
	r.rangeDeletes[table] = append(r.rangeDeletes[table], req)
	r.mu.Unlock()
	return r.KeyValueService.DeleteRange(ctx, table, req)
}

func (r *recordingKVS) deletedVersions(table kv.TableReference) []kv.CellTimestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kv.CellTimestamp(nil), r.deletes[table]...)
}

func (r *recordingKVS) deletedRanges(table kv.TableReference) []kv.RangeRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kv.RangeRequest(nil), r.rangeDeletes[table]...)
}

// fixture wires a queue against an in-memory KVS with the test
// constants.
type fixture struct {
	t        *testing.T
	ctx      context.Context
	conf     Config
	kvs      *recordingKVS
	txns     *KVTransactions
	progress *ShardProgress
	cells    *SweepableCells
	metrics  *metrics.Registry
}

func newFixture(t *testing.T, shards int) *fixture {
	t.Helper()
	conf := DefaultConfig()
	conf.FinePartitionSize = testFine
	conf.Shards = shards

	kvs := newRecordingKVS()
	txns := NewTransactionService(kvs)
	progress := NewShardProgress(kvs, shards, logging.NewNopLogger())
	resolver := StaticStrategyResolver{
		tableCons: StrategyConservative,
		tableThor: StrategyThorough,
	}
	registry := metrics.NewRegistry()
	partitioner := NewPartitioner(conf, progress, resolver)
	cells := NewSweepableCells(kvs, txns, partitioner, registry, logging.NewNopLogger(), conf)

	return &fixture{
		t:        t,
		ctx:      context.Background(),
		conf:     conf,
		kvs:      kvs,
		txns:     txns,
		progress: progress,
		cells:    cells,
		metrics:  registry,
	}
}

func (f *fixture) enqueue(writes ...WriteInfo) map[ShardAndStrategy]struct{} {
	f.t.Helper()
	touched, err := f.cells.Enqueue(f.ctx, writes)
	if err != nil {
		f.t.Fatalf("Enqueue failed: %v", err)
	}
	return touched
}

func (f *fixture) commit(startTs, commitTs int64) {
	f.t.Helper()
	if err := f.txns.PutUnlessExists(f.ctx, startTs, commitTs); err != nil {
		f.t.Fatalf("Commit failed: %v", err)
	}
}

func (f *fixture) abort(startTs int64) {
	f.t.Helper()
	if err := f.txns.PutUnlessExists(f.ctx, startTs, AbortedTransactionTimestamp); err != nil {
		f.t.Fatalf("Abort failed: %v", err)
	}
}

// writeCommitted enqueues the default cell at ts and commits the
// transaction at its own timestamp, returning the shard it routed to.
func (f *fixture) writeCommitted(table kv.TableReference, ts int64) int {
	f.t.Helper()
	f.commit(ts, ts)
	return f.writeWithoutCommit(table, ts)
}

func (f *fixture) writeAborted(table kv.TableReference, ts int64) int {
	f.t.Helper()
	f.abort(ts)
	return f.writeWithoutCommit(table, ts)
}

func (f *fixture) writeWithoutCommit(table kv.TableReference, ts int64) int {
	f.t.Helper()
	w := Write(table, defaultCell(), ts)
	f.enqueue(w)
	return f.shardOf(w)
}

func (f *fixture) putTombstoneCommitted(table kv.TableReference, ts int64) int {
	f.t.Helper()
	f.commit(ts, ts)
	w := Tombstone(table, defaultCell(), ts)
	f.enqueue(w)
	return f.shardOf(w)
}

func (f *fixture) shardOf(w WriteInfo) int {
	f.t.Helper()
	numShards, err := f.progress.NumberOfShards(f.ctx)
	if err != nil {
		f.t.Fatalf("NumberOfShards failed: %v", err)
	}
	return ShardFor(w, numShards)
}

// writeRowCommitted enqueues numWrites distinct cells (row
// "row-<rowName>", one column per write) at the given timestamp and
// commits at the same timestamp. Used with a single-shard fixture so all cells share shard
// zero.
func (f *fixture) writeRowCommitted(rowName int64, ts int64, numWrites int) []WriteInfo {
	f.t.Helper()
	f.commit(ts, ts)
	return f.writeRowWithoutCommit(rowName, ts, numWrites)
}

func (f *fixture) writeRowWithoutCommit(rowName int64, ts int64, numWrites int) []WriteInfo {
	f.t.Helper()
	writes := make([]WriteInfo, 0, numWrites)
	for i := 0; i < numWrites; i++ {
		cell := kv.NewCell(
			[]byte(fmt.Sprintf("row-%d", rowName)),
			[]byte(fmt.Sprintf("col-%d", i)),
		)
		writes = append(writes, Write(tableCons, cell, ts))
	}
	f.enqueue(writes...)
	return writes
}

func (f *fixture) readConservative(shard int, partition, minExclusive, maxExclusive int64) SweepBatch {
	f.t.Helper()
	batch, err := f.cells.GetBatchForPartition(f.ctx, Conservative(shard), partition, minExclusive, maxExclusive)
	if err != nil {
		f.t.Fatalf("GetBatchForPartition failed: %v", err)
	}
	return batch
}

func (f *fixture) readThorough(shard int, partition, minExclusive, maxExclusive int64) SweepBatch {
	f.t.Helper()
	batch, err := f.cells.GetBatchForPartition(f.ctx, Thorough(shard), partition, minExclusive, maxExclusive)
	if err != nil {
		f.t.Fatalf("GetBatchForPartition failed: %v", err)
	}
	return batch
}

func (f *fixture) counter(name, strategy string) float64 {
	return f.metrics.CounterValue(name, map[string]string{"strategy": strategy})
}

func (f *fixture) assertWrites(batch SweepBatch, want ...WriteInfo) {
	f.t.Helper()
	if len(batch.Writes) != len(want) {
		f.t.Fatalf("Expected %d writes, got %d: %v", len(want), len(batch.Writes), batch.Writes)
	}
	got := make(map[string]bool, len(batch.Writes))
	for _, w := range batch.Writes {
		got[w.String()] = true
	}
	for _, w := range want {
		if !got[w.String()] {
			f.t.Errorf("Missing expected write %v in %v", w, batch.Writes)
		}
	}
}

func (f *fixture) assertDeleted(table kv.TableReference, want ...kv.CellTimestamp) {
	f.t.Helper()
	got := f.kvs.deletedVersions(table)
	if len(got) != len(want) {
		f.t.Fatalf("Expected %d deletes on %s, got %d: %v", len(want), table, len(got), got)
	}
	for _, w := range want {
		found := false
		for _, g := range got {
			if g.Cell.Equals(w.Cell) && g.Timestamp == w.Timestamp {
				found = true
				break
			}
		}
		if !found {
			f.t.Errorf("Missing expected delete %v %d", w.Cell, w.Timestamp)
		}
	}
}

func (f *fixture) endOfFinePartition(ts int64) int64 {
	return f.conf.MaxTsForFinePartition(f.conf.TsPartitionFine(ts))
}
