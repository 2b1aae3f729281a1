package sweep

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/nathklei/atlasdb/pkg/kv"
)

const defaultTestShards = 8

func TestReadSingleEntryForCorrectPartitionAndRange(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shardCons := f.writeCommitted(tableCons, testTS)
	shardThor := f.putThoroughCommitted(testTS + 3)

	batch := f.readConservative(shardCons, 0, testTS-1, testSweepTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS))

	thorough := f.readThorough(shardThor, 0, testTS+2, math.MaxInt64)
	f.assertWrites(thorough, Write(tableThor, defaultCell(), testTS+3))

	if got := f.counter("atlasdb_sweep_enqueued_writes_total", "conservative"); got != 1 {
		t.Errorf("Enqueued conservative = %v, want 1", got)
	}
	if got := f.counter("atlasdb_sweep_enqueued_writes_total", "thorough"); got != 1 {
		t.Errorf("Enqueued thorough = %v, want 1", got)
	}
}

func TestCannotReadEntryForWrongShard(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)

	batch := f.readConservative((shard+1)%defaultTestShards, 0, testTS-1, testSweepTS)
	if len(batch.Writes) != 0 {
		t.Errorf("Wrong shard returned writes: %v", batch.Writes)
	}
	if batch.LastSweptTimestamp != testSweepTS-1 {
		t.Errorf("LastSweptTimestamp = %d, want %d", batch.LastSweptTimestamp, testSweepTS-1)
	}
}

func TestReadDoesNotReturnValuesFromAbortedTransactions(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)
	f.writeAborted(tableCons, testTS+1)

	batch := f.readConservative(shard, 0, testTS-1, testSweepTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS))
}

func TestReadDeletesValuesFromAbortedTransactions(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)
	f.writeAborted(tableCons, testTS+1)

	f.readConservative(shard, 0, testTS-1, testSweepTS)

	f.assertDeleted(tableCons, kv.CellTimestamp{Cell: defaultCell(), Timestamp: testTS + 1})
	if got := f.counter("atlasdb_sweep_aborted_writes_deleted_total", "conservative"); got != 1 {
		t.Errorf("AbortedWritesDeleted = %v, want 1", got)
	}
}

func TestReadAbortsUncommittedTransactionsInBand(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)
	f.writeWithoutCommit(tableCons, testTS+1)

	status, err := f.txns.Get(f.ctx, testTS+1)
	if err != nil || status.State != TransactionUnknown {
		t.Fatalf("Setup: expected unknown state, got %v %v", status, err)
	}

	batch := f.readConservative(shard, 0, testTS-1, testSweepTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS))

	status, err = f.txns.Get(f.ctx, testTS+1)
	if err != nil || status.State != TransactionAborted {
		t.Errorf("Expected in-band abort, got %v %v", status, err)
	}
	f.assertDeleted(tableCons, kv.CellTimestamp{Cell: defaultCell(), Timestamp: testTS + 1})
}

func TestLastSweptTimestampIsMinOfSweepTsAndPartitionEnd(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)

	batch := f.readConservative(shard, 0, testTS-1, testSweepTS)
	if batch.LastSweptTimestamp != testSweepTS-1 {
		t.Errorf("LastSweptTimestamp = %d, want %d", batch.LastSweptTimestamp, testSweepTS-1)
	}

	batch = f.readConservative(shard, 0, testTS-1, math.MaxInt64)
	if batch.LastSweptTimestamp != f.endOfFinePartition(testTS) {
		t.Errorf("LastSweptTimestamp = %d, want partition end %d",
			batch.LastSweptTimestamp, f.endOfFinePartition(testTS))
	}
}

func TestLastSweptTimestampWhenNoMatches(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)

	batch := f.readConservative((shard+1)%defaultTestShards, 0, testTS-1, math.MaxInt64)
	if len(batch.Writes) != 0 {
		t.Errorf("Expected empty batch, got %v", batch.Writes)
	}
	if batch.LastSweptTimestamp != f.endOfFinePartition(testTS) {
		t.Errorf("LastSweptTimestamp = %d, want %d", batch.LastSweptTimestamp, f.endOfFinePartition(testTS))
	}
}

func TestInconsistentPartitionAndRangeFails(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)

	for _, partition := range []int64{-1, 1} {
		_, err := f.cells.GetBatchForPartition(f.ctx, Conservative(shard), partition, testTS-1, testSweepTS)
		if !errors.Is(err, ErrInvalidPartition) {
			t.Errorf("Partition %d: expected ErrInvalidPartition, got %v", partition, err)
		}
	}
}

func TestEmptyWindowFails(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	_, err := f.cells.GetBatchForPartition(f.ctx, Conservative(0), 0, testTS, testTS)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("Expected ErrInvalidWindow, got %v", err)
	}
}

func TestReadOnlyTombstoneWhenLatestInRange(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)
	f.putTombstoneCommitted(tableCons, testTS+1)

	batch := f.readConservative(shard, 0, testTS-1, testSweepTS)
	f.assertWrites(batch, Tombstone(tableCons, defaultCell(), testTS+1))
}

func TestReadOnlyMostRecentTimestampForRange(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS-2)
	f.writeCommitted(tableCons, testTS+2)
	f.writeCommitted(tableCons, testTS-3)
	f.writeCommitted(tableCons, testTS+1)

	batch := f.readConservative(shard, 0, testTS-3, testTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS-2))
	if batch.LastSweptTimestamp != testTS-1 {
		t.Errorf("LastSweptTimestamp = %d, want %d", batch.LastSweptTimestamp, testTS-1)
	}

	batch = f.readConservative(shard, 0, testTS-3, testSweepTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS+2))
	if batch.LastSweptTimestamp != testSweepTS-1 {
		t.Errorf("LastSweptTimestamp = %d, want %d", batch.LastSweptTimestamp, testSweepTS-1)
	}
}

func TestMultipleEntriesSameTransactionNotDedicated(t *testing.T) {
	f := newFixture(t, 1)
	writes := f.writeRowCommitted(0, testTS, 10)

	batch := f.readConservative(0, 0, testTS-1, testTS+1)
	f.assertWrites(batch, writes...)
}

func TestMultipleEntriesSameTransactionOneDedicated(t *testing.T) {
	f := newFixture(t, 1)
	n := f.conf.MaxCellsGeneric*2 + 1
	writes := f.writeRowCommitted(0, testTS, n)

	batch := f.readConservative(0, 0, testTS-1, testTS+1)
	f.assertWrites(batch, writes...)
}

func TestMultipleTransactionsCombinedLatestWins(t *testing.T) {
	f := newFixture(t, 1)
	maxGen := f.conf.MaxCellsGeneric
	first := f.writeRowCommitted(0, testTS, maxGen*2+1)
	last := f.writeRowCommitted(0, testTS+2, 1)
	middle := f.writeRowCommitted(0, testTS+1, maxGen+1)

	// The same cells written by several transactions reduce to the
	// newest write of each cell.
	expected := make([]WriteInfo, 0, maxGen*2+1)
	expected = append(expected, last...)
	expected = append(expected, middle[len(last):]...)
	expected = append(expected, first[len(middle):]...)

	batch := f.readConservative(0, 0, testTS-1, testTS+3)
	f.assertWrites(batch, expected...)
}

func TestMultipleDedicatedRowsRoundTrip(t *testing.T) {
	f := newFixture(t, 1)
	n := f.conf.MaxCellsDedicated + 1
	writes := f.writeRowCommitted(0, testTS+1, n)

	batch := f.readConservative(0, 0, testTS, testTS+2)
	if len(batch.Writes) != n {
		t.Fatalf("Expected %d writes, got %d", n, len(batch.Writes))
	}
	found := make(map[string]bool, len(batch.Writes))
	for _, w := range batch.Writes {
		found[w.String()] = true
	}
	if !found[writes[0].String()] || !found[writes[n-1].String()] {
		t.Error("First or last dedicated write missing from the batch")
	}
}

func TestUncommittedWritesInDedicatedRowsGetDeleted(t *testing.T) {
	f := newFixture(t, 1)
	n := f.conf.MaxCellsDedicated + 1
	f.writeRowWithoutCommit(0, testTS+1, n)

	batch := f.readConservative(0, 0, testTS, testTS+2)
	if len(batch.Writes) != 0 {
		t.Fatalf("Expected empty batch, got %d writes", len(batch.Writes))
	}
	if got := len(f.kvs.deletedVersions(tableCons)); got != n {
		t.Errorf("Deleted %d versions, want %d", got, n)
	}
	if got := f.counter("atlasdb_sweep_aborted_writes_deleted_total", "conservative"); got != float64(n) {
		t.Errorf("AbortedWritesDeleted = %v, want %d", got, n)
	}
}

// Five transactions of 201 entries exceed the batch size of 1000; the
// scan consumes them fully and stops.
func TestReturnWhenMoreThanSweepBatchSize(t *testing.T) {
	f := newFixture(t, 1)
	iterationWrites := 1 + f.conf.SweepBatchSize/5
	for i := int64(0); i < 10; i++ {
		f.writeRowCommitted(i, i, iterationWrites)
	}

	batch := f.readConservative(0, 0, -1, testSweepTS)
	if len(batch.Writes) != f.conf.SweepBatchSize+5 {
		t.Errorf("Writes = %d, want %d", len(batch.Writes), f.conf.SweepBatchSize+5)
	}
	if batch.LastSweptTimestamp != 4 {
		t.Errorf("LastSweptTimestamp = %d, want 4", batch.LastSweptTimestamp)
	}
	if got := f.counter("atlasdb_sweep_entries_read_total", "conservative"); got != float64(5*iterationWrites) {
		t.Errorf("EntriesRead = %v, want %d", got, 5*iterationWrites)
	}
	if got := f.counter("atlasdb_sweep_aborted_writes_deleted_total", "conservative"); got != 0 {
		t.Errorf("AbortedWritesDeleted = %v, want 0", got)
	}
}

func TestMoreThanSweepBatchSizeWithRepeatsHasFewerWrites(t *testing.T) {
	f := newFixture(t, 1)
	iterationWrites := 1 + f.conf.SweepBatchSize/5
	for i := int64(0); i < 10; i++ {
		f.writeRowCommitted(0, i, iterationWrites)
	}

	batch := f.readConservative(0, 0, -1, testSweepTS)
	if len(batch.Writes) != iterationWrites {
		t.Errorf("Writes = %d, want %d", len(batch.Writes), iterationWrites)
	}
	if batch.LastSweptTimestamp != 4 {
		t.Errorf("LastSweptTimestamp = %d, want 4", batch.LastSweptTimestamp)
	}
	if got := f.counter("atlasdb_sweep_entries_read_total", "conservative"); got != float64(5*iterationWrites) {
		t.Errorf("EntriesRead = %v, want %d", got, 5*iterationWrites)
	}
}

func TestReturnNothingWhenMoreThanBatchSizeUncommitted(t *testing.T) {
	f := newFixture(t, 1)
	iterationWrites := 1 + f.conf.SweepBatchSize/5
	for i := int64(0); i < 10; i++ {
		f.writeRowWithoutCommit(i, i, iterationWrites)
	}
	f.writeRowCommitted(10, 10, iterationWrites)

	batch := f.readConservative(0, 0, -1, testSweepTS)
	if len(batch.Writes) != 0 {
		t.Errorf("Expected no writes, got %d", len(batch.Writes))
	}
	if batch.LastSweptTimestamp != 4 {
		t.Errorf("LastSweptTimestamp = %d, want 4", batch.LastSweptTimestamp)
	}
	if got := f.counter("atlasdb_sweep_aborted_writes_deleted_total", "conservative"); got != float64(5*iterationWrites) {
		t.Errorf("AbortedWritesDeleted = %v, want %d", got, 5*iterationWrites)
	}
}

func TestChangingNumberOfShardsKeepsOldWritesRetrievable(t *testing.T) {
	f := newFixture(t, 1)
	f.writeCommitted(tableCons, testTS)

	if _, err := f.progress.UpdateNumberOfShards(f.ctx, 8); err != nil {
		t.Fatalf("UpdateNumberOfShards failed: %v", err)
	}

	// The earlier enqueue routed to shard 0 under a single shard and is
	// not relocated by the resize.
	batch := f.readConservative(0, 0, testTS-1, testSweepTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS))
}

func TestLateCommitIsSkippedNotDeleted(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)

	// Commits at the sweep horizon: started in the window, committed
	// beyond it.
	f.commit(testTS+1, testSweepTS+50)
	f.writeWithoutCommit(tableCons, testTS+1)

	batch := f.readConservative(shard, 0, testTS-1, testSweepTS)
	f.assertWrites(batch, Write(tableCons, defaultCell(), testTS))
	if got := len(f.kvs.deletedVersions(tableCons)); got != 0 {
		t.Errorf("Late commit must not be deleted, got %d deletes", got)
	}
}

func TestCleanupNonDedicatedRow(t *testing.T) {
	f := newFixture(t, 1)
	f.writeRowCommitted(0, testTS+1, f.conf.MaxCellsGeneric)
	f.writeRowCommitted(1, testTS+3, f.conf.MaxCellsGeneric)

	if err := f.cells.DeleteNonDedicatedRow(f.ctx, Conservative(0), 0); err != nil {
		t.Fatalf("DeleteNonDedicatedRow failed: %v", err)
	}

	wantRow := referenceRow(Conservative(0), 0).persistToBytes()
	ranges := f.kvs.deletedRanges(SweepableCellsTable)
	if len(ranges) != 1 {
		t.Fatalf("Expected 1 range delete, got %d", len(ranges))
	}
	assertRangeCoversRow(t, ranges[0], wantRow)

	batch := f.readConservative(0, 0, testTS, testSweepTS)
	if len(batch.Writes) != 0 {
		t.Errorf("Reference row still readable after cleanup: %d writes", len(batch.Writes))
	}
}

func TestCleanupMultipleDedicatedRows(t *testing.T) {
	f := newFixture(t, 1)
	f.writeRowCommitted(0, testTS+1, 2*f.conf.MaxCellsDedicated+1)

	if err := f.cells.DeleteDedicatedRows(f.ctx, Conservative(0), 0); err != nil {
		t.Fatalf("DeleteDedicatedRows failed: %v", err)
	}

	ranges := f.kvs.deletedRanges(SweepableCellsTable)
	if len(ranges) != 3 {
		t.Fatalf("Expected 3 range deletes, got %d", len(ranges))
	}
	for k := int64(0); k < 3; k++ {
		wantRow := dedicatedRow(Conservative(0), testTS+1, k).persistToBytes()
		assertRangeCoversRow(t, ranges[k], wantRow)
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	f.writeRowCommitted(0, testTS+1, 10)

	for i := 0; i < 2; i++ {
		if err := f.cells.DeleteDedicatedRows(f.ctx, Conservative(0), 0); err != nil {
			t.Fatalf("DeleteDedicatedRows run %d failed: %v", i, err)
		}
		if err := f.cells.DeleteNonDedicatedRow(f.ctx, Conservative(0), 0); err != nil {
			t.Fatalf("DeleteNonDedicatedRow run %d failed: %v", i, err)
		}
	}

	batch := f.readConservative(0, 0, testTS, testSweepTS)
	if len(batch.Writes) != 0 {
		t.Errorf("Queue rows survived repeated cleanup")
	}
}

func TestDanglingPointerFailsLoudly(t *testing.T) {
	f := newFixture(t, 1)
	f.writeRowCommitted(0, testTS+1, 2*f.conf.MaxCellsDedicated+1)

	// Simulate a lost chain row.
	middle := dedicatedRow(Conservative(0), testTS+1, 1).persistToBytes()
	if err := f.kvs.DeleteRange(f.ctx, SweepableCellsTable, kv.PrefixRange(middle)); err != nil {
		t.Fatalf("Setup delete failed: %v", err)
	}

	_, err := f.cells.GetBatchForPartition(f.ctx, Conservative(0), 0, testTS, testTS+2)
	if !errors.Is(err, ErrDanglingPointer) {
		t.Errorf("Expected ErrDanglingPointer, got %v", err)
	}
}

func TestReadIsRestartable(t *testing.T) {
	f := newFixture(t, defaultTestShards)
	shard := f.writeCommitted(tableCons, testTS)
	f.writeAborted(tableCons, testTS+1)

	first := f.readConservative(shard, 0, testTS-1, testSweepTS)
	second := f.readConservative(shard, 0, testTS-1, testSweepTS)

	f.assertWrites(first, Write(tableCons, defaultCell(), testTS))
	f.assertWrites(second, Write(tableCons, defaultCell(), testTS))
	if second.LastSweptTimestamp < first.LastSweptTimestamp {
		t.Errorf("LastSweptTimestamp went backwards: %d then %d",
			first.LastSweptTimestamp, second.LastSweptTimestamp)
	}
}

func TestEnqueueReturnsTouchedDomains(t *testing.T) {
	f := newFixture(t, 1)
	touched := f.enqueue(
		Write(tableCons, defaultCell(), testTS),
		Write(tableThor, defaultCell(), testTS),
		Write("table.untracked", defaultCell(), testTS),
	)

	if len(touched) != 2 {
		t.Fatalf("Expected 2 domains, got %v", touched)
	}
	if _, ok := touched[Conservative(0)]; !ok {
		t.Error("Conservative domain missing")
	}
	if _, ok := touched[Thorough(0)]; !ok {
		t.Error("Thorough domain missing")
	}
}

// putThoroughCommitted writes the default cell to the thorough table.
func (f *fixture) putThoroughCommitted(ts int64) int {
	f.t.Helper()
	f.commit(ts, ts)
	w := Write(tableThor, defaultCell(), ts)
	f.enqueue(w)
	return f.shardOf(w)
}

func assertRangeCoversRow(t *testing.T, req kv.RangeRequest, row []byte) {
	t.Helper()
	if !bytes.Equal(req.StartRowInclusive, row) {
		t.Errorf("Range start = %x, want %x", req.StartRowInclusive, row)
	}
	if !bytes.Equal(req.EndRowExclusive, kv.NextLexicographicName(row)) {
		t.Errorf("Range end = %x, want next lexicographic of %x", req.EndRowExclusive, row)
	}
}
