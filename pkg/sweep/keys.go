package sweep

import (
	"github.com/nathklei/atlasdb/pkg/pools"
)

// Row keys are bigEndian(uint64 partition-or-anchor-timestamp) followed
// by the fixed-width metadata. Reference rows key on the fine partition;
// dedicated rows key on the anchor (start) timestamp of the transaction
// that spilled into them.
const rowKeySize = 8 + metadataSize

// Column keys are bigEndian(uint40 timestamp offset within the
// partition) followed by bigEndian(uint24 write index). A reserved write
// index marks pointer entries referencing dedicated chains.
const (
	columnKeySize = 5 + 3

	// dedicatedPointerIndex is the write index of a pointer entry. It
	// sorts after every real write index of the same timestamp.
	dedicatedPointerIndex = 1<<24 - 1
)

// sweepableCellsRow is the decoded form of a sweep queue row key.
type sweepableCellsRow struct {
	// TimestampOrPartition holds the fine partition for reference rows
	// and the anchor timestamp for dedicated rows.
	TimestampOrPartition int64
	Metadata             TargetedSweepMetadata
}

func (r sweepableCellsRow) persistToBytes() []byte {
	b := pools.NewBufferBuilder(rowKeySize)
	b.WriteUint64BE(uint64(r.TimestampOrPartition))
	b.Write(r.Metadata.PersistToBytes())
	return b.Bytes()
}

func hydrateRow(b []byte) (sweepableCellsRow, error) {
	if len(b) != rowKeySize {
		return sweepableCellsRow{}, corruptRow(b, "row key has wrong length")
	}
	var ts uint64
	for _, c := range b[:8] {
		ts = ts<<8 | uint64(c)
	}
	meta, err := HydrateMetadata(b[8:])
	if err != nil {
		return sweepableCellsRow{}, err
	}
	return sweepableCellsRow{TimestampOrPartition: int64(ts), Metadata: meta}, nil
}

// referenceRow builds the key of the single non-dedicated row of a
// (shard, strategy, fine partition).
func referenceRow(ss ShardAndStrategy, partition int64) sweepableCellsRow {
	return sweepableCellsRow{
		TimestampOrPartition: partition,
		Metadata:             metadataFor(ss, false, 0),
	}
}

// dedicatedRow builds the key of chain row number k anchored at the
// transaction's start timestamp.
func dedicatedRow(ss ShardAndStrategy, startTs int64, rowNumber int64) sweepableCellsRow {
	return sweepableCellsRow{
		TimestampOrPartition: startTs,
		Metadata:             metadataFor(ss, true, rowNumber),
	}
}

// sweepableCellsColumn is the decoded form of a sweep queue column key.
type sweepableCellsColumn struct {
	TimestampOffset int64
	WriteIndex      int64
}

func (c sweepableCellsColumn) persistToBytes() []byte {
	b := pools.NewBufferBuilder(columnKeySize)
	b.WriteUint40BE(uint64(c.TimestampOffset))
	b.WriteUint24BE(uint32(c.WriteIndex))
	return b.Bytes()
}

func hydrateColumn(b []byte) (sweepableCellsColumn, error) {
	if len(b) != columnKeySize {
		return sweepableCellsColumn{}, corruptRow(b, "column key has wrong length")
	}
	var offset uint64
	for _, c := range b[:5] {
		offset = offset<<8 | uint64(c)
	}
	var index uint64
	for _, c := range b[5:8] {
		index = index<<8 | uint64(c)
	}
	return sweepableCellsColumn{TimestampOffset: int64(offset), WriteIndex: int64(index)}, nil
}

func (c sweepableCellsColumn) isDedicatedPointer() bool {
	return c.WriteIndex == dedicatedPointerIndex
}
