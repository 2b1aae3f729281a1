package sweep

import (
	"github.com/nathklei/atlasdb/pkg/pools"
)

// Metadata byte layout: one flag byte (bit 7 conservative, bit 6
// dedicated), a 3-byte big-endian shard, and a 5-byte big-endian
// dedicated row number. Fixed width keeps row keys lexicographically
// ordered; within a dedicated chain the trailing row number makes
// successive rows sort strictly ascending.
const (
	metadataSize = 9

	flagConservative = 0x80
	flagDedicated    = 0x40

	maxShardEncodable     = 1<<24 - 1
	maxDedicatedRowNumber = 1<<40 - 1
)

// TargetedSweepMetadata is the decoded form of the metadata suffix of a
// sweep queue row key.
type TargetedSweepMetadata struct {
	Conservative       bool
	DedicatedRow       bool
	Shard              int
	DedicatedRowNumber int64
}

// PersistToBytes encodes the metadata into its fixed-width byte layout.
func (m TargetedSweepMetadata) PersistToBytes() []byte {
	b := pools.NewBufferBuilder(metadataSize)
	var flags byte
	if m.Conservative {
		flags |= flagConservative
	}
	if m.DedicatedRow {
		flags |= flagDedicated
	}
	_ = b.WriteByte(flags)
	b.WriteUint24BE(uint32(m.Shard))
	b.WriteUint40BE(uint64(m.DedicatedRowNumber))
	return b.Bytes()
}

// HydrateMetadata decodes metadata bytes; the round trip with
// PersistToBytes is lossless.
func HydrateMetadata(b []byte) (TargetedSweepMetadata, error) {
	if len(b) != metadataSize {
		return TargetedSweepMetadata{}, corruptRow(b, "metadata has wrong length")
	}
	flags := b[0]
	if flags&^(flagConservative|flagDedicated) != 0 {
		return TargetedSweepMetadata{}, corruptRow(b, "metadata has unknown flag bits")
	}
	shard := int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	var rowNumber int64
	for _, c := range b[4:9] {
		rowNumber = rowNumber<<8 | int64(c)
	}
	return TargetedSweepMetadata{
		Conservative:       flags&flagConservative != 0,
		DedicatedRow:       flags&flagDedicated != 0,
		Shard:              shard,
		DedicatedRowNumber: rowNumber,
	}, nil
}

func metadataFor(ss ShardAndStrategy, dedicated bool, rowNumber int64) TargetedSweepMetadata {
	return TargetedSweepMetadata{
		Conservative:       ss.Strategy == StrategyConservative,
		DedicatedRow:       dedicated,
		Shard:              ss.Shard,
		DedicatedRowNumber: rowNumber,
	}
}

func (m TargetedSweepMetadata) shardAndStrategy() ShardAndStrategy {
	if m.Conservative {
		return Conservative(m.Shard)
	}
	return Thorough(m.Shard)
}
