package sweep

import (
	"encoding/binary"

	"github.com/golang/snappy"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/pools"
)

// Queue values are either a serialized write reference — (table, cell,
// tombstone flag) — or a pointer marker describing a dedicated chain.
// Write-reference payloads above compressionThreshold are
// snappy-compressed; cells with long row keys benefit, small ones skip
// the overhead.
const (
	valueFlagTombstone  = 0x01
	valueFlagCompressed = 0x02
	valueFlagPointer    = 0x80

	compressionThreshold = 256
)

// entryValue encodes a write reference into queue value bytes.
func entryValue(w WriteInfo) []byte {
	payload := pools.NewBufferBuilder(len(w.Table) + len(w.Cell.RowName) + len(w.Cell.ColumnName) + 12)
	appendBytes(payload, []byte(w.Table))
	appendBytes(payload, w.Cell.RowName)
	appendBytes(payload, w.Cell.ColumnName)

	var flags byte
	body := payload.Bytes()
	if w.IsTombstone {
		flags |= valueFlagTombstone
	}
	if len(body) > compressionThreshold {
		flags |= valueFlagCompressed
		body = snappy.Encode(nil, body)
	}

	out := make([]byte, 0, len(body)+1)
	out = append(out, flags)
	return append(out, body...)
}

// decodeEntryValue decodes queue value bytes into the write they
// reference, at the given start timestamp.
func decodeEntryValue(b []byte, startTs int64) (WriteInfo, error) {
	if len(b) == 0 {
		return WriteInfo{}, corruptValue(b, "empty value")
	}
	flags := b[0]
	if flags&valueFlagPointer != 0 {
		return WriteInfo{}, corruptValue(b, "pointer value where write reference expected")
	}
	body := b[1:]
	if flags&valueFlagCompressed != 0 {
		decoded, err := snappy.Decode(nil, body)
		if err != nil {
			return WriteInfo{}, corruptValue(b, "snappy payload does not decode")
		}
		body = decoded
	}

	table, body, err := consumeBytes(body)
	if err != nil {
		return WriteInfo{}, corruptValue(b, "truncated table reference")
	}
	row, body, err := consumeBytes(body)
	if err != nil {
		return WriteInfo{}, corruptValue(b, "truncated row name")
	}
	col, body, err := consumeBytes(body)
	if err != nil {
		return WriteInfo{}, corruptValue(b, "truncated column name")
	}
	if len(body) != 0 {
		return WriteInfo{}, corruptValue(b, "trailing bytes after write reference")
	}

	return WriteInfo{
		Table:       kv.TableReference(table),
		Cell:        kv.NewCell(row, col),
		Timestamp:   startTs,
		IsTombstone: flags&valueFlagTombstone != 0,
	}, nil
}

// dedicatedPointer describes a dedicated chain from the reference row's
// point of view.
type dedicatedPointer struct {
	FirstRowNumber int64
	NumRows        int64
}

// pointerValue encodes a pointer marker.
func pointerValue(p dedicatedPointer) []byte {
	out := make([]byte, 1, 1+2*binary.MaxVarintLen64)
	out[0] = valueFlagPointer
	out = binary.AppendUvarint(out, uint64(p.FirstRowNumber))
	out = binary.AppendUvarint(out, uint64(p.NumRows))
	return out
}

// decodePointerValue decodes a pointer marker.
func decodePointerValue(b []byte) (dedicatedPointer, error) {
	if len(b) == 0 || b[0]&valueFlagPointer == 0 {
		return dedicatedPointer{}, corruptValue(b, "write reference where pointer expected")
	}
	body := b[1:]
	first, n := binary.Uvarint(body)
	if n <= 0 {
		return dedicatedPointer{}, corruptValue(b, "truncated pointer row number")
	}
	body = body[n:]
	rows, n := binary.Uvarint(body)
	if n <= 0 || rows == 0 {
		return dedicatedPointer{}, corruptValue(b, "truncated or empty pointer row count")
	}
	if len(body[n:]) != 0 {
		return dedicatedPointer{}, corruptValue(b, "trailing bytes after pointer")
	}
	return dedicatedPointer{FirstRowNumber: int64(first), NumRows: int64(rows)}, nil
}

func isPointerValue(b []byte) bool {
	return len(b) > 0 && b[0]&valueFlagPointer != 0
}

func appendBytes(b *pools.BufferBuilder, p []byte) {
	var scratch [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(scratch[:], uint64(len(p)))
	b.Write(scratch[:n])
	b.Write(p)
}

func consumeBytes(b []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(b)
	if n <= 0 || uint64(len(b[n:])) < length {
		return nil, nil, corruptValue(b, "truncated length-prefixed field")
	}
	return b[n : n+int(length)], b[n+int(length):], nil
}
