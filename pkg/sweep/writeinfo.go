package sweep

import (
	"fmt"

	"github.com/nathklei/atlasdb/pkg/kv"
)

// WriteInfo records one transactional write for later sweeping: the table
// and cell written, the transaction's start timestamp, and whether the
// write was a deletion tombstone. Two WriteInfos refer to the same user
// cell when their table and cell match; the timestamp is a version, not
// part of the identity.
type WriteInfo struct {
	Table       kv.TableReference
	Cell        kv.Cell
	Timestamp   int64
	IsTombstone bool
}

// Write creates a WriteInfo for a regular write.
func Write(table kv.TableReference, cell kv.Cell, ts int64) WriteInfo {
	return WriteInfo{Table: table, Cell: cell, Timestamp: ts}
}

// Tombstone creates a WriteInfo for a deletion tombstone.
func Tombstone(table kv.TableReference, cell kv.Cell, ts int64) WriteInfo {
	return WriteInfo{Table: table, Cell: cell, Timestamp: ts, IsTombstone: true}
}

// WithTimestamp returns a copy of the write at a different version.
func (w WriteInfo) WithTimestamp(ts int64) WriteInfo {
	w.Timestamp = ts
	return w
}

// String renders the write for logs and test failures.
func (w WriteInfo) String() string {
	kind := "write"
	if w.IsTombstone {
		kind = "tombstone"
	}
	return fmt.Sprintf("%s{%s %s @%d}", kind, w.Table, w.Cell, w.Timestamp)
}

// cellReference is the comparable identity of a user cell, used for
// latest-per-cell reduction and delete grouping.
type cellReference struct {
	table kv.TableReference
	row   string
	col   string
}

func (w WriteInfo) cellRef() cellReference {
	return cellReference{
		table: w.Table,
		row:   string(w.Cell.RowName),
		col:   string(w.Cell.ColumnName),
	}
}
