package kv

import (
	"bytes"
	"fmt"
)

// TableReference identifies a table within the key-value service.
type TableReference string

// Cell addresses a single (row, column) coordinate within a table.
// Cells are compared by byte content; the version timestamp is not part
// of a cell's identity.
type Cell struct {
	RowName    []byte
	ColumnName []byte
}

// NewCell creates a cell from row and column names.
func NewCell(row, col []byte) Cell {
	return Cell{RowName: row, ColumnName: col}
}

// Equals reports whether two cells address the same coordinate.
func (c Cell) Equals(other Cell) bool {
	return bytes.Equal(c.RowName, other.RowName) && bytes.Equal(c.ColumnName, other.ColumnName)
}

// Key returns a string usable as a map key for this cell. Row and column
// are separated by a length prefix so distinct cells never collide.
func (c Cell) Key() string {
	return fmt.Sprintf("%d:%s%s", len(c.RowName), c.RowName, c.ColumnName)
}

// String renders the cell for logs.
func (c Cell) String() string {
	return fmt.Sprintf("cell{row=%x, col=%x}", c.RowName, c.ColumnName)
}

// Value is a timestamped value read from the key-value service.
type Value struct {
	Contents  []byte
	Timestamp int64
}

// Entry is a cell together with the bytes to write to it.
type Entry struct {
	Cell     Cell
	Contents []byte
}

// CellTimestamp pairs a cell with a single version timestamp. Its meaning
// depends on the operation: for Get it is the exclusive upper bound on the
// versions considered, for Delete it names the exact version to remove,
// and for DeleteAllTimestamps it is the exclusive upper bound on the
// versions removed.
type CellTimestamp struct {
	Cell      Cell
	Timestamp int64
}

// CellValue is a cell together with the value read for it.
type CellValue struct {
	Cell  Cell
	Value Value
}

// ColumnValue is one column of a row, with its visible value.
type ColumnValue struct {
	ColumnName []byte
	Value      Value
}

// RowResult is one row of a range scan: the row name and its visible
// columns in ascending column order.
type RowResult struct {
	RowName []byte
	Columns []ColumnValue
}

// CheckAndSetRequest describes an atomic compare-and-swap on a single
// cell. Check-and-set cells are unversioned: they are pinned at timestamp
// zero. A nil OldValue means the cell must not exist yet.
type CheckAndSetRequest struct {
	Table    TableReference
	Cell     Cell
	OldValue []byte
	NewValue []byte
}
