// Package inmem provides an ordered, multi-version, in-memory
// implementation of kv.KeyValueService. It backs the single-node engine
// and the test suites.
package inmem

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/nathklei/atlasdb/pkg/kv"
)

const btreeDegree = 16

// version is one (cell, timestamp) -> contents record.
type version struct {
	row, col []byte
	ts       int64
	contents []byte
}

func versionLess(a, b version) bool {
	if c := bytes.Compare(a.row, b.row); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(a.col, b.col); c != 0 {
		return c < 0
	}
	return a.ts < b.ts
}

// Store is an in-memory MVCC key-value service ordered by (row, column,
// timestamp). All operations are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	tables map[kv.TableReference]*btree.BTreeG[version]
	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{tables: make(map[kv.TableReference]*btree.BTreeG[version])}
}

// table returns the tree for a table, creating it on first write.
func (s *Store) table(ref kv.TableReference, create bool) *btree.BTreeG[version] {
	if t, ok := s.tables[ref]; ok {
		return t
	}
	if !create {
		return nil
	}
	t := btree.NewG(btreeDegree, versionLess)
	s.tables[ref] = t
	return t
}

// Get returns the latest version strictly below each requested timestamp.
func (s *Store) Get(ctx context.Context, table kv.TableReference, reqs []kv.CellTimestamp) ([]kv.CellValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	t := s.table(table, false)
	if t == nil {
		return nil, nil
	}

	var out []kv.CellValue
	for _, req := range reqs {
		pivot := version{row: req.Cell.RowName, col: req.Cell.ColumnName, ts: req.Timestamp - 1}
		var found *version
		t.DescendLessOrEqual(pivot, func(v version) bool {
			if bytes.Equal(v.row, req.Cell.RowName) && bytes.Equal(v.col, req.Cell.ColumnName) {
				found = &v
			}
			return false
		})
		if found != nil {
			out = append(out, kv.CellValue{
				Cell:  req.Cell,
				Value: kv.Value{Contents: found.contents, Timestamp: found.ts},
			})
		}
	}
	return out, nil
}

// GetRange scans rows in [start, end), exposing the latest version below
// ts for every column. The result is a snapshot taken under the read
// lock.
func (s *Store) GetRange(ctx context.Context, table kv.TableReference, req kv.RangeRequest, ts int64) (kv.RangeIterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	t := s.table(table, false)
	if t == nil {
		return kv.NewSliceIterator(nil), nil
	}

	var rows []kv.RowResult
	var cur *kv.RowResult
	var curCol []byte
	var curVal *kv.Value

	flushCol := func() {
		if curVal != nil {
			cur.Columns = append(cur.Columns, kv.ColumnValue{ColumnName: curCol, Value: *curVal})
			curVal = nil
		}
	}
	flushRow := func() {
		if cur != nil {
			flushCol()
			if len(cur.Columns) > 0 {
				rows = append(rows, *cur)
			}
			cur = nil
		}
	}

	visit := func(v version) bool {
		if len(req.EndRowExclusive) > 0 && bytes.Compare(v.row, req.EndRowExclusive) >= 0 {
			return false
		}
		if cur == nil || !bytes.Equal(cur.RowName, v.row) {
			flushRow()
			cur = &kv.RowResult{RowName: v.row}
			curCol = nil
		}
		if !bytes.Equal(curCol, v.col) {
			flushCol()
			curCol = v.col
		}
		if v.ts < ts {
			// Ascending timestamp order within the column: the last
			// version seen below ts is the visible one.
			curVal = &kv.Value{Contents: v.contents, Timestamp: v.ts}
		}
		return true
	}

	t.AscendGreaterOrEqual(version{row: req.StartRowInclusive}, visit)
	flushRow()
	return kv.NewSliceIterator(rows), nil
}

// Put writes every entry at the given timestamp.
func (s *Store) Put(ctx context.Context, table kv.TableReference, entries []kv.Entry, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	t := s.table(table, true)
	for _, e := range entries {
		t.ReplaceOrInsert(version{row: e.Cell.RowName, col: e.Cell.ColumnName, ts: ts, contents: e.Contents})
	}
	return nil
}

// Delete removes the exact versions named; missing versions are ignored.
func (s *Store) Delete(ctx context.Context, table kv.TableReference, versions []kv.CellTimestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	t := s.table(table, false)
	if t == nil {
		return nil
	}
	for _, v := range versions {
		t.Delete(version{row: v.Cell.RowName, col: v.Cell.ColumnName, ts: v.Timestamp})
	}
	return nil
}

// DeleteAllTimestamps removes every version of each cell strictly below
// the paired timestamp.
func (s *Store) DeleteAllTimestamps(ctx context.Context, table kv.TableReference, bounds []kv.CellTimestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	t := s.table(table, false)
	if t == nil {
		return nil
	}
	for _, b := range bounds {
		var doomed []version
		pivot := version{row: b.Cell.RowName, col: b.Cell.ColumnName, ts: -1 << 62}
		t.AscendGreaterOrEqual(pivot, func(v version) bool {
			if !bytes.Equal(v.row, b.Cell.RowName) || !bytes.Equal(v.col, b.Cell.ColumnName) {
				return false
			}
			if v.ts >= b.Timestamp {
				return false
			}
			doomed = append(doomed, v)
			return true
		})
		for _, v := range doomed {
			t.Delete(v)
		}
	}
	return nil
}

// DeleteRange removes every version in rows [start, end). Empty ranges
// are a no-op.
func (s *Store) DeleteRange(ctx context.Context, table kv.TableReference, req kv.RangeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	t := s.table(table, false)
	if t == nil {
		return nil
	}
	var doomed []version
	t.AscendGreaterOrEqual(version{row: req.StartRowInclusive}, func(v version) bool {
		if len(req.EndRowExclusive) > 0 && bytes.Compare(v.row, req.EndRowExclusive) >= 0 {
			return false
		}
		doomed = append(doomed, v)
		return true
	})
	for _, v := range doomed {
		t.Delete(v)
	}
	return nil
}

// CheckAndSet atomically swaps the value of an unversioned cell, pinned
// at timestamp zero.
func (s *Store) CheckAndSet(ctx context.Context, req kv.CheckAndSetRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	t := s.table(req.Table, true)
	key := version{row: req.Cell.RowName, col: req.Cell.ColumnName, ts: 0}
	current, exists := t.Get(key)

	if req.OldValue == nil {
		if exists {
			return &kv.CheckAndSetError{Table: req.Table, Cell: req.Cell, Actual: current.contents}
		}
	} else {
		if !exists || !bytes.Equal(current.contents, req.OldValue) {
			var actual []byte
			if exists {
				actual = current.contents
			}
			return &kv.CheckAndSetError{Table: req.Table, Cell: req.Cell, Actual: actual}
		}
	}
	key.contents = req.NewValue
	t.ReplaceOrInsert(key)
	return nil
}

// Close marks the store closed; subsequent operations fail with
// kv.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
