// Package pgkvs implements kv.KeyValueService on PostgreSQL. Every
// version is one row of a single cells table keyed by (table name, row,
// column, timestamp), which keeps range scans a single ordered index
// walk.
package pgkvs

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nathklei/atlasdb/pkg/kv"
)

// Store is a PostgreSQL-backed key-value service.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store with a pooled connection, verifying connectivity
// and creating the schema if it does not exist.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS atlas_cells (
			table_name TEXT NOT NULL,
			row_name BYTEA NOT NULL,
			col_name BYTEA NOT NULL,
			ts BIGINT NOT NULL,
			val BYTEA,
			PRIMARY KEY (table_name, row_name, col_name, ts)
		)
	`)
	return err
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Get returns the latest version strictly below each requested timestamp.
func (s *Store) Get(ctx context.Context, table kv.TableReference, reqs []kv.CellTimestamp) ([]kv.CellValue, error) {
	query := `
		SELECT val, ts FROM atlas_cells
		WHERE table_name = $1 AND row_name = $2 AND col_name = $3 AND ts < $4
		ORDER BY ts DESC LIMIT 1
	`
	var out []kv.CellValue
	for _, req := range reqs {
		var contents []byte
		var ts int64
		err := s.pool.QueryRow(ctx, query,
			string(table), req.Cell.RowName, req.Cell.ColumnName, req.Timestamp,
		).Scan(&contents, &ts)
		if err == pgx.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, kv.NewStoreError("Get", table, err)
		}
		out = append(out, kv.CellValue{Cell: req.Cell, Value: kv.Value{Contents: contents, Timestamp: ts}})
	}
	return out, nil
}

// GetRange scans rows in [start, end) and reduces each column to its
// latest version below ts.
func (s *Store) GetRange(ctx context.Context, table kv.TableReference, req kv.RangeRequest, ts int64) (kv.RangeIterator, error) {
	query := `
		SELECT row_name, col_name, ts, val FROM atlas_cells
		WHERE table_name = $1 AND row_name >= $2 AND ts < $3
	`
	args := []any{string(table), req.StartRowInclusive, ts}
	if len(req.EndRowExclusive) > 0 {
		query += ` AND row_name < $4`
		args = append(args, req.EndRowExclusive)
	}
	query += ` ORDER BY row_name, col_name, ts`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kv.NewStoreError("GetRange", table, err)
	}
	defer rows.Close()

	var results []kv.RowResult
	var cur *kv.RowResult
	for rows.Next() {
		var rowName, colName, contents []byte
		var versionTs int64
		if err := rows.Scan(&rowName, &colName, &versionTs, &contents); err != nil {
			return nil, kv.NewStoreError("GetRange", table, err)
		}
		if cur == nil || string(cur.RowName) != string(rowName) {
			if cur != nil {
				results = append(results, *cur)
			}
			cur = &kv.RowResult{RowName: rowName}
		}
		value := kv.ColumnValue{ColumnName: colName, Value: kv.Value{Contents: contents, Timestamp: versionTs}}
		// Ascending timestamp order: the last version of a column wins.
		if n := len(cur.Columns); n > 0 && string(cur.Columns[n-1].ColumnName) == string(colName) {
			cur.Columns[n-1] = value
		} else {
			cur.Columns = append(cur.Columns, value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, kv.NewStoreError("GetRange", table, err)
	}
	if cur != nil {
		results = append(results, *cur)
	}
	return kv.NewSliceIterator(results), nil
}

// Put writes the entries at the given timestamp, overwriting any
// existing contents of the same version.
func (s *Store) Put(ctx context.Context, table kv.TableReference, entries []kv.Entry, ts int64) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO atlas_cells (table_name, row_name, col_name, ts, val)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (table_name, row_name, col_name, ts) DO UPDATE SET val = EXCLUDED.val
	`
	for _, e := range entries {
		batch.Queue(query, string(table), e.Cell.RowName, e.Cell.ColumnName, ts, e.Contents)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return kv.NewStoreError("Put", table, err)
	}
	return nil
}

// Delete removes the exact versions named.
func (s *Store) Delete(ctx context.Context, table kv.TableReference, versions []kv.CellTimestamp) error {
	batch := &pgx.Batch{}
	query := `
		DELETE FROM atlas_cells
		WHERE table_name = $1 AND row_name = $2 AND col_name = $3 AND ts = $4
	`
	for _, v := range versions {
		batch.Queue(query, string(table), v.Cell.RowName, v.Cell.ColumnName, v.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return kv.NewStoreError("Delete", table, err)
	}
	return nil
}

// DeleteAllTimestamps removes all versions of each cell strictly below
// the paired timestamp.
func (s *Store) DeleteAllTimestamps(ctx context.Context, table kv.TableReference, bounds []kv.CellTimestamp) error {
	batch := &pgx.Batch{}
	query := `
		DELETE FROM atlas_cells
		WHERE table_name = $1 AND row_name = $2 AND col_name = $3 AND ts < $4
	`
	for _, b := range bounds {
		batch.Queue(query, string(table), b.Cell.RowName, b.Cell.ColumnName, b.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return kv.NewStoreError("DeleteAllTimestamps", table, err)
	}
	return nil
}

// DeleteRange removes every version in rows [start, end).
func (s *Store) DeleteRange(ctx context.Context, table kv.TableReference, req kv.RangeRequest) error {
	query := `DELETE FROM atlas_cells WHERE table_name = $1 AND row_name >= $2`
	args := []any{string(table), req.StartRowInclusive}
	if len(req.EndRowExclusive) > 0 {
		query += ` AND row_name < $3`
		args = append(args, req.EndRowExclusive)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return kv.NewStoreError("DeleteRange", table, err)
	}
	return nil
}

// CheckAndSet atomically swaps the value of an unversioned cell pinned
// at timestamp zero.
func (s *Store) CheckAndSet(ctx context.Context, req kv.CheckAndSetRequest) error {
	if req.OldValue == nil {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO atlas_cells (table_name, row_name, col_name, ts, val)
			VALUES ($1, $2, $3, 0, $4)
			ON CONFLICT DO NOTHING
		`, string(req.Table), req.Cell.RowName, req.Cell.ColumnName, req.NewValue)
		if err != nil {
			return kv.NewStoreError("CheckAndSet", req.Table, err)
		}
		if tag.RowsAffected() == 0 {
			return s.casFailure(ctx, req)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE atlas_cells SET val = $5
		WHERE table_name = $1 AND row_name = $2 AND col_name = $3 AND ts = 0 AND val = $4
	`, string(req.Table), req.Cell.RowName, req.Cell.ColumnName, req.OldValue, req.NewValue)
	if err != nil {
		return kv.NewStoreError("CheckAndSet", req.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return s.casFailure(ctx, req)
	}
	return nil
}

func (s *Store) casFailure(ctx context.Context, req kv.CheckAndSetRequest) error {
	var actual []byte
	err := s.pool.QueryRow(ctx, `
		SELECT val FROM atlas_cells
		WHERE table_name = $1 AND row_name = $2 AND col_name = $3 AND ts = 0
	`, string(req.Table), req.Cell.RowName, req.Cell.ColumnName).Scan(&actual)
	if err != nil && err != pgx.ErrNoRows {
		return kv.NewStoreError("CheckAndSet", req.Table, err)
	}
	return &kv.CheckAndSetError{Table: req.Table, Cell: req.Cell, Actual: actual}
}
