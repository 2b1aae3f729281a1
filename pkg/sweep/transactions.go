package sweep

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/nathklei/atlasdb/pkg/kv"
)

// TransactionsTable maps a transaction's start timestamp to its commit
// timestamp. The aborted sentinel −1 marks transactions that will never
// commit.
const TransactionsTable kv.TableReference = "atlas.transactions"

// AbortedTransactionTimestamp is the commit value stored for aborted
// transactions.
const AbortedTransactionTimestamp int64 = -1

var commitColumn = []byte("t")

// CommitState classifies a transaction as seen by the sweeper.
type CommitState uint8

const (
	// TransactionCommitted means a commit timestamp is recorded.
	TransactionCommitted CommitState = iota
	// TransactionAborted means the aborted sentinel is recorded.
	TransactionAborted
	// TransactionUnknown means no entry exists: the transaction is
	// in flight, or its writer died before committing.
	TransactionUnknown
)

// TransactionStatus is the resolved state of one transaction.
type TransactionStatus struct {
	State           CommitState
	CommitTimestamp int64
}

// TransactionService is the view of the transaction table the sweep
// queue needs: commit-state lookups and the conditional put used both to
// commit and to abort in band.
type TransactionService interface {
	// Get resolves the state of a single transaction.
	Get(ctx context.Context, startTs int64) (TransactionStatus, error)

	// GetBatch resolves many transactions at once. Every requested
	// timestamp is present in the result.
	GetBatch(ctx context.Context, startTs []int64) (map[int64]TransactionStatus, error)

	// PutUnlessExists records commitTs for startTs if and only if no
	// state is recorded yet. A lost race surfaces as
	// kv.ErrCheckAndSetFailed.
	PutUnlessExists(ctx context.Context, startTs, commitTs int64) error
}

// KVTransactions is the KVS-backed transaction service.
type KVTransactions struct {
	kvs kv.KeyValueService
}

// NewTransactionService creates a transaction service on the given KVS.
func NewTransactionService(kvs kv.KeyValueService) *KVTransactions {
	return &KVTransactions{kvs: kvs}
}

// Get resolves the state of a single transaction.
func (t *KVTransactions) Get(ctx context.Context, startTs int64) (TransactionStatus, error) {
	states, err := t.GetBatch(ctx, []int64{startTs})
	if err != nil {
		return TransactionStatus{}, err
	}
	return states[startTs], nil
}

// GetBatch resolves many transactions with one read.
func (t *KVTransactions) GetBatch(ctx context.Context, startTs []int64) (map[int64]TransactionStatus, error) {
	reqs := make([]kv.CellTimestamp, 0, len(startTs))
	for _, ts := range startTs {
		reqs = append(reqs, kv.CellTimestamp{Cell: transactionCell(ts), Timestamp: queueReadTs})
	}
	results, err := t.kvs.Get(ctx, TransactionsTable, reqs)
	if err != nil {
		return nil, kv.NewStoreError("GetCommitStates", TransactionsTable, err)
	}

	states := make(map[int64]TransactionStatus, len(startTs))
	for _, ts := range startTs {
		states[ts] = TransactionStatus{State: TransactionUnknown}
	}
	for _, r := range results {
		commitTs := int64(binary.BigEndian.Uint64(r.Value.Contents))
		start := int64(binary.BigEndian.Uint64(r.Cell.RowName))
		if commitTs == AbortedTransactionTimestamp {
			states[start] = TransactionStatus{State: TransactionAborted, CommitTimestamp: commitTs}
		} else {
			states[start] = TransactionStatus{State: TransactionCommitted, CommitTimestamp: commitTs}
		}
	}
	return states, nil
}

// PutUnlessExists records a commit state for a transaction that has none.
func (t *KVTransactions) PutUnlessExists(ctx context.Context, startTs, commitTs int64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(commitTs))
	err := t.kvs.CheckAndSet(ctx, kv.CheckAndSetRequest{
		Table:    TransactionsTable,
		Cell:     transactionCell(startTs),
		OldValue: nil,
		NewValue: value,
	})
	if err != nil && !errors.Is(err, kv.ErrCheckAndSetFailed) {
		return kv.NewStoreError("PutUnlessExists", TransactionsTable, err)
	}
	return err
}

func transactionCell(startTs int64) kv.Cell {
	row := make([]byte, 8)
	binary.BigEndian.PutUint64(row, uint64(startTs))
	return kv.NewCell(row, commitColumn)
}
