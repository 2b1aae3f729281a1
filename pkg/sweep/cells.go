// Package sweep implements the targeted sweep queue of the database:
// every transactional write is enqueued into a cell table keyed by
// shard, strategy and fine time partition, so that a background sweeper
// can later reclaim overwritten and aborted versions one narrow
// timestamp window at a time, without scanning user tables.
//
// The implementation is split across:
//   - cells_write.go: the enqueue path
//   - cells_read.go: batch reads with commit resolution and in-band aborts
//   - cells_cleanup.go: deletion of fully swept partitions
package sweep

import (
	"math"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/logging"
	"github.com/nathklei/atlasdb/pkg/metrics"
)

// SweepableCellsTable holds the queue's reference and dedicated rows.
const SweepableCellsTable kv.TableReference = "sweep.cells"

// Queue cells are written at a fixed timestamp and read above it; the
// KVS's own versioning is unused inside the queue table.
const (
	queueWriteTs int64 = 0
	queueReadTs  int64 = math.MaxInt64
)

// SweepableCells is the queue's cell table. It owns the row layout, the
// batch read path, and the cleanup of fully swept partitions.
type SweepableCells struct {
	kvs         kv.KeyValueService
	txns        TransactionService
	partitioner *Partitioner
	metrics     *metrics.Registry
	log         logging.Logger
	conf        Config
}

// NewSweepableCells wires the queue against its collaborators.
func NewSweepableCells(
	kvs kv.KeyValueService,
	txns TransactionService,
	partitioner *Partitioner,
	m *metrics.Registry,
	log logging.Logger,
	conf Config,
) *SweepableCells {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if m == nil {
		m = metrics.DefaultRegistry()
	}
	return &SweepableCells{
		kvs:         kvs,
		txns:        txns,
		partitioner: partitioner,
		metrics:     m,
		log:         log.With(logging.Component("sweepable-cells")),
		conf:        conf,
	}
}
