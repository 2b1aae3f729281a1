package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nathklei/atlasdb/pkg/kv"
	"github.com/nathklei/atlasdb/pkg/logging"
	"github.com/nathklei/atlasdb/pkg/metrics"
)

// SweepTimestampProvider supplies the sweep horizon for a strategy: the
// exclusive upper bound on commit timestamps eligible for a sweep pass.
type SweepTimestampProvider interface {
	SweepTimestamp(ctx context.Context, strategy Strategy) (int64, error)
}

// SweepTimestampFunc adapts a function to SweepTimestampProvider.
type SweepTimestampFunc func(ctx context.Context, strategy Strategy) (int64, error)

// SweepTimestamp implements SweepTimestampProvider.
func (f SweepTimestampFunc) SweepTimestamp(ctx context.Context, strategy Strategy) (int64, error) {
	return f(ctx, strategy)
}

// SweepOutcome summarizes one sweep iteration of a shard.
type SweepOutcome struct {
	WritesSwept        int
	LastSweptTimestamp int64
	PartitionCleaned   bool
}

// Sweeper drives the queue in the background: per (shard, strategy) it
// reads the next batch, deletes the swept versions from user tables,
// advances shard progress, and cleans up fine partitions once they are
// fully swept. One worker goroutine runs per strategy; shards of a
// strategy are swept in turn, preserving the single-consumer-per-domain
// assumption.
type Sweeper struct {
	queue      *SweepableCells
	progress   *ShardProgress
	kvs        kv.KeyValueService
	tsProvider SweepTimestampProvider
	metrics    *metrics.Registry
	log        logging.Logger
	conf       Config

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewSweeper wires a background sweeper.
func NewSweeper(
	queue *SweepableCells,
	progress *ShardProgress,
	kvs kv.KeyValueService,
	tsProvider SweepTimestampProvider,
	m *metrics.Registry,
	log logging.Logger,
	conf Config,
) *Sweeper {
	if log == nil {
		log = logging.NewNopLogger()
	}
	if m == nil {
		m = metrics.DefaultRegistry()
	}
	return &Sweeper{
		queue:      queue,
		progress:   progress,
		kvs:        kvs,
		tsProvider: tsProvider,
		metrics:    m,
		log:        log.With(logging.Component("sweeper")),
		conf:       conf,
		stop:       make(chan struct{}),
	}
}

// Start persists the configured shard count and launches one worker per
// strategy.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.progress.UpdateNumberOfShards(ctx, s.conf.Shards); err != nil {
		return err
	}
	for _, strategy := range []Strategy{StrategyConservative, StrategyThorough} {
		s.wg.Add(1)
		go s.run(strategy)
	}
	return nil
}

// Stop terminates the workers and waits for them to exit. In-flight
// deletes and aborts stay durable; they are benign to redo.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Sweeper) run(strategy Strategy) {
	defer s.wg.Done()
	runID := uuid.NewString()
	log := s.log.With(logging.Strategy(strategy.String()), logging.RunID(runID))
	log.Info("Sweeper started")

	ticker := time.NewTicker(s.conf.PauseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			log.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.sweepAllShards(log, strategy)
		}
	}
}

func (s *Sweeper) sweepAllShards(log logging.Logger, strategy Strategy) {
	ctx := context.Background()
	numShards, err := s.progress.NumberOfShards(ctx)
	if err != nil {
		log.Error("Could not read shard count", logging.Error(err))
		s.metrics.RecordSweepError(strategy.String())
		return
	}
	for shard := 0; shard < numShards; shard++ {
		ss := ShardAndStrategy{Shard: shard, Strategy: strategy}
		outcome, err := s.SweepNextBatch(ctx, ss)
		if err != nil {
			log.Error("Sweep iteration failed", logging.Shard(shard), logging.Error(err))
			s.metrics.RecordSweepError(strategy.String())
			continue
		}
		if outcome.WritesSwept > 0 || outcome.PartitionCleaned {
			log.Info("Swept batch",
				logging.Shard(shard),
				logging.Count(outcome.WritesSwept),
				logging.Timestamp(outcome.LastSweptTimestamp),
				logging.Bool("partition_cleaned", outcome.PartitionCleaned))
		}
	}
}

// SweepNextBatch performs one sweep iteration for a shard: read the
// batch after the current watermark, delete swept versions, advance
// progress, and clean up the partition when it completes.
func (s *Sweeper) SweepNextBatch(ctx context.Context, ss ShardAndStrategy) (SweepOutcome, error) {
	sweepTs, err := s.tsProvider.SweepTimestamp(ctx, ss.Strategy)
	if err != nil {
		return SweepOutcome{}, err
	}
	last, err := s.progress.LastSweptTimestamp(ctx, ss)
	if err != nil {
		return SweepOutcome{}, err
	}
	if last+1 >= sweepTs {
		return SweepOutcome{LastSweptTimestamp: last}, nil
	}

	partition := s.conf.TsPartitionFine(last + 1)
	batch, err := s.queue.GetBatchForPartition(ctx, ss, partition, last, sweepTs)
	if err != nil {
		return SweepOutcome{}, err
	}

	if err := s.deleteSweptVersions(ctx, ss.Strategy, batch.Writes); err != nil {
		return SweepOutcome{}, err
	}

	persisted, err := s.progress.UpdateLastSweptTimestamp(ctx, ss, batch.LastSweptTimestamp)
	if err != nil {
		return SweepOutcome{}, err
	}
	s.metrics.SetLastSweptTimestamp(ss.Shard, ss.Strategy.String(), persisted)

	outcome := SweepOutcome{
		WritesSwept:        len(batch.Writes),
		LastSweptTimestamp: persisted,
	}

	if batch.LastSweptTimestamp == s.conf.MaxTsForFinePartition(partition) {
		// Dedicated rows first: the reference row owns the pointers
		// cleanup needs to find them.
		if err := s.queue.DeleteDedicatedRows(ctx, ss, partition); err != nil {
			return SweepOutcome{}, err
		}
		if err := s.queue.DeleteNonDedicatedRow(ctx, ss, partition); err != nil {
			return SweepOutcome{}, err
		}
		s.metrics.RecordPartitionCleaned(ss.Strategy.String())
		outcome.PartitionCleaned = true
	}
	return outcome, nil
}

// deleteSweptVersions removes the versions shadowed by each latest
// write, respecting the strategy's tombstone rule.
func (s *Sweeper) deleteSweptVersions(ctx context.Context, strategy Strategy, writes []WriteInfo) error {
	byTable := make(map[kv.TableReference][]kv.CellTimestamp)
	for _, w := range writes {
		byTable[w.Table] = append(byTable[w.Table], kv.CellTimestamp{
			Cell:      w.Cell,
			Timestamp: strategy.MaxTimestampToDelete(w),
		})
	}
	for table, bounds := range byTable {
		if err := s.kvs.DeleteAllTimestamps(ctx, table, bounds); err != nil {
			return kv.NewStoreError("DeleteSweptVersions", table, err)
		}
	}
	return nil
}
