package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initQueueMetrics() {
	r.EnqueuedWrites = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlasdb_sweep_enqueued_writes_total",
			Help: "Number of writes enqueued into the sweep queue",
		},
		[]string{"strategy"},
	)

	r.EntriesRead = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlasdb_sweep_entries_read_total",
			Help: "Raw number of sweep queue entries read, before latest-per-cell reduction",
		},
		[]string{"strategy"},
	)

	r.AbortedWritesDeleted = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlasdb_sweep_aborted_writes_deleted_total",
			Help: "Number of user-table versions deleted because their transaction aborted",
		},
		[]string{"strategy"},
	)
}

func (r *Registry) initSweeperMetrics() {
	r.SweepBatchDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlasdb_sweep_batch_duration_seconds",
			Help:    "Duration of a single sweep batch read",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"strategy"},
	)

	r.SweepBatchWrites = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlasdb_sweep_batch_writes",
			Help:    "Number of writes returned by a single sweep batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"strategy"},
	)

	r.LastSweptTimestamp = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "atlasdb_sweep_last_swept_timestamp",
			Help: "Last swept timestamp persisted per shard and strategy",
		},
		[]string{"shard", "strategy"},
	)

	r.SweepErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlasdb_sweep_errors_total",
			Help: "Sweep iterations that failed",
		},
		[]string{"strategy"},
	)

	r.PartitionsCleaned = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlasdb_sweep_partitions_cleaned_total",
			Help: "Fine partitions whose queue rows were deleted after being fully swept",
		},
		[]string{"strategy"},
	)
}
