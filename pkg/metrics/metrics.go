package metrics

import (
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// RecordEnqueue records writes entering the queue for a strategy
func (r *Registry) RecordEnqueue(strategy string, count int) {
	r.EnqueuedWrites.WithLabelValues(strategy).Add(float64(count))
}

// RecordEntriesRead records raw queue entries touched by a batch read
func (r *Registry) RecordEntriesRead(strategy string, count int) {
	r.EntriesRead.WithLabelValues(strategy).Add(float64(count))
}

// RecordAbortedWritesDeleted records user-table versions deleted for aborted transactions
func (r *Registry) RecordAbortedWritesDeleted(strategy string, count int) {
	r.AbortedWritesDeleted.WithLabelValues(strategy).Add(float64(count))
}

// RecordBatchRead records the outcome of one batch read
func (r *Registry) RecordBatchRead(strategy string, writes int, duration time.Duration) {
	r.SweepBatchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	r.SweepBatchWrites.WithLabelValues(strategy).Observe(float64(writes))
}

// SetLastSweptTimestamp updates the progress gauge for a shard and strategy
func (r *Registry) SetLastSweptTimestamp(shard int, strategy string, ts int64) {
	r.LastSweptTimestamp.WithLabelValues(strconv.Itoa(shard), strategy).Set(float64(ts))
}

// RecordSweepError counts a failed sweep iteration
func (r *Registry) RecordSweepError(strategy string) {
	r.SweepErrorsTotal.WithLabelValues(strategy).Inc()
}

// RecordPartitionCleaned counts a fully swept partition whose rows were deleted
func (r *Registry) RecordPartitionCleaned(strategy string) {
	r.PartitionsCleaned.WithLabelValues(strategy).Inc()
}

// CounterValue returns the current value of a labelled counter, primarily
// for tests. Unknown metrics return 0.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	families, err := r.registry.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, p := range pairs {
			if p.GetName() == k && p.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
