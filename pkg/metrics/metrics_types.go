package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all metrics for the sweep queue
type Registry struct {
	// Queue metrics
	EnqueuedWrites       *prometheus.CounterVec
	EntriesRead          *prometheus.CounterVec
	AbortedWritesDeleted *prometheus.CounterVec

	// Sweeper metrics
	SweepBatchDuration *prometheus.HistogramVec
	SweepBatchWrites   *prometheus.HistogramVec
	LastSweptTimestamp *prometheus.GaugeVec
	SweepErrorsTotal   *prometheus.CounterVec
	PartitionsCleaned  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRegistry creates a registry with all sweep metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initQueueMetrics()
	r.initSweeperMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Gather collects the current metric families, for tests and diagnostics
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.registry.Gather()
}

// Global default registry
var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global default registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
