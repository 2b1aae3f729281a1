package sweep

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Limits that do not vary per deployment.
const (
	// MaxShards bounds the shard count; row-key metadata reserves three
	// bytes for the shard, far above this operational limit.
	MaxShards = 256

	// InitialTimestamp sorts below every real timestamp; it is the
	// progress value of a shard that has never been swept.
	InitialTimestamp int64 = -1
)

// Config carries the process-start constants of the sweep queue.
type Config struct {
	// Shards is the number of shards new writes are partitioned into.
	// Already-enqueued rows are not relocated when this changes.
	Shards int `yaml:"shards" validate:"gte=1,lte=256"`

	// FinePartitionSize is the width of a fine timestamp partition, the
	// maximum domain of a single batch read.
	FinePartitionSize int64 `yaml:"fine_partition_size" validate:"gt=0"`

	// CoarsePartitionSize is the width of a coarse timestamp partition,
	// used to bound scans at a higher level. Must be a multiple of
	// FinePartitionSize.
	CoarsePartitionSize int64 `yaml:"coarse_partition_size" validate:"gt=0"`

	// MaxCellsGeneric is the largest number of cells a single
	// transaction may keep in a reference row before its cells spill
	// into dedicated rows.
	MaxCellsGeneric int `yaml:"max_cells_generic" validate:"gt=0"`

	// MaxCellsDedicated is the capacity of one dedicated row.
	MaxCellsDedicated int `yaml:"max_cells_dedicated" validate:"gt=0"`

	// SweepBatchSize caps the queue entries consumed by one batch read.
	// The transaction that crosses the cap is still fully consumed.
	SweepBatchSize int `yaml:"sweep_batch_size" validate:"gt=0"`

	// PauseInterval is how long the background sweeper rests between
	// iterations of a shard.
	PauseInterval time.Duration `yaml:"pause_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Shards:              1,
		FinePartitionSize:   50_000,
		CoarsePartitionSize: 10_000_000,
		MaxCellsGeneric:     50,
		MaxCellsDedicated:   100_000,
		SweepBatchSize:      1000,
		PauseInterval:       5 * time.Second,
	}
}

// LoadConfig reads a yaml config file, filling unset fields with
// defaults.
func LoadConfig(path string) (Config, error) {
	conf := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return conf, fmt.Errorf("parse config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return conf, err
	}
	return conf, nil
}

// Validate checks field constraints and cross-field invariants.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("sweep config: %w", err)
	}
	if c.CoarsePartitionSize%c.FinePartitionSize != 0 {
		return fmt.Errorf("sweep config: coarse partition size %d is not a multiple of fine partition size %d",
			c.CoarsePartitionSize, c.FinePartitionSize)
	}
	if c.MaxCellsGeneric > c.MaxCellsDedicated {
		return fmt.Errorf("sweep config: max generic cells %d exceeds dedicated row capacity %d",
			c.MaxCellsGeneric, c.MaxCellsDedicated)
	}
	return nil
}

// TsPartitionFine maps a timestamp to its fine partition.
func (c Config) TsPartitionFine(ts int64) int64 {
	return ts / c.FinePartitionSize
}

// TsPartitionCoarse maps a timestamp to its coarse partition.
func (c Config) TsPartitionCoarse(ts int64) int64 {
	return ts / c.CoarsePartitionSize
}

// MinTsForFinePartition returns the first timestamp of a fine partition.
func (c Config) MinTsForFinePartition(partition int64) int64 {
	return partition * c.FinePartitionSize
}

// MaxTsForFinePartition returns the last timestamp of a fine partition.
func (c Config) MaxTsForFinePartition(partition int64) int64 {
	return (partition+1)*c.FinePartitionSize - 1
}
