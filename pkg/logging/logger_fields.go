package logging

import (
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Field helpers for the sweep domain
func Component(name string) Field {
	return String("component", name)
}

func Shard(shard int) Field {
	return Int("shard", shard)
}

func Strategy(name string) Field {
	return String("strategy", name)
}

func Partition(p int64) Field {
	return Int64("partition", p)
}

func Table(name string) Field {
	return String("table", name)
}

func Timestamp(ts int64) Field {
	return Int64("timestamp", ts)
}

func RunID(id string) Field {
	return String("run_id", id)
}

func Count(n int) Field {
	return Int("count", n)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}
