package lsmdb

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultFlushThreshold is the active memtable byte size at which a
// write rotates it onto the immutable queue.
const DefaultFlushThreshold = 64 << 20 // 64 MiB

// DefaultCompactionThreshold is the live SSTable count at which the
// compaction manager merges the whole set.
const DefaultCompactionThreshold = 4

// DefaultBloomFalsePositiveRate is the target false-positive rate
// new SSTables size their bloom filter for.
const DefaultBloomFalsePositiveRate = 0.01

// DefaultFlushInterval is the background flush worker's wake period.
const DefaultFlushInterval = 1 * time.Second

// DefaultCompactionInterval is the background compaction worker's
// wake period.
const DefaultCompactionInterval = 10 * time.Second

// Options configures an open database. The zero value is not usable
// directly; build one with DefaultOptions and override what's needed.
type Options struct {
	// Dir is the database directory. Created if absent.
	Dir string

	// SyncOnWrite fsyncs the WAL after every append.
	SyncOnWrite bool

	// FlushThreshold is the active memtable byte size that triggers a
	// rotation onto the immutable queue.
	FlushThreshold int64

	// CompactionThreshold is the live SSTable count that triggers a
	// merge of the whole set.
	CompactionThreshold int

	// BloomFalsePositiveRate sizes the bloom filter built into every
	// new SSTable.
	BloomFalsePositiveRate float64

	// FlushInterval overrides the background flush worker's wake
	// period; tests shrink this to avoid sleeping seconds per case.
	FlushInterval time.Duration

	// CompactionInterval overrides the background compaction
	// worker's wake period.
	CompactionInterval time.Duration

	// Logger receives structured flush/compaction/bloom-skip events.
	// Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultOptions returns an Options with every knob set to its
// production default, rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:                    dir,
		SyncOnWrite:            true,
		FlushThreshold:         DefaultFlushThreshold,
		CompactionThreshold:    DefaultCompactionThreshold,
		BloomFalsePositiveRate: DefaultBloomFalsePositiveRate,
		FlushInterval:          DefaultFlushInterval,
		CompactionInterval:     DefaultCompactionInterval,
		Logger:                 logrus.StandardLogger(),
	}
}

func (o Options) withDefaults() Options {
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = DefaultFlushThreshold
	}
	if o.CompactionThreshold <= 0 {
		o.CompactionThreshold = DefaultCompactionThreshold
	}
	if o.BloomFalsePositiveRate <= 0 {
		o.BloomFalsePositiveRate = DefaultBloomFalsePositiveRate
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = DefaultCompactionInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}
