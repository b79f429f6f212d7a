package engine

import (
	"log/slog"
	"time"

	"github.com/velodb/velo/wal"
)

// Options contains configuration for the engine.
type Options struct {
	// PageSize is the page size for a newly created data directory. An
	// existing page file keeps its recorded size.
	PageSize int

	// WAL configures the write-ahead log (durability mode, compression,
	// auto-checkpoint thresholds).
	WAL wal.Options

	// CompactionThreshold is the tombstone ratio above which a collection's
	// index is compacted in the background.
	CompactionThreshold float64

	// CompactionInterval is how often the maintenance loop inspects
	// collections. 0 disables background compaction.
	CompactionInterval time.Duration

	// MaxBackgroundWorkers bounds concurrent background jobs.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec throttles background disk traffic. 0 is unlimited.
	IOLimitBytesPerSec int64

	// Logger receives structured engine logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns default engine options.
var DefaultOptions = Options{
	WAL:                  wal.DefaultOptions,
	CompactionThreshold:  0.2,
	CompactionInterval:   time.Minute,
	MaxBackgroundWorkers: 1,
}
