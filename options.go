package velo

import (
	"time"

	"github.com/velodb/velo/engine"
	"github.com/velodb/velo/wal"
)

// Option configures a database at open.
type Option = func(o *engine.Options)

// WithPageSize sets the page size for a newly created data directory. An
// existing directory keeps the size recorded in its page file.
func WithPageSize(size int) Option {
	return func(o *engine.Options) {
		o.PageSize = size
	}
}

// WithDurability selects the WAL fsync policy.
func WithDurability(mode wal.DurabilityMode) Option {
	return func(o *engine.Options) {
		o.WAL.DurabilityMode = mode
	}
}

// WithWALCompression enables zstd compression of WAL entries.
func WithWALCompression(enabled bool) Option {
	return func(o *engine.Options) {
		o.WAL.Compress = enabled
	}
}

// WithWALOptions applies arbitrary WAL configuration.
func WithWALOptions(fn func(o *wal.Options)) Option {
	return func(o *engine.Options) {
		fn(&o.WAL)
	}
}

// WithCompaction tunes background compaction: collections whose tombstone
// ratio exceeds threshold are compacted, checked every interval. A zero
// interval disables background compaction.
func WithCompaction(threshold float64, interval time.Duration) Option {
	return func(o *engine.Options) {
		o.CompactionThreshold = threshold
		o.CompactionInterval = interval
	}
}

// WithBackgroundWorkers bounds concurrent background jobs.
func WithBackgroundWorkers(n int64) Option {
	return func(o *engine.Options) {
		o.MaxBackgroundWorkers = n
	}
}

// WithIOLimit throttles background disk traffic in bytes per second.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *engine.Options) {
		o.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *Logger) Option {
	return func(o *engine.Options) {
		if l != nil {
			o.Logger = l.Logger
		}
	}
}
