package wal

import (
	"time"

	"github.com/velodb/velo/core"
)

// DurabilityMode defines the fsync behavior for WAL writes.
type DurabilityMode int

const (
	// DurabilityAsync performs no fsync. Fastest writes, but entries appended
	// since the last sync are lost on crash.
	DurabilityAsync DurabilityMode = iota

	// DurabilityGroupCommit batches fsync across concurrent appends. An
	// Append blocks until its sequence number is persisted, but the fsync
	// cost is amortized over the batch. Recommended for most workloads.
	DurabilityGroupCommit

	// DurabilitySync fsyncs after every append. Slowest, strongest guarantee.
	DurabilitySync
)

// EntryType represents the kind of mutation recorded in the WAL.
type EntryType uint8

const (
	// EntryPut records an insert or replace of a record.
	EntryPut EntryType = iota + 1
	// EntryDelete records the removal of a record.
	EntryDelete
	// EntryCreateCollection records the creation of a collection.
	EntryCreateCollection
	// EntryDropCollection records the removal of a collection.
	EntryDropCollection
)

// Entry is a single WAL record. Entries are immutable once written and carry
// the complete mutation, so replaying one is self-contained and idempotent.
type Entry struct {
	Type       EntryType
	Seq        uint64
	Collection core.CollectionID
	Key        []byte
	Vector     []float32
	Metadata   []byte
}

// Options contains configuration for the WAL.
type Options struct {
	// Compress enables per-entry zstd compression of payloads.
	Compress bool

	// AutoCheckpointOps triggers the checkpoint callback after N appended
	// operations. 0 disables operation-based checkpoints.
	AutoCheckpointOps int

	// AutoCheckpointMB triggers the checkpoint callback when the WAL file
	// exceeds N megabytes. 0 disables size-based checkpoints.
	AutoCheckpointMB int

	// DurabilityMode controls fsync behavior (Async, GroupCommit, Sync).
	DurabilityMode DurabilityMode

	// GroupCommitInterval is the maximum time an append waits for the
	// background fsync in GroupCommit mode.
	GroupCommitInterval time.Duration

	// GroupCommitMaxOps is the number of pending appends that forces an
	// immediate fsync in GroupCommit mode.
	GroupCommitMaxOps int
}

// DefaultOptions returns default WAL options.
var DefaultOptions = Options{
	Compress:            false,
	AutoCheckpointOps:   10000,
	AutoCheckpointMB:    100,
	DurabilityMode:      DurabilitySync,
	GroupCommitInterval: 10 * time.Millisecond,
	GroupCommitMaxOps:   100,
}
