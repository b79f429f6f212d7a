package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodb/velo/distance"
	"github.com/velodb/velo/pagestore"
	"github.com/velodb/velo/persistence"
	"github.com/velodb/velo/wal"
)

// copyDataDir snapshots the storage files mid-run, standing in for the state
// a crashed process leaves behind.
func copyDataDir(t *testing.T, src string) string {
	t.Helper()

	dst := t.TempDir()
	for _, name := range []string{pagestore.FileName, wal.FileName, persistence.FileName} {
		data, err := os.ReadFile(filepath.Join(src, name))
		if os.IsNotExist(err) {
			continue
		}
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, name), data, 0600))
	}
	return dst
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.CreateCollection(ctx, "docs", 3, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "a", []float32{0, 0, 0}, []byte("ma")))
	require.NoError(t, e.Put(ctx, "docs", "b", []float32{1, 0, 0}, nil))
	require.NoError(t, e.Put(ctx, "docs", "c", []float32{5, 5, 5}, nil))
	_, err := e.Delete(ctx, "docs", "c")
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	assert.Equal(t, []string{"docs"}, e2.Collections())

	item, err := e2.Get(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0}, item.Vector)
	assert.Equal(t, []byte("ma"), item.Metadata)

	_, err = e2.Get(ctx, "docs", "c")
	require.ErrorIs(t, err, ErrNotFound)

	results, err := e2.Search(ctx, "docs", []float32{0, 0, 0.1}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Key)
	assert.Equal(t, "b", results[1].Key)
}

func TestReopenWithoutSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.CreateCollection(ctx, "docs", 2, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "x", []float32{1, 2}, nil))
	require.NoError(t, e.Put(ctx, "docs", "y", []float32{3, 4}, nil))
	require.NoError(t, e.Close())

	// Without the snapshot the engine must rebuild from the record pages.
	require.NoError(t, os.Remove(filepath.Join(dir, persistence.FileName)))

	e2 := newTestEngine(t, dir)
	item, err := e2.Get(ctx, "docs", "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, item.Vector)

	results, err := e2.Search(ctx, "docs", []float32{3, 4}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "y", results[0].Key)
}

func TestReopenWithCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.CreateCollection(ctx, "docs", 2, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "x", []float32{1, 2}, nil))
	require.NoError(t, e.Close())

	path := filepath.Join(dir, persistence.FileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0600))

	e2 := newTestEngine(t, dir)
	item, err := e2.Get(ctx, "docs", "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, item.Vector)

	// The damaged snapshot is discarded during recovery.
	_, err = persistence.Load(dir)
	require.ErrorIs(t, err, persistence.ErrNoSnapshot)
}

func TestCrashRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, func(o *Options) {
		o.WAL.DurabilityMode = wal.DurabilitySync
		o.CompactionInterval = 0
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NoError(t, e.CreateCollection(ctx, "docs", 2, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "a", []float32{1, 0}, []byte("ma")))
	require.NoError(t, e.Put(ctx, "docs", "b", []float32{0, 1}, nil))
	require.NoError(t, e.Put(ctx, "docs", "a", []float32{2, 0}, nil))
	_, err = e.Delete(ctx, "docs", "b")
	require.NoError(t, err)

	// No Close, no checkpoint: everything must come back from the log.
	crashDir := copyDataDir(t, dir)

	e2 := newTestEngine(t, crashDir)
	assert.Equal(t, []string{"docs"}, e2.Collections())

	item, err := e2.Get(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 0}, item.Vector)

	_, err = e2.Get(ctx, "docs", "b")
	require.ErrorIs(t, err, ErrNotFound)

	results, err := e2.Search(ctx, "docs", []float32{2, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Key)
}

func TestCrashRecoveryAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, func(o *Options) {
		o.WAL.DurabilityMode = wal.DurabilitySync
		o.CompactionInterval = 0
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NoError(t, e.CreateCollection(ctx, "docs", 2, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "before", []float32{1, 1}, nil))
	require.NoError(t, e.Checkpoint(ctx))

	// Writes after the checkpoint live only in the log tail.
	require.NoError(t, e.Put(ctx, "docs", "after", []float32{2, 2}, nil))

	crashDir := copyDataDir(t, dir)

	e2 := newTestEngine(t, crashDir)
	for _, key := range []string{"before", "after"} {
		_, err := e2.Get(ctx, "docs", key)
		require.NoError(t, err, "key %q lost", key)
	}
	n, err := e2.Len("docs")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestDropCollectionSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e := newTestEngine(t, dir)
	require.NoError(t, e.CreateCollection(ctx, "keep", 2, distance.MetricL2))
	require.NoError(t, e.CreateCollection(ctx, "drop", 2, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "drop", "k", []float32{1, 2}, nil))
	require.NoError(t, e.DropCollection(ctx, "drop"))
	require.NoError(t, e.Close())

	e2 := newTestEngine(t, dir)
	assert.Equal(t, []string{"keep"}, e2.Collections())
	_, err := e2.Get(ctx, "drop", "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpointTruncatesLog(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, t.TempDir())

	require.NoError(t, e.CreateCollection(ctx, "docs", 2, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "k", []float32{1, 2}, nil))

	n, err := e.wal.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, e.Checkpoint(ctx))

	n, err = e.wal.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Sequence numbers stay monotonic across the truncation.
	require.NoError(t, e.Put(ctx, "docs", "k2", []float32{3, 4}, nil))
	assert.Equal(t, uint64(3), e.wal.Seq())
}

func TestIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := Open(dir, func(o *Options) {
		o.WAL.DurabilityMode = wal.DurabilitySync
		o.CompactionInterval = 0
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	require.NoError(t, e.CreateCollection(ctx, "docs", 1, distance.MetricL2))
	require.NoError(t, e.Put(ctx, "docs", "k", []float32{1}, nil))
	require.NoError(t, e.Put(ctx, "docs", "k", []float32{2}, nil))

	// The crash image has both the record pages and the full log, so replay
	// re-applies entries the pages already contain. The stored sequence
	// numbers must make those no-ops.
	crashDir := copyDataDir(t, dir)

	e2 := newTestEngine(t, crashDir)
	item, err := e2.Get(ctx, "docs", "k")
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, item.Vector)

	n, err := e2.Len("docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
