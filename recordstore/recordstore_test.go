package recordstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/pagestore"
)

func newTestStore(t *testing.T) (*Store, *pagestore.Store) {
	t.Helper()

	ps, err := pagestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ps.Close() })

	return New(ps, 1), ps
}

func TestPutGet(t *testing.T) {
	rs, _ := newTestStore(t)

	res, err := rs.Put("alpha", 1, []float32{1, 2, 3}, []byte(`{"tag":"a"}`))
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.False(t, res.Skipped)

	rec, err := rs.Get("alpha")
	require.NoError(t, err)
	assert.Equal(t, res.ID, rec.ID)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, "alpha", rec.Key)
	assert.Equal(t, []float32{1, 2, 3}, rec.Vector)
	assert.Equal(t, []byte(`{"tag":"a"}`), rec.Metadata)

	byID, err := rs.GetByID(res.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, byID)

	assert.Equal(t, 1, rs.Len())
}

func TestGetMissing(t *testing.T) {
	rs, _ := newTestStore(t)

	_, err := rs.Get("nope")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = rs.GetByID(42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutReplace(t *testing.T) {
	rs, _ := newTestStore(t)

	first, err := rs.Put("k", 1, []float32{1}, nil)
	require.NoError(t, err)

	second, err := rs.Put("k", 2, []float32{2}, nil)
	require.NoError(t, err)
	assert.True(t, second.Replaced)
	assert.Equal(t, first.ID, second.Prev)
	assert.NotEqual(t, first.ID, second.ID)

	rec, err := rs.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, rec.Vector)
	assert.Equal(t, uint64(2), rec.Seq)

	_, err = rs.GetByID(first.ID)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, rs.Len())
}

func TestPutStaleSeqSkipped(t *testing.T) {
	rs, _ := newTestStore(t)

	res, err := rs.Put("k", 5, []float32{5}, nil)
	require.NoError(t, err)

	replay, err := rs.Put("k", 5, []float32{9}, nil)
	require.NoError(t, err)
	assert.True(t, replay.Skipped)
	assert.Equal(t, res.ID, replay.ID)

	rec, err := rs.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []float32{5}, rec.Vector)
}

func TestDelete(t *testing.T) {
	rs, _ := newTestStore(t)

	res, err := rs.Put("k", 1, []float32{1}, nil)
	require.NoError(t, err)

	prev, existed, err := rs.Delete("k", 2)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, res.ID, prev)
	assert.Equal(t, 0, rs.Len())

	_, err = rs.Get("k")
	require.ErrorIs(t, err, ErrNotFound)

	t.Run("missing key", func(t *testing.T) {
		_, existed, err := rs.Delete("k", 3)
		require.NoError(t, err)
		assert.False(t, existed)
	})

	t.Run("stale seq", func(t *testing.T) {
		_, err := rs.Put("k", 4, []float32{4}, nil)
		require.NoError(t, err)

		_, existed, err := rs.Delete("k", 3)
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Equal(t, 1, rs.Len())
	})
}

func TestScan(t *testing.T) {
	rs, _ := newTestStore(t)

	keys := []string{"a", "b", "c"}
	for i, k := range keys {
		_, err := rs.Put(k, uint64(i+1), []float32{float32(i)}, nil) //nolint:gosec
		require.NoError(t, err)
	}

	seen := make(map[string][]float32)
	require.NoError(t, rs.Scan(func(rec Record) error {
		seen[rec.Key] = rec.Vector
		return nil
	}))
	assert.Len(t, seen, 3)
	assert.Equal(t, []float32{1}, seen["b"])
}

func TestMultiPageRecord(t *testing.T) {
	rs, ps := newTestStore(t)

	// A dim-4096 vector spans multiple 4K pages.
	big := make([]float32, 4096)
	for i := range big {
		big[i] = float32(i)
	}
	res, err := rs.Put("big", 1, big, bytes.Repeat([]byte{0xAB}, 1000))
	require.NoError(t, err)
	assert.Greater(t, ps.PageCount(), uint64(4))

	rec, err := rs.GetByID(res.ID)
	require.NoError(t, err)
	assert.Equal(t, big, rec.Vector)
	assert.Len(t, rec.Metadata, 1000)
}

func TestScanRebuild(t *testing.T) {
	dir := t.TempDir()

	ps, err := pagestore.Open(dir)
	require.NoError(t, err)

	rs := New(ps, 1)
	_, err = rs.Put("a", 1, []float32{1, 1}, []byte("ma"))
	require.NoError(t, err)
	_, err = rs.Put("b", 2, []float32{2, 2}, nil)
	require.NoError(t, err)
	_, err = rs.Put("gone", 3, []float32{3, 3}, nil)
	require.NoError(t, err)
	_, _, err = rs.Delete("gone", 4)
	require.NoError(t, err)
	require.NoError(t, ps.Close())

	ps2, err := pagestore.Open(dir)
	require.NoError(t, err)
	defer func() { _ = ps2.Close() }()

	rebuilt := New(ps2, 1)
	require.NoError(t, ScanRecords(ps2, func(collection core.CollectionID, head core.PageID, rec Record) error {
		require.Equal(t, core.CollectionID(1), collection)
		stale, ok := rebuilt.Restore(rec, head)
		assert.False(t, ok, "unexpected duplicate chain for %q at page %d", rec.Key, stale)
		return nil
	}))

	assert.Equal(t, 2, rebuilt.Len())
	recA, err := rebuilt.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, recA.Vector)
	assert.Equal(t, []byte("ma"), recA.Metadata)
	_, err = rebuilt.Get("gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreDuplicateKeepsNewer(t *testing.T) {
	rs, _ := newTestStore(t)

	older := Record{ID: 1, Seq: 1, Key: "k", Vector: []float32{1}}
	newer := Record{ID: 2, Seq: 2, Key: "k", Vector: []float32{2}}

	_, ok := rs.Restore(older, 10)
	assert.False(t, ok)

	stale, ok := rs.Restore(newer, 11)
	assert.True(t, ok)
	assert.Equal(t, core.PageID(10), stale)

	t.Run("older second", func(t *testing.T) {
		stale, ok := rs.Restore(older, 12)
		assert.True(t, ok)
		assert.Equal(t, core.PageID(12), stale)
	})

	assert.Equal(t, 1, rs.Len())
	seq, ok := rs.Seq("k")
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)
}

func TestFreedChainNotRescanned(t *testing.T) {
	dir := t.TempDir()

	ps, err := pagestore.Open(dir)
	require.NoError(t, err)

	rs := New(ps, 1)
	_, err = rs.Put("dead", 1, []float32{1}, nil)
	require.NoError(t, err)
	_, _, err = rs.Delete("dead", 2)
	require.NoError(t, err)
	require.NoError(t, ps.Close())

	ps2, err := pagestore.Open(dir)
	require.NoError(t, err)
	defer func() { _ = ps2.Close() }()

	found := 0
	require.NoError(t, ScanRecords(ps2, func(core.CollectionID, core.PageID, Record) error {
		found++
		return nil
	}))
	assert.Equal(t, 0, found)
}

func TestSaveLoadState(t *testing.T) {
	rs, ps := newTestStore(t)

	_, err := rs.Put("x", 1, []float32{1, 2}, []byte("mx"))
	require.NoError(t, err)
	_, err = rs.Put("y", 2, []float32{3, 4}, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rs.SaveState(&buf))

	restored := New(ps, 1)
	require.NoError(t, restored.LoadState(&buf))

	assert.Equal(t, 2, restored.Len())
	rec, err := restored.Get("x")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, rec.Vector)

	// Fresh ids keep advancing past restored ones.
	res, err := restored.Put("z", 3, []float32{5, 6}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, uint32(res.ID), uint32(2))
}

func TestLive(t *testing.T) {
	rs, _ := newTestStore(t)

	a, err := rs.Put("a", 1, []float32{1}, nil)
	require.NoError(t, err)
	b, err := rs.Put("b", 2, []float32{2}, nil)
	require.NoError(t, err)
	_, _, err = rs.Delete("a", 3)
	require.NoError(t, err)

	live := rs.Live()
	assert.False(t, live.Contains(uint32(a.ID)))
	assert.True(t, live.Contains(uint32(b.ID)))
	assert.Equal(t, uint64(1), live.GetCardinality())
}
