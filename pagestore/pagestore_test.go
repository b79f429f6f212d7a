package pagestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodb/velo/core"
)

func TestAllocateWriteRead(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, core.PageID(1), id)

	data := []byte("hello, page")
	require.NoError(t, s.Write(id, data))

	got, err := s.Read(id)
	require.NoError(t, err)
	require.Len(t, got, s.PageSize())
	assert.Equal(t, data, got[:len(data)])

	// Unwritten tail is zero-padded.
	for _, b := range got[len(data):] {
		if b != 0 {
			t.Fatal("expected zero padding after payload")
		}
	}
}

func TestFreeListReuse(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	a, err := s.Allocate()
	require.NoError(t, err)
	b, err := s.Allocate()
	require.NoError(t, err)
	c, err := s.Allocate()
	require.NoError(t, err)

	require.NoError(t, s.Free(b))
	require.NoError(t, s.Free(a))

	// LIFO reuse: last freed comes back first.
	got, err := s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, b, got)

	// Free list exhausted, the file grows.
	got, err = s.Allocate()
	require.NoError(t, err)
	assert.Equal(t, c+1, got)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	id, err := s.Allocate()
	require.NoError(t, err)
	require.NoError(t, s.Write(id, []byte("durable")))

	freed, err := s.Allocate()
	require.NoError(t, err)
	require.NoError(t, s.Free(freed))
	require.NoError(t, s.SetCatalogRoot(id))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, id, s2.CatalogRoot())

	got, err := s2.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got[:7])

	// Freed page survives the reopen on the free list.
	reused, err := s2.Allocate()
	require.NoError(t, err)
	assert.Equal(t, freed, reused)
}

func TestCustomPageSize(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, func(o *Options) { o.PageSize = 1024 })
	require.NoError(t, err)
	assert.Equal(t, 1024, s.PageSize())
	require.NoError(t, s.Close())

	// Reopen with a different configured size keeps the on-disk size.
	s2, err := Open(dir, func(o *Options) { o.PageSize = 8192 })
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 1024, s2.PageSize())
}

func TestInvalidPageSize(t *testing.T) {
	_, err := Open(t.TempDir(), func(o *Options) { o.PageSize = 100 })
	require.Error(t, err)
}

func TestWriteTooLarge(t *testing.T) {
	s, err := Open(t.TempDir(), func(o *Options) { o.PageSize = 512 })
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Allocate()
	require.NoError(t, err)

	err = s.Write(id, make([]byte, 513))
	require.Error(t, err)
}

func TestOutOfRangeAccess(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Read(core.PageID(99))
	assert.ErrorIs(t, err, ErrPageOutOfRange)

	err = s.Write(core.NilPage, []byte("x"))
	assert.ErrorIs(t, err, ErrPageOutOfRange)

	err = s.Free(core.PageID(42))
	assert.ErrorIs(t, err, ErrPageOutOfRange)
}

func TestCorruptHeaderRejected(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a bit inside the checksummed region.
	raw[12] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = Open(dir)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	id, err := s.Allocate()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	_, err = s.Allocate()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Read(id)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Write(id, nil), ErrClosed)
	assert.ErrorIs(t, s.Flush(), ErrClosed)
}
