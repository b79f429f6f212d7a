package persistence

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	sections := []Section{
		{Kind: SectionGraph, Collection: 1, Data: bytes.Repeat([]byte("graph"), 1000)},
		{Kind: SectionKeymap, Collection: 1, Data: []byte("keymap-one")},
		{Kind: SectionGraph, Collection: 2, Data: []byte{}},
	}
	require.NoError(t, Write(dir, 42, sections))

	snap, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.CheckpointSeq)
	require.Len(t, snap.Sections, 3)

	graph, ok := snap.Section(SectionGraph, 1)
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("graph"), 1000), graph)

	keymap, ok := snap.Section(SectionKeymap, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("keymap-one"), keymap)

	_, ok = snap.Section(SectionKeymap, 2)
	assert.False(t, ok)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorIs(t, err, ErrNoSnapshot)
}

func TestWriteReplacesPrevious(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, Write(dir, 1, []Section{{Kind: SectionGraph, Collection: 1, Data: []byte("old")}}))
	require.NoError(t, Write(dir, 2, []Section{{Kind: SectionGraph, Collection: 1, Data: []byte("new")}}))

	snap, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.CheckpointSeq)
	data, ok := snap.Section(SectionGraph, 1)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), data)
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, 7, []Section{{Kind: SectionKeymap, Collection: 3, Data: bytes.Repeat([]byte("x"), 500)}}))

	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	t.Run("flipped section byte", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[len(bad)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, bad, 0600))

		_, err := Load(dir)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[0] = 'X'
		require.NoError(t, os.WriteFile(path, bad, 0600))

		_, err := Load(dir)
		require.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, raw[:25], 0600))

		_, err := Load(dir)
		require.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Remove(dir))

	require.NoError(t, Write(dir, 1, nil))
	require.NoError(t, Remove(dir))

	_, err := Load(dir)
	require.ErrorIs(t, err, ErrNoSnapshot)
}
