package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velodb/velo/distance"
)

func TestCatalogRoundTrip(t *testing.T) {
	c := &catalog{
		nextID: 3,
		entries: []catalogEntry{
			{id: 1, name: "docs", dim: 128, metric: distance.MetricCosine},
			{id: 2, name: "points", dim: 3, metric: distance.MetricL2},
		},
	}

	got, err := decodeCatalog(encodeCatalog(c))
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDecodeCatalogCorrupt(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{name: "empty", buf: nil},
		{name: "bad magic", buf: []byte("XXXX\x00\x00\x00\x00\x00\x00\x00\x00")},
		// bodyLen=0 with crc=0 passes the checksum (CRC32 of empty input
		// is 0) but carries no header fields.
		{name: "empty body", buf: []byte("VLC0\x00\x00\x00\x00\x00\x00\x00\x00")},
		{name: "truncated body", buf: func() []byte {
			buf := encodeCatalog(&catalog{nextID: 1})
			return buf[:len(buf)-4]
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeCatalog(tt.buf)
			require.ErrorIs(t, err, ErrCorruption)
		})
	}
}
