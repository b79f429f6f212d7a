package wal

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/velodb/velo/core"
)

// Entry payload layout (before optional compression):
//
//	[type:1][seq:8][collection:4][keyLen:4][key][dim:4][vector:dim*4][metaLen:4][meta]
//
// Each payload is written as a frame: [length:4][crc32:4][payload]. The CRC
// covers the payload bytes, so a torn write at the tail is detected by either
// a short frame or a checksum mismatch.

const (
	frameHeaderLen = 8

	// maxEntrySize bounds a single entry. A length prefix above this is
	// treated as corruption, not as an allocation request.
	maxEntrySize = 64 << 20
)

func encodePayload(e *Entry) []byte {
	n := 1 + 8 + 4 + 4 + len(e.Key) + 4 + len(e.Vector)*4 + 4 + len(e.Metadata)
	buf := make([]byte, 0, n)

	buf = append(buf, byte(e.Type))
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Collection))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Key))) //nolint:gosec
	buf = append(buf, e.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Vector))) //nolint:gosec
	for _, f := range e.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Metadata))) //nolint:gosec
	buf = append(buf, e.Metadata...)
	return buf
}

func decodePayload(buf []byte, e *Entry) error {
	rd := payloadReader{buf: buf}

	t, err := rd.byte()
	if err != nil {
		return err
	}
	e.Type = EntryType(t)
	if e.Seq, err = rd.uint64(); err != nil {
		return err
	}
	col, err := rd.uint32()
	if err != nil {
		return err
	}
	e.Collection = core.CollectionID(col)

	keyLen, err := rd.uint32()
	if err != nil {
		return err
	}
	if e.Key, err = rd.bytes(int(keyLen)); err != nil {
		return err
	}

	dim, err := rd.uint32()
	if err != nil {
		return err
	}
	if dim > 0 {
		e.Vector = make([]float32, dim)
		for i := range e.Vector {
			bits, err := rd.uint32()
			if err != nil {
				return err
			}
			e.Vector[i] = math.Float32frombits(bits)
		}
	} else {
		e.Vector = nil
	}

	metaLen, err := rd.uint32()
	if err != nil {
		return err
	}
	if e.Metadata, err = rd.bytes(int(metaLen)); err != nil {
		return err
	}

	if rd.off != len(buf) {
		return fmt.Errorf("wal: %d trailing bytes in entry payload", len(buf)-rd.off)
	}
	return nil
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, errShortPayload
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *payloadReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, errShortPayload
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *payloadReader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, errShortPayload
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *payloadReader) bytes(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		return nil, errShortPayload
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+n])
	r.off += n
	return b, nil
}
