// Package persistence writes and loads checkpoint snapshots.
//
// A snapshot captures the in-memory acceleration state (index graphs, key
// maps) at a checkpoint so the next open can skip the page scan and graph
// rebuild. The pages and the log remain the source of truth: a missing or
// damaged snapshot is never fatal, the engine falls back to a full rebuild.
package persistence

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/velodb/velo/core"
)

// FileName is the snapshot file name within the data directory.
const FileName = "velo.snapshot"

var (
	snapshotMagic   = [4]byte{'V', 'L', 'S', '0'}
	snapshotVersion = uint32(1)
)

// ErrNoSnapshot is returned by Load when no snapshot file exists.
var ErrNoSnapshot = errors.New("persistence: no snapshot")

// ErrCorrupt is returned when the snapshot fails validation. Callers treat it
// as a cache miss, not as data loss.
var ErrCorrupt = errors.New("persistence: corrupt snapshot")

// SectionKind identifies what a snapshot section contains.
type SectionKind uint32

const (
	// SectionGraph holds a serialized vector index graph.
	SectionGraph SectionKind = 1

	// SectionKeymap holds a record store key map.
	SectionKeymap SectionKind = 2
)

// Section is one snapshot payload, scoped to a collection.
type Section struct {
	Kind       SectionKind
	Collection core.CollectionID
	Data       []byte
}

// Snapshot is a fully loaded snapshot file.
type Snapshot struct {
	CheckpointSeq uint64
	Sections      []Section
}

// Section returns the first section matching kind and collection.
func (s *Snapshot) Section(kind SectionKind, collection core.CollectionID) ([]byte, bool) {
	for _, sec := range s.Sections {
		if sec.Kind == kind && sec.Collection == collection {
			return sec.Data, true
		}
	}
	return nil, false
}

// Write atomically replaces the snapshot in dir. Sections are lz4-compressed
// and individually checksummed; the file lands via rename so a crash mid-write
// leaves the previous snapshot (or none) behind.
func Write(dir string, checkpointSeq uint64, sections []Section) error {
	tmp := filepath.Join(dir, FileName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return fmt.Errorf("persistence: failed to create snapshot: %w", err)
	}

	if err := writeTo(f, checkpointSeq, sections); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("persistence: failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persistence: failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(dir, FileName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persistence: failed to publish snapshot: %w", err)
	}
	return syncDir(dir)
}

func writeTo(w io.Writer, checkpointSeq uint64, sections []Section) error {
	hdr := make([]byte, 0, 20)
	hdr = append(hdr, snapshotMagic[:]...)
	hdr = binary.LittleEndian.AppendUint32(hdr, snapshotVersion)
	hdr = binary.LittleEndian.AppendUint64(hdr, checkpointSeq)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(sections))) //nolint:gosec
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("persistence: failed to write snapshot header: %w", err)
	}

	for _, sec := range sections {
		comp, err := compress(sec.Data)
		if err != nil {
			return err
		}

		frame := make([]byte, 0, 28)
		frame = binary.LittleEndian.AppendUint32(frame, uint32(sec.Kind))
		frame = binary.LittleEndian.AppendUint32(frame, uint32(sec.Collection))
		frame = binary.LittleEndian.AppendUint64(frame, uint64(len(sec.Data)))
		frame = binary.LittleEndian.AppendUint64(frame, uint64(len(comp)))
		frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(comp))
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("persistence: failed to write section frame: %w", err)
		}
		if _, err := w.Write(comp); err != nil {
			return fmt.Errorf("persistence: failed to write section data: %w", err)
		}
	}
	return nil
}

// Load reads and validates the snapshot in dir.
func Load(dir string) (*Snapshot, error) {
	path := filepath.Join(dir, FileName)
	raw, err := os.ReadFile(path) //nolint:gosec // G304: path is configurable
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to read snapshot: %w", err)
	}

	if len(raw) < 20 {
		return nil, fmt.Errorf("%w: short header", ErrCorrupt)
	}
	if [4]byte(raw[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: invalid magic", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}

	snap := &Snapshot{CheckpointSeq: binary.LittleEndian.Uint64(raw[8:16])}
	count := binary.LittleEndian.Uint32(raw[16:20])

	off := 20
	for i := uint32(0); i < count; i++ {
		if off+28 > len(raw) {
			return nil, fmt.Errorf("%w: truncated section frame", ErrCorrupt)
		}
		kind := SectionKind(binary.LittleEndian.Uint32(raw[off : off+4]))
		collection := core.CollectionID(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		rawLen := binary.LittleEndian.Uint64(raw[off+8 : off+16])
		compLen := binary.LittleEndian.Uint64(raw[off+16 : off+24])
		want := binary.LittleEndian.Uint32(raw[off+24 : off+28])
		off += 28

		if uint64(len(raw)-off) < compLen {
			return nil, fmt.Errorf("%w: truncated section data", ErrCorrupt)
		}
		comp := raw[off : off+int(compLen)] //nolint:gosec
		off += int(compLen)                 //nolint:gosec

		if got := crc32.ChecksumIEEE(comp); got != want {
			return nil, fmt.Errorf("%w: section checksum mismatch", ErrCorrupt)
		}
		data, err := decompress(comp, rawLen)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		snap.Sections = append(snap.Sections, Section{Kind: kind, Collection: collection, Data: data})
	}
	return snap, nil
}

// Remove deletes the snapshot file. Missing files are not an error.
func Remove(dir string) error {
	err := os.Remove(filepath.Join(dir, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("persistence: failed to remove snapshot: %w", err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("persistence: compression failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("persistence: compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(comp []byte, rawLen uint64) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(comp))
	data := make([]byte, rawLen)
	if _, err := io.ReadFull(zr, data); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return data, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil
	}
	defer func() { _ = d.Close() }()
	_ = d.Sync()
	return nil
}
