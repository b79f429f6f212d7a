package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/velodb/velo/core"
)

// Binary graph serialization, used by the engine's checkpoint snapshots.
// The snapshot layer wraps this stream with compression and a checksum; the
// format here is a plain little-endian walk of the graph.

const binaryFormatVersion = uint32(1)

// Save writes the graph (structure, vectors, tombstones) to w.
func (h *Index) Save(w io.Writer) error {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	h.tombMu.RLock()
	defer h.tombMu.RUnlock()

	bw := bufio.NewWriter(w)

	var present uint32
	for _, n := range h.nodes {
		if n != nil {
			present++
		}
	}

	hdr := make([]byte, 0, 64)
	hdr = binary.LittleEndian.AppendUint32(hdr, binaryFormatVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.opts.Dimension)) //nolint:gosec
	if h.hasEntry {
		hdr = append(hdr, 1)
	} else {
		hdr = append(hdr, 0)
	}
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.entryPoint))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(h.maxLevel)) //nolint:gosec
	hdr = binary.LittleEndian.AppendUint32(hdr, present)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	for i, n := range h.nodes {
		if n == nil {
			continue
		}
		id := core.LocalID(i) //nolint:gosec

		rec := make([]byte, 0, 16+len(h.vectors[id])*4)
		rec = binary.LittleEndian.AppendUint32(rec, uint32(id))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(n.level)) //nolint:gosec
		if h.tombstones.Contains(uint32(id)) {
			rec = append(rec, 1)
		} else {
			rec = append(rec, 0)
		}
		for _, f := range h.vectors[id] {
			rec = binary.LittleEndian.AppendUint32(rec, math.Float32bits(f))
		}
		if _, err := bw.Write(rec); err != nil {
			return err
		}

		for layer := 0; layer <= n.level; layer++ {
			conns := n.conns[layer]
			adj := make([]byte, 0, 4+len(conns)*4)
			adj = binary.LittleEndian.AppendUint32(adj, uint32(len(conns))) //nolint:gosec
			for _, c := range conns {
				adj = binary.LittleEndian.AppendUint32(adj, uint32(c))
			}
			if _, err := bw.Write(adj); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}

// Load replaces the graph with the one read from r. The index must have been
// created with the same dimension the snapshot was taken with.
func (h *Index) Load(r io.Reader) error {
	br := bufio.NewReader(r)

	var version, dim, entry, maxLevel, present uint32
	var hasEntry uint8
	if err := readU32(br, &version); err != nil {
		return err
	}
	if version != binaryFormatVersion {
		return fmt.Errorf("hnsw: unsupported snapshot version %d", version)
	}
	if err := readU32(br, &dim); err != nil {
		return err
	}
	if int(dim) != h.opts.Dimension {
		return fmt.Errorf("%w: snapshot dimension %d, index dimension %d", ErrDimensionMismatch, dim, h.opts.Dimension)
	}
	if err := binary.Read(br, binary.LittleEndian, &hasEntry); err != nil {
		return err
	}
	if err := readU32(br, &entry); err != nil {
		return err
	}
	if err := readU32(br, &maxLevel); err != nil {
		return err
	}
	if err := readU32(br, &present); err != nil {
		return err
	}

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.tombMu.Lock()
	defer h.tombMu.Unlock()

	h.nodes = nil
	h.vectors = nil
	h.tombstones.Clear()
	h.count = 0
	h.hasEntry = hasEntry == 1
	h.entryPoint = core.LocalID(entry)
	h.maxLevel = int(maxLevel)

	for rec := uint32(0); rec < present; rec++ {
		var id, level uint32
		var tomb uint8
		if err := readU32(br, &id); err != nil {
			return err
		}
		if err := readU32(br, &level); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &tomb); err != nil {
			return err
		}

		vec := make([]float32, dim)
		for i := range vec {
			var bits uint32
			if err := readU32(br, &bits); err != nil {
				return err
			}
			vec[i] = math.Float32frombits(bits)
		}

		n := &node{level: int(level), conns: make([][]core.LocalID, level+1)}
		for layer := uint32(0); layer <= level; layer++ {
			var count uint32
			if err := readU32(br, &count); err != nil {
				return err
			}
			conns := make([]core.LocalID, count)
			for i := range conns {
				var c uint32
				if err := readU32(br, &c); err != nil {
					return err
				}
				conns[i] = core.LocalID(c)
			}
			n.conns[layer] = conns
		}

		h.growLocked(core.LocalID(id))
		h.nodes[id] = n
		h.vectors[id] = vec
		if tomb == 1 {
			h.tombstones.Add(id)
		} else {
			h.count++
		}
	}

	return nil
}

func readU32(r io.Reader, v *uint32) error {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	*v = binary.LittleEndian.Uint32(buf[:])
	return nil
}
