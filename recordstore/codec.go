package recordstore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/pagestore"
)

// Chain page layout: [next-page:8][frag-len:4][payload-frag]. The assembled
// payload carries a record envelope:
//
//	[magic "VLR0":4][collection:4][rec-len:4][crc32:4][record]
//
// record = [seq:8][id:4][key-len:4][key][dim:4][vector][meta-len:4][meta]
//
// The magic marks chain heads so a full page scan can rebuild the key map.
// freeChain zeroes the head page before releasing it, so freed records never
// scan as live; a chain that decodes but fails its CRC is treated as stale.

var recordMagic = [4]byte{'V', 'L', 'R', '0'}

const (
	chainHeaderLen = 12
	envelopeLen    = 16

	// maxRecordLen bounds a single record. Guards the scan against garbage
	// lengths in reused pages.
	maxRecordLen = 256 << 20
)

func encodeRecord(collection core.CollectionID, rec Record) []byte {
	recLen := 8 + 4 + 4 + len(rec.Key) + 4 + len(rec.Vector)*4 + 4 + len(rec.Metadata)

	buf := make([]byte, 0, envelopeLen+recLen)
	buf = append(buf, recordMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(collection))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(recLen)) //nolint:gosec
	buf = append(buf, 0, 0, 0, 0)                               // crc placeholder

	buf = binary.LittleEndian.AppendUint64(buf, rec.Seq)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.ID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Key))) //nolint:gosec
	buf = append(buf, rec.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Vector))) //nolint:gosec
	for _, f := range rec.Vector {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Metadata))) //nolint:gosec
	buf = append(buf, rec.Metadata...)

	binary.LittleEndian.PutUint32(buf[12:16], crc32.ChecksumIEEE(buf[envelopeLen:]))
	return buf
}

func decodeRecord(payload []byte) (core.CollectionID, Record, error) {
	if len(payload) < envelopeLen {
		return 0, Record{}, fmt.Errorf("short envelope: %d bytes", len(payload))
	}
	if [4]byte(payload[0:4]) != recordMagic {
		return 0, Record{}, fmt.Errorf("bad record magic")
	}
	collection := core.CollectionID(binary.LittleEndian.Uint32(payload[4:8]))
	recLen := binary.LittleEndian.Uint32(payload[8:12])
	want := binary.LittleEndian.Uint32(payload[12:16])

	body := payload[envelopeLen:]
	if uint32(len(body)) < recLen { //nolint:gosec
		return 0, Record{}, fmt.Errorf("short record: have %d, want %d", len(body), recLen)
	}
	body = body[:recLen]
	if got := crc32.ChecksumIEEE(body); got != want {
		return 0, Record{}, fmt.Errorf("record checksum mismatch")
	}

	r := recordReader{buf: body}
	var rec Record
	rec.Seq = r.uint64()
	rec.ID = core.LocalID(r.uint32())
	rec.Key = string(r.bytes(int(r.uint32())))
	dim := int(r.uint32())
	if dim < 0 || r.err != nil {
		return 0, Record{}, fmt.Errorf("truncated record")
	}
	rec.Vector = make([]float32, dim)
	for i := range rec.Vector {
		rec.Vector[i] = math.Float32frombits(r.uint32())
	}
	if metaLen := int(r.uint32()); metaLen > 0 && r.err == nil {
		rec.Metadata = append([]byte(nil), r.bytes(metaLen)...)
	}
	if r.err != nil {
		return 0, Record{}, fmt.Errorf("truncated record")
	}
	return collection, rec, nil
}

type recordReader struct {
	buf []byte
	off int
	err error
}

func (r *recordReader) uint32() uint32 {
	b := r.bytes(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *recordReader) uint64() uint64 {
	b := r.bytes(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *recordReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("read past end of record")
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// writeChain serializes a record into freshly allocated pages and returns the
// head page id.
func writeChain(ps *pagestore.Store, collection core.CollectionID, rec Record) (core.PageID, error) {
	payload := encodeRecord(collection, rec)
	fragCap := ps.PageSize() - chainHeaderLen

	numPages := (len(payload) + fragCap - 1) / fragCap
	pages := make([]core.PageID, numPages)
	for i := range pages {
		id, err := ps.Allocate()
		if err != nil {
			return core.NilPage, err
		}
		pages[i] = id
	}

	for i, id := range pages {
		frag := payload[i*fragCap : min((i+1)*fragCap, len(payload))]
		next := core.NilPage
		if i+1 < len(pages) {
			next = pages[i+1]
		}

		buf := make([]byte, chainHeaderLen+len(frag))
		binary.LittleEndian.PutUint64(buf[0:8], uint64(next))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(len(frag))) //nolint:gosec
		copy(buf[chainHeaderLen:], frag)
		if err := ps.Write(id, buf); err != nil {
			return core.NilPage, err
		}
	}
	return pages[0], nil
}

// readChain reassembles and decodes the record starting at head. It also
// returns the page ids of the chain for the caller to free.
func readChain(ps *pagestore.Store, head core.PageID) (core.CollectionID, Record, []core.PageID, error) {
	fragCap := ps.PageSize() - chainHeaderLen

	var (
		payload []byte
		chain   []core.PageID
		needed  = -1
	)
	for id := head; id != core.NilPage; {
		page, err := ps.Read(id)
		if err != nil {
			return 0, Record{}, nil, err
		}
		chain = append(chain, id)

		next := core.PageID(binary.LittleEndian.Uint64(page[0:8]))
		fragLen := int(binary.LittleEndian.Uint32(page[8:12]))
		if fragLen < 0 || fragLen > fragCap {
			return 0, Record{}, nil, fmt.Errorf("invalid fragment length %d on page %d", fragLen, id)
		}
		payload = append(payload, page[chainHeaderLen:chainHeaderLen+fragLen]...)

		if needed < 0 && len(payload) >= envelopeLen {
			recLen := binary.LittleEndian.Uint32(payload[8:12])
			if recLen > maxRecordLen {
				return 0, Record{}, nil, fmt.Errorf("implausible record length %d", recLen)
			}
			needed = envelopeLen + int(recLen)
		}
		if needed >= 0 && len(payload) >= needed {
			break
		}
		if len(chain)*fragCap > maxRecordLen {
			return 0, Record{}, nil, fmt.Errorf("chain cycle at page %d", id)
		}
		id = next
	}

	collection, rec, err := decodeRecord(payload)
	if err != nil {
		return 0, Record{}, nil, err
	}
	return collection, rec, chain, nil
}

// freeChain releases a record's pages. The head is zeroed first so a later
// page scan cannot mistake the stale chain for a live record.
func freeChain(ps *pagestore.Store, head core.PageID) error {
	_, _, chain, err := readChain(ps, head)
	if err != nil {
		// Unreadable chains still get their head released.
		chain = []core.PageID{head}
	}

	if err := ps.Write(head, nil); err != nil {
		return err
	}
	for _, id := range chain {
		if err := ps.Free(id); err != nil {
			return err
		}
	}
	return nil
}

// ScanRecords walks every page in the file and invokes fn for each live
// record chain found. Chains that fail to decode are stale remnants of freed
// or superseded records and are skipped.
func ScanRecords(ps *pagestore.Store, fn func(collection core.CollectionID, head core.PageID, rec Record) error) error {
	count := ps.PageCount()
	for p := uint64(1); p < count; p++ {
		id := core.PageID(p)
		page, err := ps.Read(id)
		if err != nil {
			return err
		}
		if [4]byte(page[chainHeaderLen:chainHeaderLen+4]) != recordMagic {
			continue
		}

		collection, rec, _, err := readChain(ps, id)
		if err != nil {
			continue
		}
		if err := fn(collection, id, rec); err != nil {
			return err
		}
	}
	return nil
}
