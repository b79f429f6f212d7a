package engine

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/distance"
	"github.com/velodb/velo/pagestore"
)

// The collection catalog lives in a page chain rooted at the page store
// header. It is rewritten whole on change and becomes durable with the next
// page flush; collections created since the last checkpoint are recreated
// from the WAL during recovery.

var catalogMagic = [4]byte{'V', 'L', 'C', '0'}

const (
	catalogVersion  = uint32(1)
	chainHeaderLen  = 12
	catalogEnvelope = 12 // magic + len + crc
)

type catalogEntry struct {
	id     core.CollectionID
	name   string
	dim    int
	metric distance.Metric
}

type catalog struct {
	nextID  core.CollectionID
	entries []catalogEntry
}

func encodeCatalog(c *catalog) []byte {
	body := make([]byte, 0, 64)
	body = binary.LittleEndian.AppendUint32(body, catalogVersion)
	body = binary.LittleEndian.AppendUint32(body, uint32(c.nextID))
	body = binary.LittleEndian.AppendUint32(body, uint32(len(c.entries))) //nolint:gosec
	for _, e := range c.entries {
		body = binary.LittleEndian.AppendUint32(body, uint32(e.id))
		body = binary.LittleEndian.AppendUint32(body, uint32(e.dim)) //nolint:gosec
		body = append(body, byte(e.metric))
		body = binary.LittleEndian.AppendUint32(body, uint32(len(e.name))) //nolint:gosec
		body = append(body, e.name...)
	}

	buf := make([]byte, 0, catalogEnvelope+len(body))
	buf = append(buf, catalogMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(body))) //nolint:gosec
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
	return append(buf, body...)
}

func decodeCatalog(buf []byte) (*catalog, error) {
	if len(buf) < catalogEnvelope {
		return nil, fmt.Errorf("%w: short catalog", ErrCorruption)
	}
	if [4]byte(buf[0:4]) != catalogMagic {
		return nil, fmt.Errorf("%w: bad catalog magic", ErrCorruption)
	}
	bodyLen := binary.LittleEndian.Uint32(buf[4:8])
	want := binary.LittleEndian.Uint32(buf[8:12])
	if uint32(len(buf)-catalogEnvelope) < bodyLen { //nolint:gosec
		return nil, fmt.Errorf("%w: truncated catalog", ErrCorruption)
	}
	body := buf[catalogEnvelope : catalogEnvelope+bodyLen]
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("%w: catalog checksum mismatch", ErrCorruption)
	}
	if len(body) < 12 {
		return nil, fmt.Errorf("%w: short catalog body", ErrCorruption)
	}

	if v := binary.LittleEndian.Uint32(body[0:4]); v != catalogVersion {
		return nil, fmt.Errorf("%w: unsupported catalog version %d", ErrCorruption, v)
	}
	c := &catalog{nextID: core.CollectionID(binary.LittleEndian.Uint32(body[4:8]))}
	count := binary.LittleEndian.Uint32(body[8:12])

	off := 12
	for i := uint32(0); i < count; i++ {
		if off+13 > len(body) {
			return nil, fmt.Errorf("%w: truncated catalog entry", ErrCorruption)
		}
		e := catalogEntry{
			id:     core.CollectionID(binary.LittleEndian.Uint32(body[off : off+4])),
			dim:    int(binary.LittleEndian.Uint32(body[off+4 : off+8])),
			metric: distance.Metric(body[off+8]),
		}
		nameLen := int(binary.LittleEndian.Uint32(body[off+9 : off+13]))
		off += 13
		if off+nameLen > len(body) {
			return nil, fmt.Errorf("%w: truncated catalog entry", ErrCorruption)
		}
		e.name = string(body[off : off+nameLen])
		off += nameLen
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// writeCatalog persists the catalog into a fresh page chain and retargets the
// header at it. The previous chain is freed.
func writeCatalog(ps *pagestore.Store, c *catalog) error {
	payload := encodeCatalog(c)
	fragCap := ps.PageSize() - chainHeaderLen

	numPages := (len(payload) + fragCap - 1) / fragCap
	pages := make([]core.PageID, numPages)
	for i := range pages {
		id, err := ps.Allocate()
		if err != nil {
			return err
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
			return err
		}
	}

	old := ps.CatalogRoot()
	if err := ps.SetCatalogRoot(pages[0]); err != nil {
		return err
	}
	return freeCatalogChain(ps, old)
}

// readCatalog loads the catalog chain rooted at the header. A nil root yields
// an empty catalog (fresh data directory).
func readCatalog(ps *pagestore.Store) (*catalog, error) {
	head := ps.CatalogRoot()
	if head == core.NilPage {
		return &catalog{nextID: 1}, nil
	}

	fragCap := ps.PageSize() - chainHeaderLen
	var payload []byte
	for id := head; id != core.NilPage; {
		page, err := ps.Read(id)
		if err != nil {
			return nil, err
		}
		next := core.PageID(binary.LittleEndian.Uint64(page[0:8]))
		fragLen := int(binary.LittleEndian.Uint32(page[8:12]))
		if fragLen < 0 || fragLen > fragCap {
			return nil, fmt.Errorf("%w: invalid catalog fragment on page %d", ErrCorruption, id)
		}
		payload = append(payload, page[chainHeaderLen:chainHeaderLen+fragLen]...)
		if len(payload) > 1<<30 {
			return nil, fmt.Errorf("%w: catalog chain cycle", ErrCorruption)
		}
		id = next
	}
	return decodeCatalog(payload)
}

func freeCatalogChain(ps *pagestore.Store, head core.PageID) error {
	for id := head; id != core.NilPage; {
		page, err := ps.Read(id)
		if err != nil {
			return err
		}
		next := core.PageID(binary.LittleEndian.Uint64(page[0:8]))
		if err := ps.Write(id, nil); err != nil {
			return err
		}
		if err := ps.Free(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
