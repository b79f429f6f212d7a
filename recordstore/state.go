package recordstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/velodb/velo/core"
)

const stateVersion = uint32(1)

// SaveState writes the in-memory key map to w. Loading it at open replaces
// the page scan rebuild; the record pages themselves stay on disk.
func (s *Store) SaveState(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bw := bufio.NewWriter(w)

	hdr := make([]byte, 0, 12)
	hdr = binary.LittleEndian.AppendUint32(hdr, stateVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(s.nextID))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(s.byKey))) //nolint:gosec
	if _, err := bw.Write(hdr); err != nil {
		return err
	}

	for _, e := range s.byKey {
		buf := make([]byte, 0, 24+len(e.key))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.id))
		buf = binary.LittleEndian.AppendUint64(buf, e.seq)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(e.head))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.key))) //nolint:gosec
		buf = append(buf, e.key...)
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadState replaces the in-memory key map with the one read from r.
func (s *Store) LoadState(r io.Reader) error {
	br := bufio.NewReader(r)

	hdr := make([]byte, 12)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return err
	}
	if v := binary.LittleEndian.Uint32(hdr[0:4]); v != stateVersion {
		return fmt.Errorf("recordstore: unsupported state version %d", v)
	}
	nextID := core.LocalID(binary.LittleEndian.Uint32(hdr[4:8]))
	count := binary.LittleEndian.Uint32(hdr[8:12])

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byKey = make(map[string]*entry, count)
	s.byID = make(map[core.LocalID]*entry, count)
	s.live.Clear()
	s.nextID = nextID

	fixed := make([]byte, 24)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, fixed); err != nil {
			return err
		}
		e := &entry{
			id:   core.LocalID(binary.LittleEndian.Uint32(fixed[0:4])),
			seq:  binary.LittleEndian.Uint64(fixed[4:12]),
			head: core.PageID(binary.LittleEndian.Uint64(fixed[12:20])),
		}
		keyLen := binary.LittleEndian.Uint32(fixed[20:24])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}
		e.key = string(key)

		s.byKey[e.key] = e
		s.byID[e.id] = e
		s.live.Add(uint32(e.id))
	}
	return nil
}
