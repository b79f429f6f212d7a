// Package recordstore persists key/vector/metadata records into page-store
// page chains and keeps the key lookup state in memory.
//
// Each record owns one page chain. The in-memory map is rebuilt at open either
// from a snapshot or by scanning the page file; the pages are the source of
// truth. Stored sequence numbers make log replay idempotent.
package recordstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/pagestore"
)

// ErrNotFound is returned when a key or internal id is not present.
var ErrNotFound = errors.New("recordstore: not found")

// ErrCorrupt is returned when a record chain fails validation for a key the
// store believes is live.
var ErrCorrupt = errors.New("recordstore: corrupt record chain")

// Record is a fully decoded record.
type Record struct {
	ID       core.LocalID
	Seq      uint64
	Key      string
	Vector   []float32
	Metadata []byte
}

// PutResult reports what a Put did.
type PutResult struct {
	// ID is the internal id now bound to the key.
	ID core.LocalID

	// Prev is the id the key was bound to before, valid when Replaced.
	Prev core.LocalID

	// Replaced reports that an older record for the key was superseded.
	Replaced bool

	// Skipped reports that the stored record already carries a sequence at
	// or past the incoming one, so the write was a replay no-op.
	Skipped bool
}

type entry struct {
	id   core.LocalID
	seq  uint64
	key  string
	head core.PageID
}

// Store maps keys to page-chain records for a single collection.
type Store struct {
	mu         sync.RWMutex
	pages      *pagestore.Store
	collection core.CollectionID
	byKey      map[string]*entry
	byID       map[core.LocalID]*entry
	live       *roaring.Bitmap
	nextID     core.LocalID
}

// New creates an empty record store bound to a collection.
func New(pages *pagestore.Store, collection core.CollectionID) *Store {
	return &Store{
		pages:      pages,
		collection: collection,
		byKey:      make(map[string]*entry),
		byID:       make(map[core.LocalID]*entry),
		live:       roaring.New(),
	}
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// Live returns a copy of the live internal id set.
func (s *Store) Live() *roaring.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live.Clone()
}

// Seq returns the stored sequence for key.
func (s *Store) Seq(key string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[key]
	if !ok {
		return 0, false
	}
	return e.seq, true
}

// Put writes a record for key under seq. An existing record for the key is
// superseded: the new record gets a fresh internal id and the old chain is
// freed once the new one is on disk. A stored sequence at or past seq makes
// the call a no-op (replay idempotence).
//
// Pages are durable only after the page store is flushed.
func (s *Store) Put(key string, seq uint64, vector []float32, metadata []byte) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byKey[key]; ok && old.seq >= seq {
		return PutResult{ID: old.id, Skipped: true}, nil
	}

	id := s.nextID
	rec := Record{ID: id, Seq: seq, Key: key, Vector: vector, Metadata: metadata}
	head, err := writeChain(s.pages, s.collection, rec)
	if err != nil {
		return PutResult{}, err
	}

	res := PutResult{ID: id}
	if old, ok := s.byKey[key]; ok {
		res.Prev = old.id
		res.Replaced = true
		delete(s.byID, old.id)
		s.live.Remove(uint32(old.id))
		if err := freeChain(s.pages, old.head); err != nil {
			return PutResult{}, err
		}
	}

	e := &entry{id: id, seq: seq, key: key, head: head}
	s.byKey[key] = e
	s.byID[id] = e
	s.live.Add(uint32(id))
	s.nextID++
	return res, nil
}

// Get returns the record stored for key.
func (s *Store) Get(key string) (Record, error) {
	s.mu.RLock()
	e, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return s.readEntry(e)
}

// GetByID returns the record bound to an internal id.
func (s *Store) GetByID(id core.LocalID) (Record, error) {
	s.mu.RLock()
	e, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return s.readEntry(e)
}

// Key returns the key bound to an internal id without touching disk.
func (s *Store) Key(id core.LocalID) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return e.key, true
}

func (s *Store) readEntry(e *entry) (Record, error) {
	_, rec, _, err := readChain(s.pages, e.head)
	if err != nil {
		return Record{}, fmt.Errorf("%w: key %q: %v", ErrCorrupt, e.key, err)
	}
	return rec, nil
}

// Delete removes the record for key and frees its pages. A stored sequence at
// or past seq means a later write already superseded this delete, so the call
// is a no-op. Prev is the deleted record's internal id, valid when existed.
func (s *Store) Delete(key string, seq uint64) (prev core.LocalID, existed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return 0, false, nil
	}
	if e.seq >= seq {
		return 0, false, nil
	}

	if err := freeChain(s.pages, e.head); err != nil {
		return 0, false, err
	}
	delete(s.byKey, key)
	delete(s.byID, e.id)
	s.live.Remove(uint32(e.id))
	return e.id, true, nil
}

// Scan invokes fn for every live record in unspecified order. fn errors stop
// the scan.
func (s *Store) Scan(fn func(rec Record) error) error {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		rec, err := s.readEntry(e)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// FreeAll releases every record chain and empties the store. Used when a
// collection is dropped.
func (s *Store) FreeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.byKey {
		if err := freeChain(s.pages, e.head); err != nil {
			return err
		}
	}
	s.byKey = make(map[string]*entry)
	s.byID = make(map[core.LocalID]*entry)
	s.live.Clear()
	return nil
}

// FreeChain releases an orphaned record chain, such as the stale loser of a
// duplicate key found during a page scan.
func FreeChain(ps *pagestore.Store, head core.PageID) error {
	return freeChain(ps, head)
}

// Restore binds an on-disk record found during a page scan. When two chains
// claim the same key (a crash between writing the replacement and freeing the
// old chain), the higher sequence wins and the loser's head is returned for
// the caller to free.
func (s *Store) Restore(rec Record, head core.PageID) (stale core.PageID, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, exists := s.byKey[rec.Key]; exists {
		if old.seq >= rec.Seq {
			return head, true
		}
		delete(s.byID, old.id)
		s.live.Remove(uint32(old.id))
		stale = old.head
		ok = true
	}

	e := &entry{id: rec.ID, seq: rec.Seq, key: rec.Key, head: head}
	s.byKey[rec.Key] = e
	s.byID[rec.ID] = e
	s.live.Add(uint32(rec.ID))
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	return stale, ok
}
