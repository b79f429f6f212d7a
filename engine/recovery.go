package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/persistence"
	"github.com/velodb/velo/recordstore"
	"github.com/velodb/velo/wal"
)

// recover brings the in-memory state up to the last durable log entry:
//
//  1. Load the collection catalog from the page store.
//  2. Restore index graphs and key maps from the checkpoint snapshot, or
//     rebuild both by scanning the record pages when the snapshot is
//     missing, stale or damaged.
//  3. Replay the WAL tail through the live write path; stored sequence
//     numbers make already-applied entries no-ops.
func (e *Engine) recover() error {
	cat, err := readCatalog(e.pages)
	if err != nil {
		return err
	}
	e.nextColID = cat.nextID
	for _, ce := range cat.entries {
		col, err := e.newCollection(ce.id, ce.name, ce.dim, ce.metric, CollectionOptions{})
		if err != nil {
			return err
		}
		e.collections[ce.name] = col
		e.byID[ce.id] = col
	}

	e.wal, err = wal.New(e.dir, func(o *wal.Options) { *o = e.opts.WAL })
	if err != nil {
		return err
	}

	if !e.loadSnapshot() {
		// A failed load may have populated some collections already.
		if err := e.resetCollections(); err != nil {
			return err
		}
		if err := e.rebuildFromPages(); err != nil {
			return err
		}
	}

	replayed := 0
	catalogDirty := false
	err = e.wal.Replay(func(entry wal.Entry) error {
		dirty, err := e.applyLogEntry(entry)
		if err != nil {
			return err
		}
		catalogDirty = catalogDirty || dirty
		replayed++
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: replay: %w", err)
	}
	if catalogDirty {
		if err := e.writeCatalogLocked(); err != nil {
			return err
		}
	}

	e.log.Info("recovery completed",
		"entries_replayed", replayed,
		"checkpoint_seq", e.wal.CheckpointSeq(),
	)
	return nil
}

// loadSnapshot restores graphs and key maps from the checkpoint snapshot.
// It reports false when the engine must rebuild from the pages instead; a
// damaged snapshot is removed, never trusted.
func (e *Engine) loadSnapshot() bool {
	snap, err := persistence.Load(e.dir)
	if errors.Is(err, persistence.ErrNoSnapshot) {
		return false
	}
	if err != nil {
		e.log.Warn("discarding unreadable snapshot", "error", err)
		_ = persistence.Remove(e.dir)
		return false
	}
	if snap.CheckpointSeq != e.wal.CheckpointSeq() {
		e.log.Warn("snapshot does not match log checkpoint",
			"snapshot_seq", snap.CheckpointSeq,
			"wal_checkpoint_seq", e.wal.CheckpointSeq(),
		)
		return false
	}

	// Collections created after the checkpoint have no sections; the whole
	// snapshot is skipped rather than mixing loaded and rebuilt state.
	for _, col := range e.byID {
		if _, ok := snap.Section(persistence.SectionGraph, col.id); !ok {
			return false
		}
		if _, ok := snap.Section(persistence.SectionKeymap, col.id); !ok {
			return false
		}
	}

	for _, col := range e.byID {
		graph, _ := snap.Section(persistence.SectionGraph, col.id)
		keymap, _ := snap.Section(persistence.SectionKeymap, col.id)
		if err := col.index.Load(bytes.NewReader(graph)); err != nil {
			e.log.Warn("discarding snapshot with unreadable graph", "collection", col.name, "error", err)
			_ = persistence.Remove(e.dir)
			return false
		}
		if err := col.records.LoadState(bytes.NewReader(keymap)); err != nil {
			e.log.Warn("discarding snapshot with unreadable key map", "collection", col.name, "error", err)
			_ = persistence.Remove(e.dir)
			return false
		}
	}

	e.log.Info("snapshot restored", "checkpoint_seq", snap.CheckpointSeq)
	return true
}

// resetCollections replaces every collection's index and record store with
// empty ones ahead of a page-scan rebuild.
func (e *Engine) resetCollections() error {
	for name, col := range e.collections {
		fresh, err := e.newCollection(col.id, col.name, col.dim, col.metric, CollectionOptions{})
		if err != nil {
			return err
		}
		e.collections[name] = fresh
		e.byID[col.id] = fresh
	}
	return nil
}

// rebuildFromPages scans every record page, restores the key maps and
// reinserts all vectors into the indexes.
func (e *Engine) rebuildFromPages() error {
	ctx := context.Background()

	err := recordstore.ScanRecords(e.pages, func(colID core.CollectionID, head core.PageID, rec recordstore.Record) error {
		col, ok := e.byID[colID]
		if !ok {
			// Chain left behind by an interrupted drop.
			return recordstore.FreeChain(e.pages, head)
		}
		if stale, ok := col.records.Restore(rec, head); ok {
			return recordstore.FreeChain(e.pages, stale)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: page scan: %w", err)
	}

	for _, col := range e.byID {
		err := col.records.Scan(func(rec recordstore.Record) error {
			return col.index.Insert(ctx, rec.ID, rec.Vector)
		})
		if err != nil {
			return fmt.Errorf("engine: rebuild index for %q: %w", col.name, err)
		}
	}

	e.log.Info("state rebuilt from pages")
	return nil
}

// applyLogEntry replays one WAL entry through the regular write path. It
// reports whether the catalog changed.
func (e *Engine) applyLogEntry(entry wal.Entry) (bool, error) {
	ctx := context.Background()

	switch entry.Type {
	case wal.EntryCreateCollection:
		name := string(entry.Key)
		if _, ok := e.byID[entry.Collection]; ok {
			return false, nil
		}
		if _, ok := e.collections[name]; ok {
			return false, nil
		}
		dim, metric, err := decodeCollectionConfig(entry.Metadata)
		if err != nil {
			return false, err
		}
		col, err := e.newCollection(entry.Collection, name, dim, metric, CollectionOptions{})
		if err != nil {
			return false, err
		}
		e.collections[name] = col
		e.byID[entry.Collection] = col
		if entry.Collection >= e.nextColID {
			e.nextColID = entry.Collection + 1
		}
		return true, nil

	case wal.EntryDropCollection:
		col, ok := e.byID[entry.Collection]
		if !ok {
			return false, nil
		}
		if err := col.records.FreeAll(); err != nil {
			return false, err
		}
		delete(e.collections, col.name)
		delete(e.byID, entry.Collection)
		return true, nil

	case wal.EntryPut:
		col, ok := e.byID[entry.Collection]
		if !ok {
			// Collection dropped later in the log.
			return false, nil
		}
		return false, e.applyPut(ctx, col, string(entry.Key), entry.Seq, entry.Vector, entry.Metadata)

	case wal.EntryDelete:
		col, ok := e.byID[entry.Collection]
		if !ok {
			return false, nil
		}
		_, err := e.applyDelete(ctx, col, string(entry.Key), entry.Seq)
		return false, err

	default:
		return false, fmt.Errorf("%w: unknown log entry type %d", ErrCorruption, entry.Type)
	}
}
