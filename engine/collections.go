package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/distance"
	"github.com/velodb/velo/index/hnsw"
	"github.com/velodb/velo/recordstore"
	"github.com/velodb/velo/wal"
)

// CollectionOptions configures the index of a new collection.
type CollectionOptions struct {
	// M is the HNSW connectivity parameter. 0 uses the index default.
	M int

	// EFSearch is the default search candidate list size. 0 uses the index
	// default.
	EFSearch int

	// Seed makes graph construction deterministic. Nil seeds from the clock.
	Seed *int64
}

// CreateCollection creates a named collection with a fixed dimension and
// metric. The metric cannot change after creation.
func (e *Engine) CreateCollection(ctx context.Context, name string, dim int, metric distance.Metric, optFns ...func(o *CollectionOptions)) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.endOp()
	if err := ctx.Err(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("engine: collection name must not be empty")
	}
	if dim <= 0 {
		return fmt.Errorf("engine: dimension must be positive, got %d", dim)
	}

	var copts CollectionOptions
	for _, fn := range optFns {
		fn(&copts)
	}

	// Lock order: opMu before mu, matching Checkpoint.
	e.opMu.RLock()
	defer e.opMu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.collections[name]; ok {
		return fmt.Errorf("%w: collection %q", ErrAlreadyExists, name)
	}

	id := e.nextColID
	e.nextColID++

	_, err := e.wal.Append(&wal.Entry{
		Type:       wal.EntryCreateCollection,
		Collection: id,
		Key:        []byte(name),
		Metadata:   encodeCollectionConfig(dim, metric),
	})
	if err != nil {
		e.nextColID--
		return fmt.Errorf("engine: create collection %q: %w", name, err)
	}

	col, err := e.newCollection(id, name, dim, metric, copts)
	if err != nil {
		return err
	}
	e.collections[name] = col
	e.byID[id] = col
	if err := e.writeCatalogLocked(); err != nil {
		return err
	}

	e.log.Info("collection created", "name", name, "dimension", dim, "metric", metric.String())
	return nil
}

// DropCollection removes a collection, its records and its index.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.endOp()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.opMu.RLock()
	defer e.opMu.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	col, ok := e.collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	_, err := e.wal.Append(&wal.Entry{
		Type:       wal.EntryDropCollection,
		Collection: col.id,
		Key:        []byte(name),
	})
	if err != nil {
		return fmt.Errorf("engine: drop collection %q: %w", name, err)
	}

	if err := col.records.FreeAll(); err != nil {
		return fmt.Errorf("engine: drop collection %q: %w", name, err)
	}
	delete(e.collections, name)
	delete(e.byID, col.id)
	if err := e.writeCatalogLocked(); err != nil {
		return err
	}

	e.log.Info("collection dropped", "name", name)
	return nil
}

// Collections returns the collection names in lexical order.
func (e *Engine) Collections() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) newCollection(id core.CollectionID, name string, dim int, metric distance.Metric, copts CollectionOptions) (*collection, error) {
	idx, err := hnsw.New(func(o *hnsw.Options) {
		o.Dimension = dim
		o.Metric = metric
		if copts.M > 0 {
			o.M = copts.M
		}
		if copts.EFSearch > 0 {
			o.EFSearch = copts.EFSearch
		}
		if copts.Seed != nil {
			o.Seed = copts.Seed
		}
	})
	if err != nil {
		return nil, fmt.Errorf("engine: collection %q: %w", name, err)
	}
	return &collection{
		id:      id,
		name:    name,
		dim:     dim,
		metric:  metric,
		index:   idx,
		records: recordstore.New(e.pages, id),
	}, nil
}

// writeCatalogLocked persists the current collection set. Caller holds e.mu.
func (e *Engine) writeCatalogLocked() error {
	c := &catalog{nextID: e.nextColID}
	for _, col := range e.collections {
		c.entries = append(c.entries, catalogEntry{
			id:     col.id,
			name:   col.name,
			dim:    col.dim,
			metric: col.metric,
		})
	}
	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].id < c.entries[j].id })
	return writeCatalog(e.pages, c)
}

func encodeCollectionConfig(dim int, metric distance.Metric) []byte {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(dim)) //nolint:gosec
	buf[4] = byte(metric)
	return buf
}

func decodeCollectionConfig(buf []byte) (dim int, metric distance.Metric, err error) {
	if len(buf) < 5 {
		return 0, 0, fmt.Errorf("%w: short collection config", ErrCorruption)
	}
	return int(binary.LittleEndian.Uint32(buf[0:4])), distance.Metric(buf[4]), nil
}
