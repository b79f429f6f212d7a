// Package engine coordinates the page store, the write-ahead log, the record
// stores and the vector indexes behind a collection-oriented API.
//
// Every write is logged before it touches the page store or an index, so a
// crash at any point recovers to the last durable log entry. Reads and
// searches go to in-memory state (key maps, graphs) backed by record pages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/distance"
	"github.com/velodb/velo/index/hnsw"
	"github.com/velodb/velo/pagestore"
	"github.com/velodb/velo/recordstore"
	"github.com/velodb/velo/resource"
	"github.com/velodb/velo/wal"
)

// State is the engine lifecycle state.
type State int32

const (
	StateClosed State = iota
	StateRecovering
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateRecovering:
		return "recovering"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const numKeyStripes = 256

// Item is a stored record as returned by Get.
type Item struct {
	Key      string
	Vector   []float32
	Metadata []byte
}

// SearchResult is a single nearest-neighbor hit.
type SearchResult struct {
	Key      string
	Distance float32
}

type collection struct {
	id      core.CollectionID
	name    string
	dim     int
	metric  distance.Metric
	index   *hnsw.Index
	records *recordstore.Store
}

// Engine is the storage engine over a single data directory.
type Engine struct {
	dir  string
	opts Options
	log  *slog.Logger

	lock  *dirLock
	pages *pagestore.Store
	wal   *wal.WAL

	// mu guards the collection maps and the catalog.
	mu          sync.RWMutex
	collections map[string]*collection
	byID        map[core.CollectionID]*collection
	nextColID   core.CollectionID

	// opMu lets the checkpoint quiesce writers: writers hold it shared for
	// the log-append-then-apply window, checkpoint holds it exclusively.
	opMu sync.RWMutex

	// keyLocks serialize writers of the same key. Stripe collisions
	// occasionally serialize unrelated keys, which is harmless.
	keyLocks [numKeyStripes]sync.Mutex

	state    atomic.Int32
	inflight sync.WaitGroup

	controller *resource.Controller

	checkpointCh chan struct{}
	maintStop    chan struct{}
	maintDone    chan struct{}
}

// Open opens or creates the engine in dir, running recovery before returning.
func Open(dir string, optFns ...func(o *Options)) (*Engine, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		dir:          dir,
		opts:         opts,
		log:          logger,
		collections:  make(map[string]*collection),
		byID:         make(map[core.CollectionID]*collection),
		checkpointCh: make(chan struct{}, 1),
		maintStop:    make(chan struct{}),
		maintDone:    make(chan struct{}),
	}
	e.state.Store(int32(StateRecovering))

	pageOpts := func(o *pagestore.Options) {
		if opts.PageSize > 0 {
			o.PageSize = opts.PageSize
		}
	}

	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}
	e.lock = lock

	e.pages, err = pagestore.Open(dir, pageOpts)
	if err != nil {
		_ = lock.release()
		return nil, err
	}

	if err := e.recover(); err != nil {
		if e.wal != nil {
			_ = e.wal.Close()
		}
		_ = e.pages.Close()
		_ = lock.release()
		return nil, err
	}

	e.wal.SetCheckpointFunc(e.requestCheckpoint)
	e.controller = resource.NewController(resource.Config{
		MaxBackgroundWorkers: opts.MaxBackgroundWorkers,
		IOLimitBytesPerSec:   opts.IOLimitBytesPerSec,
	})

	e.state.Store(int32(StateOpen))
	go e.maintenanceLoop()

	e.log.Info("engine opened",
		"dir", dir,
		"collections", len(e.collections),
		"wal_seq", e.wal.Seq(),
	)
	return e, nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// beginOp registers an in-flight operation. Close waits for all of them.
func (e *Engine) beginOp() error {
	if e.State() != StateOpen {
		return ErrClosed
	}
	e.inflight.Add(1)
	if e.State() != StateOpen {
		e.inflight.Done()
		return ErrClosed
	}
	return nil
}

func (e *Engine) endOp() {
	e.inflight.Done()
}

func (e *Engine) lookup(name string) (*collection, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	col, ok := e.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return col, nil
}

func (e *Engine) keyStripe(col core.CollectionID, key string) *sync.Mutex {
	h := fnv.New32a()
	var b [4]byte
	b[0] = byte(col)
	b[1] = byte(col >> 8)
	b[2] = byte(col >> 16)
	b[3] = byte(col >> 24)
	_, _ = h.Write(b[:])
	_, _ = h.Write([]byte(key))
	return &e.keyLocks[h.Sum32()%numKeyStripes]
}

// Put stores or replaces the record for key in collection. The write is
// durable per the WAL's durability mode once Put returns.
func (e *Engine) Put(ctx context.Context, collection, key string, vector []float32, metadata []byte) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.endOp()
	if err := ctx.Err(); err != nil {
		return err
	}

	col, err := e.lookup(collection)
	if err != nil {
		return err
	}
	if len(vector) != col.dim {
		return &DimensionMismatchError{Expected: col.dim, Actual: len(vector)}
	}

	stripe := e.keyStripe(col.id, key)
	stripe.Lock()
	defer stripe.Unlock()

	e.opMu.RLock()
	defer e.opMu.RUnlock()

	seq, err := e.wal.AppendPut(col.id, []byte(key), vector, metadata)
	if err != nil {
		return fmt.Errorf("engine: put %q: %w", key, err)
	}

	// The mutation is logged; it must not be abandoned on ctx cancellation.
	return e.applyPut(context.WithoutCancel(ctx), col, key, seq, vector, metadata)
}

func (e *Engine) applyPut(ctx context.Context, col *collection, key string, seq uint64, vector []float32, metadata []byte) error {
	res, err := col.records.Put(key, seq, vector, metadata)
	if err != nil {
		return fmt.Errorf("engine: put %q: %w", key, err)
	}
	if res.Skipped {
		return nil
	}

	if res.Replaced {
		if err := col.index.Delete(ctx, res.Prev); err != nil {
			return fmt.Errorf("engine: put %q: unindex old id: %w", key, err)
		}
	}
	if err := col.index.Insert(ctx, res.ID, vector); err != nil {
		return fmt.Errorf("engine: put %q: index: %w", key, err)
	}
	return nil
}

// Get returns the record stored for key.
func (e *Engine) Get(ctx context.Context, collection, key string) (Item, error) {
	if err := e.beginOp(); err != nil {
		return Item{}, err
	}
	defer e.endOp()
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	col, err := e.lookup(collection)
	if err != nil {
		return Item{}, err
	}

	rec, err := col.records.Get(key)
	if err != nil {
		return Item{}, translateRecordErr(err)
	}
	return Item{Key: rec.Key, Vector: rec.Vector, Metadata: rec.Metadata}, nil
}

// Delete removes the record for key. It reports whether the key existed.
func (e *Engine) Delete(ctx context.Context, collection, key string) (bool, error) {
	if err := e.beginOp(); err != nil {
		return false, err
	}
	defer e.endOp()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	col, err := e.lookup(collection)
	if err != nil {
		return false, err
	}

	stripe := e.keyStripe(col.id, key)
	stripe.Lock()
	defer stripe.Unlock()

	e.opMu.RLock()
	defer e.opMu.RUnlock()

	seq, err := e.wal.AppendDelete(col.id, []byte(key))
	if err != nil {
		return false, fmt.Errorf("engine: delete %q: %w", key, err)
	}
	return e.applyDelete(context.WithoutCancel(ctx), col, key, seq)
}

func (e *Engine) applyDelete(ctx context.Context, col *collection, key string, seq uint64) (bool, error) {
	prev, existed, err := col.records.Delete(key, seq)
	if err != nil {
		return false, fmt.Errorf("engine: delete %q: %w", key, err)
	}
	if !existed {
		return false, nil
	}
	if err := col.index.Delete(ctx, prev); err != nil {
		return true, fmt.Errorf("engine: delete %q: unindex: %w", key, err)
	}
	return true, nil
}

// Search returns up to k nearest neighbors of query, ascending by distance.
func (e *Engine) Search(ctx context.Context, collection string, query []float32, k int) ([]SearchResult, error) {
	if err := e.beginOp(); err != nil {
		return nil, err
	}
	defer e.endOp()

	if k <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidK, k)
	}
	col, err := e.lookup(collection)
	if err != nil {
		return nil, err
	}
	if len(query) != col.dim {
		return nil, &DimensionMismatchError{Expected: col.dim, Actual: len(query)}
	}

	hits, err := col.index.Search(ctx, query, k, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: search: %w", err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		key, ok := col.records.Key(h.ID)
		if !ok {
			// Tombstoned between search and lookup.
			continue
		}
		results = append(results, SearchResult{Key: key, Distance: h.Distance})
	}
	return results, nil
}

// Scan invokes fn for every record in collection, in unspecified order.
func (e *Engine) Scan(ctx context.Context, collection string, fn func(item Item) error) error {
	if err := e.beginOp(); err != nil {
		return err
	}
	defer e.endOp()

	col, err := e.lookup(collection)
	if err != nil {
		return err
	}
	return col.records.Scan(func(rec recordstore.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(Item{Key: rec.Key, Vector: rec.Vector, Metadata: rec.Metadata})
	})
}

// Len returns the number of live records in collection.
func (e *Engine) Len(collection string) (int, error) {
	col, err := e.lookup(collection)
	if err != nil {
		return 0, err
	}
	return col.records.Len(), nil
}

// Close drains in-flight operations, checkpoints and releases the directory.
// Idempotent.
func (e *Engine) Close() error {
	if !e.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		if e.State() == StateClosed {
			return nil
		}
		return ErrClosed
	}

	close(e.maintStop)
	<-e.maintDone
	e.inflight.Wait()

	err := e.Checkpoint(context.Background())
	if err != nil {
		e.log.Error("checkpoint on close failed", "error", err)
	}

	if cerr := e.wal.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.pages.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.lock.release(); cerr != nil && err == nil {
		err = cerr
	}

	e.state.Store(int32(StateClosed))
	e.log.Info("engine closed", "dir", e.dir)
	return err
}

func translateRecordErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, recordstore.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, recordstore.ErrCorrupt):
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	default:
		return err
	}
}
