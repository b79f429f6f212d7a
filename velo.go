package velo

import (
	"context"

	"github.com/velodb/velo/distance"
	"github.com/velodb/velo/engine"
)

// Metric selects the distance function of a collection.
type Metric = distance.Metric

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 = distance.MetricL2

	// MetricCosine is cosine distance; vectors are normalized on insert and
	// query.
	MetricCosine = distance.MetricCosine

	// MetricDot is negative inner product.
	MetricDot = distance.MetricDot
)

// Item is a stored record.
type Item = engine.Item

// SearchResult is a single nearest-neighbor hit.
type SearchResult = engine.SearchResult

// CollectionOptions configures the index of a new collection.
type CollectionOptions = engine.CollectionOptions

// DB is an embedded vector-indexed key-value database over one data
// directory. All methods are safe for concurrent use.
type DB struct {
	engine *engine.Engine
}

// Open opens or creates the database in dir, recovering from the log if the
// previous process did not shut down cleanly. The directory is exclusively
// owned until Close.
func Open(dir string, opts ...Option) (*DB, error) {
	e, err := engine.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	return &DB{engine: e}, nil
}

// CreateCollection creates a named collection with a fixed vector dimension
// and metric.
func (db *DB) CreateCollection(ctx context.Context, name string, dim int, metric Metric, optFns ...func(o *CollectionOptions)) error {
	return db.engine.CreateCollection(ctx, name, dim, metric, optFns...)
}

// DropCollection removes a collection, its records and its index.
func (db *DB) DropCollection(ctx context.Context, name string) error {
	return db.engine.DropCollection(ctx, name)
}

// Collections returns the collection names in lexical order.
func (db *DB) Collections() []string {
	return db.engine.Collections()
}

// Put stores or replaces the record for key.
func (db *DB) Put(ctx context.Context, collection, key string, vector []float32, metadata []byte) error {
	return db.engine.Put(ctx, collection, key, vector, metadata)
}

// Get returns the record stored for key, or ErrNotFound.
func (db *DB) Get(ctx context.Context, collection, key string) (Item, error) {
	return db.engine.Get(ctx, collection, key)
}

// Delete removes the record for key, reporting whether it existed.
func (db *DB) Delete(ctx context.Context, collection, key string) (bool, error) {
	return db.engine.Delete(ctx, collection, key)
}

// Search returns up to k nearest neighbors of query, ascending by distance.
func (db *DB) Search(ctx context.Context, collection string, query []float32, k int) ([]SearchResult, error) {
	return db.engine.Search(ctx, collection, query, k)
}

// Scan invokes fn for every record in collection, in unspecified order.
func (db *DB) Scan(ctx context.Context, collection string, fn func(item Item) error) error {
	return db.engine.Scan(ctx, collection, fn)
}

// Len returns the number of live records in collection.
func (db *DB) Len(collection string) (int, error) {
	return db.engine.Len(collection)
}

// Checkpoint flushes all state to disk and truncates the log.
func (db *DB) Checkpoint(ctx context.Context) error {
	return db.engine.Checkpoint(ctx)
}

// Compact removes tombstoned nodes from a collection's index.
func (db *DB) Compact(ctx context.Context, collection string) error {
	return db.engine.Compact(ctx, collection)
}

// Close drains in-flight operations, checkpoints and releases the data
// directory. Idempotent.
func (db *DB) Close() error {
	return db.engine.Close()
}
