// Package velo is an embedded vector-indexed key-value storage engine.
//
// A velo database is a single data directory holding a page file, a
// write-ahead log and a checkpoint snapshot. Records (key, vector, metadata)
// live in named collections with a fixed dimension and distance metric;
// nearest-neighbor search runs over an in-memory HNSW graph that is rebuilt
// or snapshot-restored at open.
//
// Every write is logged before it is applied, so the engine recovers to the
// last durable log entry after a crash. Durability is configurable per the
// usual trade-offs: fsync per write, batched group commit, or none.
//
// # Quick start
//
//	ctx := context.Background()
//	db, err := velo.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.CreateCollection(ctx, "docs", 128, velo.MetricCosine); err != nil {
//	    log.Fatal(err)
//	}
//	if err := db.Put(ctx, "docs", "doc-1", embedding, []byte(`{"lang":"en"}`)); err != nil {
//	    log.Fatal(err)
//	}
//
//	results, err := db.Search(ctx, "docs", query, 10)
//	for _, r := range results {
//	    fmt.Println(r.Key, r.Distance)
//	}
//
// # Durability
//
//	db, err := velo.Open("./data",
//	    velo.WithDurability(wal.DurabilityGroupCommit),
//	    velo.WithWALCompression(true),
//	)
//
// One process owns a data directory at a time; a second Open returns
// ErrConcurrencyConflict.
package velo
