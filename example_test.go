package velo_test

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/velodb/velo"
)

func Example() {
	dir, err := os.MkdirTemp("", "velo")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	db, err := velo.Open(dir, velo.WithLogger(velo.NoopLogger()))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()

	if err := db.CreateCollection(ctx, "points", 3, velo.MetricL2); err != nil {
		log.Fatal(err)
	}

	if err := db.Put(ctx, "points", "a", []float32{0, 0, 0}, nil); err != nil {
		log.Fatal(err)
	}
	if err := db.Put(ctx, "points", "b", []float32{1, 0, 0}, nil); err != nil {
		log.Fatal(err)
	}

	results, err := db.Search(ctx, "points", []float32{0, 0, 0.1}, 1)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(results[0].Key)
	// Output: a
}
