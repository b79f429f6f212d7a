package core

// LocalID is a dense, internal identifier for a record within a single
// collection. It is strictly 32-bit, allowing for max 4 billion records per
// collection. Used for all hot-path structures (graph adjacency, bitsets,
// heaps).
type LocalID uint32

// MaxLocalID is the maximum possible value for a LocalID.
const MaxLocalID = ^LocalID(0)

// PageID identifies a fixed-size page within the page file. Page 0 holds the
// file header and is never handed out by the allocator.
type PageID uint64

// NilPage marks the absence of a page: the end of a record chain or an empty
// free list.
const NilPage = PageID(0)

// CollectionID identifies a collection within the engine catalog.
type CollectionID uint32
