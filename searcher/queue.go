// Package searcher provides the bounded priority queues used by graph
// traversal and result collection.
package searcher

import (
	"container/heap"

	"github.com/velodb/velo/core"
)

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// Item is a candidate in a priority queue: a node and its distance to the
// query. Value-based to avoid pointer churn on the search hot path.
type Item struct {
	Node     core.LocalID
	Distance float32
}

// PriorityQueue is a binary heap of Items, ordered by Distance.
//
// A min-queue pops the nearest candidate first (traversal frontier); a
// max-queue keeps the worst result on top so it can be displaced cheaply
// (bounded result set).
type PriorityQueue struct {
	max   bool
	items []Item
}

// NewMin creates a min-queue with the given initial capacity.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

// NewMax creates a max-queue with the given initial capacity.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of items in the queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Less reports whether the element with index i should sort before the element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.max {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

// Push pushes x onto the heap. Prefer PushItem.
func (pq *PriorityQueue) Push(x any) {
	pq.items = append(pq.items, x.(Item))
}

// Pop removes and returns the last element. Prefer PopItem.
func (pq *PriorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

// PushItem inserts an item while maintaining the heap invariant.
func (pq *PriorityQueue) PushItem(item Item) {
	heap.Push(pq, item)
}

// PopItem removes and returns the top of the heap.
func (pq *PriorityQueue) PopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(pq).(Item), true
}

// TopItem returns the top of the heap without removing it.
func (pq *PriorityQueue) TopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// MinItem returns the item with the smallest distance. O(n) for a max-queue,
// but n (ef) is small.
func (pq *PriorityQueue) MinItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	best := pq.items[0]
	for _, it := range pq.items[1:] {
		if it.Distance < best.Distance {
			best = it
		}
	}
	return best, true
}

// Reset clears the queue, keeping its backing storage for reuse via sync.Pool.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}
