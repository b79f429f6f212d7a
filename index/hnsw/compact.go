package hnsw

import (
	"context"
	"runtime"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/velodb/velo/core"
)

// Compact physically removes tombstoned nodes and repairs the neighbor lists
// of their former neighbors so the graph stays connected among live nodes.
//
// Three phases, each parallelized over the node space:
//  1. Repair: live nodes whose live-degree dropped too low search for
//     replacement neighbors, keeping tombstones as bridges meanwhile.
//  2. Prune: tombstoned ids are removed from live adjacency lists.
//  3. Remove: tombstoned nodes are dropped and the entry point is re-seated
//     on a live node if necessary.
func (h *Index) Compact(ctx context.Context) error {
	h.tombMu.RLock()
	tombs := h.tombstones.Clone()
	h.tombMu.RUnlock()
	if tombs.IsEmpty() {
		return nil
	}

	if err := h.forEachNode(ctx, func(id core.LocalID) {
		if !tombs.Contains(uint32(id)) {
			h.repairNode(ctx, id, tombs)
		}
	}); err != nil {
		return err
	}

	if err := h.forEachNode(ctx, func(id core.LocalID) {
		if !tombs.Contains(uint32(id)) {
			h.pruneTombstonedNeighbors(id, tombs)
		}
	}); err != nil {
		return err
	}

	// Re-seat the entry point before nodes disappear.
	if err := h.reseatEntryPoint(tombs); err != nil {
		return err
	}

	h.stateMu.Lock()
	it := tombs.Iterator()
	for it.HasNext() {
		id := core.LocalID(it.Next())
		if int(id) < len(h.nodes) {
			h.nodes[id] = nil
			h.vectors[id] = nil
		}
	}
	h.stateMu.Unlock()

	h.tombMu.Lock()
	h.tombstones.AndNot(tombs)
	h.tombMu.Unlock()

	return ctx.Err()
}

// forEachNode runs fn over every present node id using a worker pool.
func (h *Index) forEachNode(ctx context.Context, fn func(id core.LocalID)) error {
	h.stateMu.RLock()
	total := len(h.nodes)
	h.stateMu.RUnlock()

	numWorkers := runtime.GOMAXPROCS(0)
	jobs := make(chan core.LocalID, 1024)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if ctx.Err() != nil {
					return
				}
				fn(id)
			}
		}()
	}

	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			break
		}
		id := core.LocalID(i) //nolint:gosec
		if h.getNode(id) != nil {
			jobs <- id
		}
	}
	close(jobs)
	wg.Wait()
	return ctx.Err()
}

// repairNode checks whether a live node is about to lose too many neighbors
// and, if so, searches replacements. Tombstoned neighbors are kept for now so
// traversal through the damaged region still works during the repair phase.
func (h *Index) repairNode(ctx context.Context, id core.LocalID, tombs *roaring.Bitmap) {
	layersToRepair := h.layersNeedingRepair(id, tombs)
	if len(layersToRepair) == 0 {
		return
	}

	vec, ok := h.Vector(id)
	if !ok {
		return
	}
	n := h.getNode(id)
	if n == nil {
		return
	}

	h.stateMu.RLock()
	epID := h.entryPoint
	maxLevel := h.maxLevel
	h.stateMu.RUnlock()

	currID := epID
	currDist := h.dist(vec, currID)
	for layer := maxLevel; layer > n.level; layer-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, layer)
	}

	notSelf := func(x core.LocalID) bool { return x != id }

	for layer := min(n.level, maxLevel); layer >= 0; layer-- {
		if ctx.Err() != nil {
			return
		}
		candidates, err := h.searchLayer(vec, currID, currDist, layer, h.opts.EFConstruction, notSelf)
		if err != nil {
			return
		}

		if best, ok := candidates.MinItem(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		if layersToRepair[layer] {
			replacements := h.selectNeighbors(candidates, h.mmax)
			h.mergeRepairedConnections(id, layer, replacements, tombs)
			// Back-link outside the node's own lock to keep lock order flat.
			for _, r := range replacements {
				if r != id && !tombs.Contains(uint32(r)) {
					h.addConnection(r, id, layer)
				}
			}
		} else {
			candidates.Reset()
			h.maxPool.Put(candidates)
		}
	}
}

// mergeRepairedConnections installs fresh live neighbors while preserving the
// node's existing tombstoned bridges.
func (h *Index) mergeRepairedConnections(id core.LocalID, layer int, replacements []core.LocalID, tombs *roaring.Bitmap) {
	h.connLocks[id%numConnLocks].Lock()
	defer h.connLocks[id%numConnLocks].Unlock()

	n := h.getNode(id)
	if n == nil || layer > n.level {
		return
	}

	var bridges []core.LocalID
	for _, c := range n.connections(layer) {
		if tombs.Contains(uint32(c)) {
			bridges = append(bridges, c)
		}
	}

	merged := make([]core.LocalID, 0, len(replacements)+len(bridges))
	for _, r := range replacements {
		if r != id && !tombs.Contains(uint32(r)) {
			merged = append(merged, r)
		}
	}
	merged = append(merged, bridges...)
	n.setConnections(layer, merged)
}

// layersNeedingRepair reports the layers whose live-degree fell below half
// the connection budget.
func (h *Index) layersNeedingRepair(id core.LocalID, tombs *roaring.Bitmap) map[int]bool {
	h.connLocks[id%numConnLocks].RLock()
	defer h.connLocks[id%numConnLocks].RUnlock()

	n := h.getNode(id)
	if n == nil {
		return nil
	}

	var out map[int]bool
	for layer := 0; layer <= n.level; layer++ {
		conns := n.connections(layer)
		if len(conns) == 0 {
			continue
		}
		live := 0
		for _, c := range conns {
			if !tombs.Contains(uint32(c)) {
				live++
			}
		}
		threshold := h.mmax / 2
		if layer == 0 {
			threshold = h.mmax // mmax0 is 2*M
		}
		if live < threshold && live < len(conns) {
			if out == nil {
				out = make(map[int]bool)
			}
			out[layer] = true
		}
	}
	return out
}

func (h *Index) pruneTombstonedNeighbors(id core.LocalID, tombs *roaring.Bitmap) {
	h.connLocks[id%numConnLocks].Lock()
	defer h.connLocks[id%numConnLocks].Unlock()

	n := h.getNode(id)
	if n == nil {
		return
	}

	for layer := 0; layer <= n.level; layer++ {
		conns := n.connections(layer)
		dirty := false
		for _, c := range conns {
			if tombs.Contains(uint32(c)) {
				dirty = true
				break
			}
		}
		if !dirty {
			continue
		}
		live := make([]core.LocalID, 0, len(conns))
		for _, c := range conns {
			if !tombs.Contains(uint32(c)) {
				live = append(live, c)
			}
		}
		n.setConnections(layer, live)
	}
}

// reseatEntryPoint moves the entry point onto the highest-level live node
// when the current one is tombstoned.
func (h *Index) reseatEntryPoint(tombs *roaring.Bitmap) error {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	if !h.hasEntry || !tombs.Contains(uint32(h.entryPoint)) {
		return nil
	}

	bestLevel := -1
	var bestID core.LocalID
	for i, n := range h.nodes {
		if n == nil || tombs.Contains(uint32(i)) { //nolint:gosec
			continue
		}
		if n.level > bestLevel {
			bestLevel = n.level
			bestID = core.LocalID(i) //nolint:gosec
		}
	}

	if bestLevel < 0 {
		// Graph is empty after compaction.
		h.hasEntry = false
		h.maxLevel = 0
		h.entryPoint = 0
		return nil
	}
	h.entryPoint = bestID
	h.maxLevel = bestLevel
	return nil
}

// reachable is a test hook: ids reachable from the entry point on layer 0.
func (h *Index) reachable() *roaring.Bitmap {
	out := roaring.New()

	h.stateMu.RLock()
	hasEntry := h.hasEntry
	ep := h.entryPoint
	h.stateMu.RUnlock()
	if !hasEntry {
		return out
	}

	stack := []core.LocalID{ep}
	out.Add(uint32(ep))
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range h.getConnections(id, 0) {
			if !out.Contains(uint32(c)) {
				out.Add(uint32(c))
				stack = append(stack, c)
			}
		}
	}
	return out
}
