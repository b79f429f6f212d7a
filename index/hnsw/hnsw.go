// Package hnsw implements a Hierarchical Navigable Small World graph for
// approximate nearest neighbor search.
//
// Deletion is logical: nodes are tombstoned and skipped in results, but
// remain traversable so the graph stays connected. Compact physically removes
// tombstoned nodes and repairs the neighborhoods of their former neighbors.
package hnsw

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/velodb/velo/core"
	"github.com/velodb/velo/distance"
	"github.com/velodb/velo/internal/visited"
	"github.com/velodb/velo/searcher"
)

const (
	// DefaultM is the default number of bidirectional links per node.
	DefaultM = 16

	// DefaultEFConstruction is the default candidate list size during insert.
	DefaultEFConstruction = 200

	// DefaultEFSearch is the default candidate list size during search.
	DefaultEFSearch = 100

	// mmax0Multiplier scales the connection cap at layer 0.
	mmax0Multiplier = 2

	minimumM = 2

	numConnLocks = 1024
)

// ErrDimensionMismatch is returned when a vector's length does not match the
// index dimension.
var ErrDimensionMismatch = errors.New("hnsw: vector dimension mismatch")

// ErrEmptyVector is returned for zero-length vectors.
var ErrEmptyVector = errors.New("hnsw: empty vector")

// ErrNodeExists is returned when inserting an id that is already present.
var ErrNodeExists = errors.New("hnsw: node already exists")

// ErrNodeNotFound is returned when deleting an id that is not present.
var ErrNodeNotFound = errors.New("hnsw: node not found")

// Result is a single search hit.
type Result struct {
	ID       core.LocalID
	Distance float32
}

// Options represents the options for configuring the index.
type Options struct {
	// Dimension is the fixed vector dimension. Required.
	Dimension int

	// M is the number of bidirectional links created per node.
	M int

	// EFConstruction is the size of the dynamic candidate list during insert.
	EFConstruction int

	// EFSearch is the default size of the candidate list during search.
	EFSearch int

	// Heuristic enables diversity-aware neighbor selection instead of
	// keeping the plain M nearest.
	Heuristic bool

	// Metric selects the distance function. Cosine implies normalization on
	// insert and query.
	Metric distance.Metric

	// Seed makes layer assignment deterministic for reproducible tests.
	// When nil, the index seeds from the clock.
	Seed *int64
}

// DefaultOptions returns default index options.
var DefaultOptions = Options{
	M:              DefaultM,
	EFConstruction: DefaultEFConstruction,
	EFSearch:       DefaultEFSearch,
	Heuristic:      true,
	Metric:         distance.MetricL2,
}

type node struct {
	level int
	conns [][]core.LocalID // adjacency per layer, 0..level
}

func (n *node) connections(layer int) []core.LocalID {
	if layer > n.level {
		return nil
	}
	return n.conns[layer]
}

func (n *node) setConnections(layer int, conns []core.LocalID) {
	if layer <= n.level {
		n.conns[layer] = conns
	}
}

// Index is the navigable small world graph.
type Index struct {
	opts         Options
	distanceFunc distance.Func
	normalize    bool
	layerMult    float64
	mmax         int
	mmax0        int

	// stateMu guards nodes/vectors slice growth, entry point, level and count.
	stateMu    sync.RWMutex
	nodes      []*node
	vectors    [][]float32
	entryPoint core.LocalID
	maxLevel   int
	count      int
	hasEntry   bool

	// connLocks stripe the per-node adjacency lists.
	connLocks []sync.RWMutex

	tombMu     sync.RWMutex
	tombstones *roaring.Bitmap

	rngMu sync.Mutex
	rng   *rand.Rand

	minPool     *sync.Pool
	maxPool     *sync.Pool
	visitedPool *sync.Pool
}

// New creates a new index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction <= 0 {
		opts.EFConstruction = DefaultEFConstruction
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}

	distanceFunc, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	var rng *rand.Rand
	if opts.Seed != nil {
		rng = rand.New(rand.NewSource(*opts.Seed)) //nolint:gosec // reproducibility, not crypto
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano())) //nolint:gosec
	}

	h := &Index{
		opts:         opts,
		distanceFunc: distanceFunc,
		normalize:    opts.Metric == distance.MetricCosine,
		layerMult:    1 / math.Log(float64(opts.M)),
		mmax:         opts.M,
		mmax0:        mmax0Multiplier * opts.M,
		connLocks:    make([]sync.RWMutex, numConnLocks),
		tombstones:   roaring.New(),
		rng:          rng,
		minPool: &sync.Pool{
			New: func() any { return searcher.NewMin(opts.EFConstruction) },
		},
		maxPool: &sync.Pool{
			New: func() any { return searcher.NewMax(opts.EFConstruction) },
		},
		visitedPool: &sync.Pool{
			New: func() any { return visited.New(1024) },
		},
	}
	return h, nil
}

// Dimension returns the fixed vector dimension.
func (h *Index) Dimension() int {
	return h.opts.Dimension
}

// Len returns the number of live (non-tombstoned) nodes.
func (h *Index) Len() int {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	return h.count
}

// Contains reports whether id is present and not tombstoned.
func (h *Index) Contains(id core.LocalID) bool {
	if h.isTombstoned(id) {
		return false
	}
	return h.getNode(id) != nil
}

// Vector returns the stored (possibly normalized) vector for id.
func (h *Index) Vector(id core.LocalID) ([]float32, bool) {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	if int(id) >= len(h.vectors) || h.vectors[id] == nil {
		return nil, false
	}
	return h.vectors[id], true
}

func (h *Index) getNode(id core.LocalID) *node {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()
	if int(id) >= len(h.nodes) {
		return nil
	}
	return h.nodes[id]
}

func (h *Index) isTombstoned(id core.LocalID) bool {
	h.tombMu.RLock()
	defer h.tombMu.RUnlock()
	return h.tombstones.Contains(uint32(id))
}

func (h *Index) randomLevel() int {
	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()
	if r == 0 {
		r = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(r) * h.layerMult))
}

func (h *Index) prepareVector(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmptyVector
	}
	if len(v) != h.opts.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, h.opts.Dimension, len(v))
	}
	if h.normalize {
		vec, ok := distance.NormalizeL2Copy(v)
		if !ok {
			return nil, fmt.Errorf("hnsw: cannot normalize zero vector")
		}
		return vec, nil
	}
	vec := make([]float32, len(v))
	copy(vec, v)
	return vec, nil
}

// Insert adds a vector under the given id. The id is chosen by the caller
// (the engine allocates dense ids) so crash recovery re-derives the exact
// same graph membership from the log.
func (h *Index) Insert(ctx context.Context, id core.LocalID, v []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := h.prepareVector(v)
	if err != nil {
		return err
	}

	if h.getNode(id) != nil && !h.isTombstoned(id) {
		return fmt.Errorf("%w: %d", ErrNodeExists, id)
	}

	level := h.randomLevel()
	n := &node{level: level, conns: make([][]core.LocalID, level+1)}

	// First node short-circuits: publish and become the entry point.
	h.stateMu.Lock()
	h.growLocked(id)
	if !h.hasEntry {
		h.vectors[id] = vec
		h.nodes[id] = n
		h.entryPoint = id
		h.maxLevel = level
		h.hasEntry = true
		h.count++
		h.stateMu.Unlock()
		return nil
	}
	// Vector must be visible before the node is discoverable.
	h.vectors[id] = vec
	epID := h.entryPoint
	maxLevel := h.maxLevel
	h.stateMu.Unlock()

	currID := epID
	currDist := h.dist(vec, currID)

	// Greedy descent through layers above the node's level.
	for layer := maxLevel; layer > level; layer-- {
		currID, currDist = h.greedyStep(vec, currID, currDist, layer)
	}

	// Search and link from min(level, maxLevel) down to 0. The node's own
	// adjacency is fully written before the node is published, so a reader
	// never observes a half-linked node.
	type linkWork struct {
		layer     int
		neighbors []core.LocalID
	}
	links := make([]linkWork, 0, level+1)

	for layer := min(level, maxLevel); layer >= 0; layer-- {
		candidates, err := h.searchLayer(vec, currID, currDist, layer, h.opts.EFConstruction, nil)
		if err != nil {
			return err
		}

		if best, ok := candidates.MinItem(); ok {
			currID = best.Node
			currDist = best.Distance
		}

		maxConns := h.mmax
		if layer == 0 {
			maxConns = h.mmax0
		}
		neighbors := h.selectNeighbors(candidates, maxConns)
		candidates.Reset()
		h.maxPool.Put(candidates)

		n.setConnections(layer, neighbors)
		links = append(links, linkWork{layer: layer, neighbors: neighbors})
	}

	// Publish.
	h.stateMu.Lock()
	h.nodes[id] = n
	h.count++
	h.tombMu.Lock()
	h.tombstones.Remove(uint32(id))
	h.tombMu.Unlock()
	h.stateMu.Unlock()

	// Back-link neighbors after publication.
	for _, lw := range links {
		for _, neighborID := range lw.neighbors {
			h.addConnection(neighborID, id, lw.layer)
		}
	}

	// Raise the entry point if the new node tops the graph.
	h.stateMu.Lock()
	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = id
	}
	h.stateMu.Unlock()

	return nil
}

func (h *Index) growLocked(id core.LocalID) {
	need := int(id) + 1
	if need <= len(h.nodes) {
		return
	}
	nodes := make([]*node, max(need, len(h.nodes)*2))
	copy(nodes, h.nodes)
	h.nodes = nodes

	vectors := make([][]float32, len(nodes))
	copy(vectors, h.vectors)
	h.vectors = vectors
}

// greedyStep walks toward the query on one layer until no neighbor improves.
func (h *Index) greedyStep(vec []float32, currID core.LocalID, currDist float32, layer int) (core.LocalID, float32) {
	for changed := true; changed; {
		changed = false
		for _, nextID := range h.getConnections(currID, layer) {
			nextDist := h.dist(vec, nextID)
			if nextDist < currDist {
				currID = nextID
				currDist = nextDist
				changed = true
			}
		}
	}
	return currID, currDist
}

func (h *Index) getConnections(id core.LocalID, layer int) []core.LocalID {
	h.connLocks[id%numConnLocks].RLock()
	defer h.connLocks[id%numConnLocks].RUnlock()

	n := h.getNode(id)
	if n == nil {
		return nil
	}
	conns := n.connections(layer)
	out := make([]core.LocalID, len(conns))
	copy(out, conns)
	return out
}

// addConnection links target into source's adjacency at the given layer,
// pruning with the selection heuristic when the cap is exceeded.
func (h *Index) addConnection(sourceID, targetID core.LocalID, layer int) {
	h.connLocks[sourceID%numConnLocks].Lock()
	defer h.connLocks[sourceID%numConnLocks].Unlock()

	n := h.getNode(sourceID)
	if n == nil || layer > n.level {
		return
	}

	conns := n.connections(layer)
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	maxConns := h.mmax
	if layer == 0 {
		maxConns = h.mmax0
	}

	if len(conns) < maxConns {
		n.setConnections(layer, append(conns, targetID))
		return
	}

	vSource, ok := h.Vector(sourceID)
	if !ok {
		return
	}

	candidates := h.maxPool.Get().(*searcher.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.maxPool.Put(candidates)
	}()

	for _, c := range conns {
		candidates.PushItem(searcher.Item{Node: c, Distance: h.dist(vSource, c)})
	}
	candidates.PushItem(searcher.Item{Node: targetID, Distance: h.dist(vSource, targetID)})

	n.setConnections(layer, h.selectNeighbors(candidates, maxConns))
}

// selectNeighbors picks up to m neighbors from candidates (a max-queue).
func (h *Index) selectNeighbors(candidates *searcher.PriorityQueue, m int) []core.LocalID {
	if h.opts.Heuristic {
		return h.selectNeighborsHeuristic(candidates, m)
	}
	return h.selectNeighborsSimple(candidates, m)
}

func (h *Index) selectNeighborsSimple(candidates *searcher.PriorityQueue, m int) []core.LocalID {
	for candidates.Len() > m {
		_, _ = candidates.PopItem()
	}
	res := make([]core.LocalID, candidates.Len())
	for i := candidates.Len() - 1; i >= 0; i-- {
		item, _ := candidates.PopItem()
		res[i] = item.Node
	}
	return res
}

// selectNeighborsHeuristic keeps neighbors that are nearer to the base point
// than to any already-selected neighbor (relative neighborhood property),
// which prevents degenerate dense clusters.
func (h *Index) selectNeighborsHeuristic(candidates *searcher.PriorityQueue, m int) []core.LocalID {
	if candidates.Len() <= m {
		return h.selectNeighborsSimple(candidates, m)
	}

	// Pop worst-to-best, store best-first.
	sorted := make([]searcher.Item, candidates.Len())
	for i := len(sorted) - 1; i >= 0; i-- {
		sorted[i], _ = candidates.PopItem()
	}

	result := make([]core.LocalID, 0, m)
	resultVecs := make([][]float32, 0, m)

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		candVec, ok := h.Vector(cand.Node)
		if !ok {
			continue
		}
		good := true
		for _, selVec := range resultVecs {
			if h.distanceFunc(candVec, selVec) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand.Node)
			resultVecs = append(resultVecs, candVec)
		}
	}

	// Backfill with the nearest rejected candidates.
	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		seen := false
		for _, r := range result {
			if r == cand.Node {
				seen = true
				break
			}
		}
		if !seen {
			result = append(result, cand.Node)
		}
	}
	return result
}

// searchLayer explores one layer from the entry candidate, returning up to ef
// results in a max-queue. Tombstoned nodes are traversed but never returned.
// The caller must Reset and return the queue to maxPool.
func (h *Index) searchLayer(query []float32, epID core.LocalID, epDist float32, layer, ef int, filter func(core.LocalID) bool) (*searcher.PriorityQueue, error) {
	vis := h.visitedPool.Get().(*visited.Set)
	vis.Reset()
	defer h.visitedPool.Put(vis)

	candidates := h.minPool.Get().(*searcher.PriorityQueue)
	candidates.Reset()
	defer func() {
		candidates.Reset()
		h.minPool.Put(candidates)
	}()

	results := h.maxPool.Get().(*searcher.PriorityQueue)
	results.Reset()

	vis.Visit(epID)
	candidates.PushItem(searcher.Item{Node: epID, Distance: epDist})
	if h.admissible(epID, filter) {
		results.PushItem(searcher.Item{Node: epID, Distance: epDist})
	}

	for candidates.Len() > 0 {
		curr, _ := candidates.PopItem()

		if results.Len() >= ef {
			if worst, ok := results.TopItem(); ok && curr.Distance > worst.Distance {
				break
			}
		}

		for _, nextID := range h.getConnections(curr.Node, layer) {
			if vis.Visited(nextID) {
				continue
			}
			vis.Visit(nextID)

			nextDist := h.dist(query, nextID)
			if results.Len() >= ef {
				if worst, ok := results.TopItem(); ok && nextDist > worst.Distance {
					continue
				}
			}

			candidates.PushItem(searcher.Item{Node: nextID, Distance: nextDist})
			if h.admissible(nextID, filter) {
				results.PushItem(searcher.Item{Node: nextID, Distance: nextDist})
				if results.Len() > ef {
					_, _ = results.PopItem()
				}
			}
		}
	}

	return results, nil
}

func (h *Index) admissible(id core.LocalID, filter func(core.LocalID) bool) bool {
	if h.isTombstoned(id) {
		return false
	}
	return filter == nil || filter(id)
}

// dist computes distance between a query vector and a stored node.
func (h *Index) dist(v []float32, id core.LocalID) float32 {
	vec, ok := h.Vector(id)
	if !ok {
		return math.MaxFloat32
	}
	return h.distanceFunc(v, vec)
}

// Delete tombstones a node. O(1); the node keeps bridging traversal until
// Compact runs.
func (h *Index) Delete(ctx context.Context, id core.LocalID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.getNode(id) == nil {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	h.tombMu.Lock()
	already := h.tombstones.Contains(uint32(id))
	if !already {
		h.tombstones.Add(uint32(id))
	}
	h.tombMu.Unlock()
	if already {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, id)
	}

	h.stateMu.Lock()
	h.count--
	h.stateMu.Unlock()
	return nil
}

// TombstoneCount returns the number of tombstoned nodes.
func (h *Index) TombstoneCount() int {
	h.tombMu.RLock()
	defer h.tombMu.RUnlock()
	return int(h.tombstones.GetCardinality())
}

// Search returns up to k results in ascending distance order. ef overrides
// the configured EFSearch when positive; it is floored at k.
func (h *Index) Search(ctx context.Context, query []float32, k, ef int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("hnsw: k must be positive, got %d", k)
	}

	q := query
	if h.normalize {
		var ok bool
		if q, ok = distance.NormalizeL2Copy(query); !ok {
			return nil, fmt.Errorf("hnsw: cannot normalize zero query vector")
		}
	}
	if len(q) != h.opts.Dimension {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, h.opts.Dimension, len(q))
	}

	h.stateMu.RLock()
	hasEntry := h.hasEntry
	epID := h.entryPoint
	maxLevel := h.maxLevel
	h.stateMu.RUnlock()
	if !hasEntry {
		return nil, nil
	}

	if ef <= 0 {
		ef = h.opts.EFSearch
	}
	if ef < k {
		ef = k
	}

	currID := epID
	currDist := h.dist(q, currID)
	for layer := maxLevel; layer > 0; layer-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		currID, currDist = h.greedyStep(q, currID, currDist, layer)
	}

	results, err := h.searchLayer(q, currID, currDist, 0, ef, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		results.Reset()
		h.maxPool.Put(results)
	}()

	for results.Len() > k {
		_, _ = results.PopItem()
	}
	res := make([]Result, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		item, _ := results.PopItem()
		res[i] = Result{ID: item.Node, Distance: item.Distance}
	}
	return res, nil
}

// BruteSearch scans every live node. Used for recall validation and as the
// exact fallback on tiny collections.
func (h *Index) BruteSearch(ctx context.Context, query []float32, k int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := query
	if h.normalize {
		var ok bool
		if q, ok = distance.NormalizeL2Copy(query); !ok {
			return nil, fmt.Errorf("hnsw: cannot normalize zero query vector")
		}
	}

	pq := searcher.NewMax(k)
	h.stateMu.RLock()
	total := len(h.nodes)
	h.stateMu.RUnlock()

	for i := 0; i < total; i++ {
		id := core.LocalID(i) //nolint:gosec
		if h.getNode(id) == nil || h.isTombstoned(id) {
			continue
		}
		d := h.dist(q, id)
		if pq.Len() < k {
			pq.PushItem(searcher.Item{Node: id, Distance: d})
		} else if top, _ := pq.TopItem(); d < top.Distance {
			_, _ = pq.PopItem()
			pq.PushItem(searcher.Item{Node: id, Distance: d})
		}
	}

	res := make([]Result, pq.Len())
	for i := pq.Len() - 1; i >= 0; i-- {
		item, _ := pq.PopItem()
		res[i] = Result{ID: item.Node, Distance: item.Distance}
	}
	return res, nil
}
