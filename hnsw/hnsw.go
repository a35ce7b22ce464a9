// Package hnsw implements the Hierarchical Navigable Small World graph
// used as the dense index of a collection.
//
// Nodes reference records by arena slot, never by pointer. Removal
// tombstones a node without rewiring: the node keeps serving as a
// navigation waypoint but is excluded from results. Compaction builds
// a fresh graph, which is the only way tombstones are reclaimed.
//
// Reads and writes on disjoint nodes proceed concurrently; a search
// running concurrently with an insert may miss that insert.
package hnsw

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hivellm/vectorizer/internal/queue"
	"github.com/hivellm/vectorizer/internal/visited"
	"github.com/hivellm/vectorizer/model"
)

const (
	// DefaultM is the default number of bidirectional links per layer.
	DefaultM = 16
	// DefaultEFConstruction is the default construction candidate list size.
	DefaultEFConstruction = 200
	// DefaultEFSearch is the default search candidate list size.
	DefaultEFSearch = 100

	// mmax0Multiplier doubles the connection budget at layer 0.
	mmax0Multiplier = 2
	// minimumM avoids a zero layer multiplier (1/log(1)).
	minimumM = 2

	// ctxCheckInterval is how many candidate expansions pass between
	// deadline checks during traversal.
	ctxCheckInterval = 64
)

// DistanceFunc computes the distance between a query vector and the
// record stored at slot. It returns false when the slot has no vector.
// Implementations may consult quantized codes instead of raw vectors.
type DistanceFunc func(query []float32, slot model.Slot) (float32, bool)

// VectorFunc resolves the raw (or decoded) vector at slot, used for
// neighbor diversity pruning.
type VectorFunc func(slot model.Slot) ([]float32, bool)

// Options configures the graph.
type Options struct {
	Dimension      int
	M              int
	EFConstruction int
	EFSearch       int
	// Seed makes level generation deterministic when non-nil.
	Seed *int64

	Distance DistanceFunc
	Vector   VectorFunc
}

// Result is one scored entry of a dense search.
type Result struct {
	Slot     model.Slot
	Distance float32
}

type node struct {
	mu    sync.RWMutex
	slot  model.Slot
	level int
	// conns[l] holds the neighbor slots at layer l, nearest first.
	conns [][]model.Slot
}

// Index is the concurrency-safe HNSW graph.
type Index struct {
	opts Options

	mmax  int
	mmax0 int
	ml    float64

	mu         sync.RWMutex // guards nodes map, entry point, maxLevel
	nodes      map[model.Slot]*node
	entryPoint model.Slot
	maxLevel   int
	hasEntry   bool

	tombstones *roaring.Bitmap
	tombMu     sync.RWMutex

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := Options{
		M:              DefaultM,
		EFConstruction: DefaultEFConstruction,
		EFSearch:       DefaultEFSearch,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: dimension must be positive, got %d", opts.Dimension)
	}
	if opts.Distance == nil || opts.Vector == nil {
		return nil, fmt.Errorf("hnsw: Distance and Vector functions are required")
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = DefaultEFConstruction
	}

	var rng *rand.Rand
	if opts.Seed != nil {
		rng = rand.New(rand.NewSource(*opts.Seed))
	} else {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Index{
		opts:       opts,
		mmax:       opts.M,
		mmax0:      mmax0Multiplier * opts.M,
		ml:         1 / math.Log(float64(opts.M)),
		nodes:      make(map[model.Slot]*node),
		tombstones: roaring.New(),
		rng:        rng,
	}, nil
}

// Count returns the number of live (non-tombstoned) nodes.
func (h *Index) Count() int {
	h.mu.RLock()
	total := len(h.nodes)
	h.mu.RUnlock()

	h.tombMu.RLock()
	dead := int(h.tombstones.GetCardinality())
	h.tombMu.RUnlock()
	return total - dead
}

// Contains reports whether slot is live in the graph.
func (h *Index) Contains(slot model.Slot) bool {
	if h.isTombstoned(slot) {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.nodes[slot]
	return ok
}

func (h *Index) isTombstoned(slot model.Slot) bool {
	h.tombMu.RLock()
	defer h.tombMu.RUnlock()
	return h.tombstones.Contains(uint32(slot))
}

// randomLevel draws from the geometric distribution parameterized by M.
func (h *Index) randomLevel() int {
	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()
	return int(math.Floor(-math.Log(r) * h.ml))
}

// Insert adds the vector stored at slot to the graph. The vector must
// already be normalized when the collection metric requires it.
func (h *Index) Insert(ctx context.Context, slot model.Slot, vec []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) != h.opts.Dimension {
		return fmt.Errorf("hnsw: vector dimension %d, want %d", len(vec), h.opts.Dimension)
	}

	level := h.randomLevel()
	n := &node{slot: slot, level: level, conns: make([][]model.Slot, level+1)}

	// First node becomes the entry point.
	h.mu.Lock()
	if !h.hasEntry {
		h.nodes[slot] = n
		h.entryPoint = slot
		h.maxLevel = level
		h.hasEntry = true
		h.mu.Unlock()
		return nil
	}
	epSlot := h.entryPoint
	maxLevel := h.maxLevel
	h.mu.Unlock()

	epDist, ok := h.opts.Distance(vec, epSlot)
	if !ok {
		return fmt.Errorf("hnsw: entry point slot %d has no vector", epSlot)
	}

	// Greedy descent through the layers above the new node's level.
	currSlot, currDist := epSlot, epDist
	for l := maxLevel; l > level; l-- {
		currSlot, currDist = h.greedyStep(vec, currSlot, currDist, l)
	}

	// Search and connect from min(level, maxLevel) down to 0.
	for l := min(level, maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, currSlot, currDist, l, h.opts.EFConstruction, nil, nil).Drain()

		// Drained worst-first, so the last item is the closest and
		// seeds the descent into the next layer.
		if len(candidates) > 0 {
			best := candidates[len(candidates)-1]
			currSlot, currDist = model.Slot(best.Slot), best.Distance
		}

		maxConns := h.mmax
		if l == 0 {
			maxConns = h.mmax0
		}
		neighbors := h.selectNeighbors(vec, candidates, h.opts.M)

		n.mu.Lock()
		n.conns[l] = neighbors
		n.mu.Unlock()

		for _, nb := range neighbors {
			h.link(nb, slot, l, maxConns)
		}
	}

	// Publish the node.
	h.mu.Lock()
	h.nodes[slot] = n
	if level > h.maxLevel {
		h.maxLevel = level
		h.entryPoint = slot
	}
	h.mu.Unlock()

	return nil
}

// greedyStep walks layer l greedily toward the query until no neighbor
// improves the distance.
func (h *Index) greedyStep(vec []float32, start model.Slot, startDist float32, l int) (model.Slot, float32) {
	currSlot, currDist := start, startDist
	for changed := true; changed; {
		changed = false
		for _, nb := range h.connections(currSlot, l) {
			if d, ok := h.opts.Distance(vec, nb); ok && d < currDist {
				currSlot, currDist = nb, d
				changed = true
			}
		}
	}
	return currSlot, currDist
}

func (h *Index) connections(slot model.Slot, l int) []model.Slot {
	h.mu.RLock()
	n, ok := h.nodes[slot]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if l >= len(n.conns) {
		return nil
	}
	conns := make([]model.Slot, len(n.conns[l]))
	copy(conns, n.conns[l])
	return conns
}

// link adds a back-edge target→source at layer l, pruning with the
// diversity heuristic when the connection budget overflows.
func (h *Index) link(target, source model.Slot, l, maxConns int) {
	h.mu.RLock()
	n, ok := h.nodes[target]
	h.mu.RUnlock()
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if l >= len(n.conns) {
		return
	}
	for _, c := range n.conns[l] {
		if c == source {
			return
		}
	}

	n.conns[l] = append(n.conns[l], source)
	if len(n.conns[l]) <= maxConns {
		return
	}

	targetVec, ok := h.opts.Vector(target)
	if !ok {
		n.conns[l] = n.conns[l][:maxConns]
		return
	}

	items := make([]queue.Item, 0, len(n.conns[l]))
	for _, c := range n.conns[l] {
		if d, ok := h.opts.Distance(targetVec, c); ok {
			items = append(items, queue.Item{Slot: uint32(c), Distance: d})
		}
	}
	n.conns[l] = h.selectNeighbors(targetVec, items, maxConns)
}

// selectNeighbors applies the diversity-pruning heuristic: a candidate
// is kept only if it is closer to the base vector than to every
// already-kept neighbor, which spreads edges instead of clustering
// them. Remaining budget is filled with the nearest rejects.
func (h *Index) selectNeighbors(base []float32, candidates []queue.Item, m int) []model.Slot {
	sortItems(candidates)

	kept := make([]model.Slot, 0, m)
	keptVecs := make([][]float32, 0, m)
	var rejected []queue.Item

	for _, cand := range candidates {
		if len(kept) >= m {
			break
		}

		vec, ok := h.opts.Vector(model.Slot(cand.Slot))
		if !ok {
			continue
		}

		diverse := true
		for _, kv := range keptVecs {
			if d, ok := h.opts.Distance(kv, model.Slot(cand.Slot)); ok && d < cand.Distance {
				diverse = false
				break
			}
		}

		if diverse {
			kept = append(kept, model.Slot(cand.Slot))
			keptVecs = append(keptVecs, vec)
		} else {
			rejected = append(rejected, cand)
		}
	}

	for _, cand := range rejected {
		if len(kept) >= m {
			break
		}
		kept = append(kept, model.Slot(cand.Slot))
	}

	return kept
}

// layerResults wraps the bounded max-queue returned by searchLayer.
type layerResults struct {
	q *queue.PriorityQueue
}

// Drain empties the queue into a slice, worst-first.
func (r layerResults) Drain() []queue.Item {
	items := make([]queue.Item, 0, r.q.Len())
	for r.q.Len() > 0 {
		it, _ := r.q.PopItem()
		items = append(items, it)
	}
	return items
}

// searchLayer explores layer l with a candidate list of size ef.
// filter, when non-nil, excludes slots from the result set (they still
// serve as waypoints). cancel, when non-nil, aborts the traversal.
func (h *Index) searchLayer(vec []float32, epSlot model.Slot, epDist float32, l, ef int, filter func(model.Slot) bool, cancel func() bool) layerResults {
	vis := visited.New(1024)
	vis.Visit(uint32(epSlot))

	candidates := queue.NewMin(ef)
	candidates.PushItem(queue.Item{Slot: uint32(epSlot), Distance: epDist})

	results := queue.NewMax(ef)
	if h.admissible(epSlot, filter) {
		results.PushItem(queue.Item{Slot: uint32(epSlot), Distance: epDist})
	}

	steps := 0
	for candidates.Len() > 0 {
		if cancel != nil {
			steps++
			if steps%ctxCheckInterval == 0 && cancel() {
				break
			}
		}

		curr, _ := candidates.PopItem()
		if worst, ok := results.TopItem(); ok && results.Len() >= ef && curr.Distance > worst.Distance {
			break
		}

		for _, nb := range h.connections(model.Slot(curr.Slot), l) {
			if vis.Visited(uint32(nb)) {
				continue
			}
			vis.Visit(uint32(nb))

			d, ok := h.opts.Distance(vec, nb)
			if !ok {
				continue
			}

			worst, hasWorst := results.TopItem()
			if results.Len() >= ef && hasWorst && d > worst.Distance {
				continue
			}

			candidates.PushItem(queue.Item{Slot: uint32(nb), Distance: d})
			if h.admissible(nb, filter) {
				results.PushItem(queue.Item{Slot: uint32(nb), Distance: d})
				if results.Len() > ef {
					_, _ = results.PopItem()
				}
			}
		}
	}

	return layerResults{q: results}
}

func (h *Index) admissible(slot model.Slot, filter func(model.Slot) bool) bool {
	if h.isTombstoned(slot) {
		return false
	}
	if filter != nil && !filter(slot) {
		return false
	}
	return true
}

// Search returns up to k nearest live slots ordered by ascending
// distance, ties broken by ascending slot. Searching an empty index
// returns an empty result, not an error. The context deadline is
// honored: on expiry partial results are discarded and the context
// error returned.
func (h *Index) Search(ctx context.Context, vec []float32, k, efSearch int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vec) != h.opts.Dimension {
		return nil, fmt.Errorf("hnsw: query dimension %d, want %d", len(vec), h.opts.Dimension)
	}
	if k <= 0 {
		return nil, nil
	}

	h.mu.RLock()
	hasEntry := h.hasEntry
	epSlot := h.entryPoint
	maxLevel := h.maxLevel
	h.mu.RUnlock()
	if !hasEntry {
		return nil, nil
	}

	if efSearch <= 0 {
		efSearch = h.opts.EFSearch
	}
	if efSearch < k {
		efSearch = k
	}

	epDist, ok := h.opts.Distance(vec, epSlot)
	if !ok {
		return nil, nil
	}

	currSlot, currDist := epSlot, epDist
	for l := maxLevel; l > 0; l-- {
		currSlot, currDist = h.greedyStep(vec, currSlot, currDist, l)
	}

	cancel := func() bool { return ctx.Err() != nil }
	results := h.searchLayer(vec, currSlot, currDist, 0, efSearch, nil, cancel)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := results.Drain() // popped worst-first
	if len(items) > k {
		items = items[len(items)-k:]
	}

	out := make([]Result, len(items))
	for i, it := range items {
		out[len(items)-1-i] = Result{Slot: model.Slot(it.Slot), Distance: it.Distance}
	}
	return out, nil
}

// Remove tombstones the slot. It reports whether the slot was live; a
// second call is a no-op, never an error. The node is not rewired;
// compaction rebuilds the graph.
func (h *Index) Remove(slot model.Slot) bool {
	h.mu.RLock()
	_, exists := h.nodes[slot]
	h.mu.RUnlock()
	if !exists {
		return false
	}

	h.tombMu.Lock()
	defer h.tombMu.Unlock()
	if h.tombstones.Contains(uint32(slot)) {
		return false
	}
	h.tombstones.Add(uint32(slot))
	return true
}
