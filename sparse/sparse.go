// Package sparse implements an inverted index with BM25 scoring over
// keyword-weight sparse vectors.
package sparse

import (
	"math"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hivellm/vectorizer/model"
)

const (
	// DefaultK1 and DefaultB are the BM25 parameters.
	DefaultK1 = 1.5
	DefaultB  = 0.75

	// DefaultIDFRefreshThreshold is the number of mutations after which
	// the cached idf values are discarded. Recomputing idf per insert
	// would put a full posting scan on the write path.
	DefaultIDFRefreshThreshold = 1024
)

// Result is one scored entry of a sparse search.
type Result struct {
	Slot  model.Slot
	Score float32
}

type posting struct {
	slot   model.Slot
	weight float32
}

// Options configures the index.
type Options struct {
	K1                  float64
	B                   float64
	IDFRefreshThreshold int
}

// Index is a concurrency-safe BM25 inverted index. Postings are kept
// sorted by slot for intersection efficiency.
type Index struct {
	mu sync.RWMutex

	opts Options

	inverted   map[uint32][]posting
	docLengths map[model.Slot]float64
	live       *roaring.Bitmap
	totalLen   float64

	// idf values are cached and refreshed lazily once enough mutations
	// accumulated, keeping insert latency bounded. idfMu guards the
	// cache so concurrent searches can memoize under the read lock.
	idfMu    sync.Mutex
	idfCache map[uint32]float64
	dirty    int
}

// New creates an empty index.
func New(optFns ...func(o *Options)) *Index {
	opts := Options{
		K1:                  DefaultK1,
		B:                   DefaultB,
		IDFRefreshThreshold: DefaultIDFRefreshThreshold,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Index{
		opts:       opts,
		inverted:   make(map[uint32][]posting),
		docLengths: make(map[model.Slot]float64),
		live:       roaring.New(),
		idfCache:   make(map[uint32]float64),
	}
}

// Insert adds the sparse vector under slot. An existing entry for the
// slot is replaced.
func (idx *Index) Insert(slot model.Slot, v *model.SparseVector) error {
	if err := v.Validate(); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.docLengths[slot]; ok {
		idx.removeLocked(slot)
	}

	var length float64
	for i, dim := range v.Indices {
		w := v.Values[i]
		length += math.Abs(float64(w))

		postings := idx.inverted[dim]
		pos := sort.Search(len(postings), func(j int) bool { return postings[j].slot >= slot })
		postings = append(postings, posting{})
		copy(postings[pos+1:], postings[pos:])
		postings[pos] = posting{slot: slot, weight: w}
		idx.inverted[dim] = postings
	}

	idx.docLengths[slot] = length
	idx.totalLen += length
	idx.live.Add(uint32(slot))
	idx.dirty++
	return nil
}

// Remove deletes the slot from the index. Removing an absent slot is a
// no-op, never an error.
func (idx *Index) Remove(slot model.Slot) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(slot)
}

func (idx *Index) removeLocked(slot model.Slot) {
	length, ok := idx.docLengths[slot]
	if !ok {
		return
	}

	// Tombstone only: the posting entries stay until Vacuum so removal
	// stays O(1) on the write path.
	delete(idx.docLengths, slot)
	idx.totalLen -= length
	idx.live.Remove(uint32(slot))
	idx.dirty++
}

// Vacuum physically drops postings of removed slots. Called during
// compaction.
func (idx *Index) Vacuum() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for dim, postings := range idx.inverted {
		kept := postings[:0]
		for _, p := range postings {
			if idx.live.Contains(uint32(p.slot)) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(idx.inverted, dim)
			continue
		}
		idx.inverted[dim] = kept
	}

	idx.idfCache = make(map[uint32]float64)
	idx.dirty = 0
}

// Count returns the number of live documents.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return int(idx.live.GetCardinality())
}

// Search scores the live documents against the sparse query and
// returns up to k results ordered by descending score, ties broken by
// ascending slot. An empty index yields an empty result.
func (idx *Index) Search(query *model.SparseVector, k int) ([]Result, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	idx.idfMu.Lock()
	if idx.dirty >= idx.opts.IDFRefreshThreshold {
		idx.idfCache = make(map[uint32]float64)
		idx.dirty = 0
	}
	idx.idfMu.Unlock()

	n := float64(idx.live.GetCardinality())
	if n == 0 || k <= 0 {
		return nil, nil
	}
	avgDL := idx.totalLen / n
	if avgDL == 0 {
		avgDL = 1
	}

	scores := make(map[model.Slot]float64)
	for _, dim := range query.Indices {
		postings, ok := idx.inverted[dim]
		if !ok {
			continue
		}

		idf := idx.idfLocked(dim)
		for _, p := range postings {
			if !idx.live.Contains(uint32(p.slot)) {
				continue
			}
			tf := math.Abs(float64(p.weight))
			docLen := idx.docLengths[p.slot]
			num := tf * (idx.opts.K1 + 1)
			denom := tf + idx.opts.K1*(1-idx.opts.B+idx.opts.B*(docLen/avgDL))
			scores[p.slot] += idf * num / denom
		}
	}

	results := make([]Result, 0, len(scores))
	for slot, score := range scores {
		results = append(results, Result{Slot: slot, Score: float32(score)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Slot < results[j].Slot
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// idfLocked returns the cached idf for dim, computing it on demand.
// Caller holds at least the read lock.
func (idx *Index) idfLocked(dim uint32) float64 {
	idx.idfMu.Lock()
	defer idx.idfMu.Unlock()

	if idf, ok := idx.idfCache[dim]; ok {
		return idf
	}

	df := 0
	for _, p := range idx.inverted[dim] {
		if idx.live.Contains(uint32(p.slot)) {
			df++
		}
	}
	n := float64(idx.live.GetCardinality())
	idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
	idx.idfCache[dim] = idf
	return idf
}
