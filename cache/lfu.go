// Package cache provides the process-wide hot tier: an LFU cache of
// materialized records shared by every collection.
//
// The cache is an explicit, dependency-injected object with a
// documented entry capacity, so eviction behavior is deterministic and
// testable (a capacity-1 cache evicts on every conflicting Put).
package cache

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/twmb/murmur3"

	"github.com/hivellm/vectorizer/model"
)

const maxShards = 16

// Key addresses one record across all collections of the process.
type Key struct {
	Collection string
	ID         string
}

func (k Key) hash() uint32 {
	h := murmur3.New32()
	_, _ = h.Write([]byte(k.Collection))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.ID))
	return h.Sum32()
}

// RecordCache is a sharded LFU cache bounded by a process-wide entry
// capacity. Eviction removes the least-frequently-used entry of the
// affected shard; frequency ties evict the oldest entry.
type RecordCache struct {
	shards []*shard

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[Key]*entry
	byFreq   freqHeap
	tick     uint64
}

type entry struct {
	key    Key
	record *model.Record
	freq   uint64
	tick   uint64
	index  int
}

// New creates a cache holding at most capacity records process-wide.
// A capacity below 1 disables caching entirely.
func New(capacity int) *RecordCache {
	numShards := maxShards
	if capacity < numShards {
		numShards = capacity
	}
	if numShards < 1 {
		numShards = 1
	}

	c := &RecordCache{shards: make([]*shard, numShards)}
	base := capacity / numShards
	extra := capacity % numShards
	for i := range c.shards {
		cap := base
		if i < extra {
			cap++
		}
		c.shards[i] = &shard{
			capacity: cap,
			items:    make(map[Key]*entry),
		}
	}
	return c
}

func (c *RecordCache) shardFor(k Key) *shard {
	return c.shards[k.hash()%uint32(len(c.shards))]
}

// Get returns the cached record and bumps its use count.
func (c *RecordCache) Get(k Key) (*model.Record, bool) {
	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.items[k]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	ent.freq++
	heap.Fix(&s.byFreq, ent.index)
	return ent.record, true
}

// Put caches a record, evicting the shard's least-frequently-used
// entry when the shard is at capacity.
func (c *RecordCache) Put(k Key, rec *model.Record) {
	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity < 1 {
		return
	}

	if ent, ok := s.items[k]; ok {
		ent.record = rec
		ent.freq++
		heap.Fix(&s.byFreq, ent.index)
		return
	}

	if len(s.items) >= s.capacity {
		victim := heap.Pop(&s.byFreq).(*entry)
		delete(s.items, victim.key)
		c.evictions.Add(1)
	}

	s.tick++
	ent := &entry{key: k, record: rec, freq: 1, tick: s.tick}
	heap.Push(&s.byFreq, ent)
	s.items[k] = ent
}

// Invalidate drops a single entry.
func (c *RecordCache) Invalidate(k Key) {
	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[k]; ok {
		heap.Remove(&s.byFreq, ent.index)
		delete(s.items, k)
	}
}

// InvalidateCollection drops every entry of the named collection.
// Called on collection delete and after compaction.
func (c *RecordCache) InvalidateCollection(collection string) {
	for _, s := range c.shards {
		s.mu.Lock()
		for k, ent := range s.items {
			if k.Collection == collection {
				heap.Remove(&s.byFreq, ent.index)
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
}

// Len returns the number of cached entries.
func (c *RecordCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Stats returns cumulative hit, miss and eviction counts.
func (c *RecordCache) Stats() (hits, misses, evictions int64) {
	return c.hits.Load(), c.misses.Load(), c.evictions.Load()
}

// freqHeap is a min-heap on (freq, tick): the root is the least
// frequently used entry, oldest first on ties.
type freqHeap []*entry

func (h freqHeap) Len() int { return len(h) }

func (h freqHeap) Less(i, j int) bool {
	if h[i].freq == h[j].freq {
		return h[i].tick < h[j].tick
	}
	return h[i].freq < h[j].freq
}

func (h freqHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *freqHeap) Push(x any) {
	ent := x.(*entry)
	ent.index = len(*h)
	*h = append(*h, ent)
}

func (h *freqHeap) Pop() any {
	old := *h
	n := len(old)
	ent := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return ent
}
