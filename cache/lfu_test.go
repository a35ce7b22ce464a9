package cache

import (
	"fmt"
	"testing"

	"github.com/hivellm/vectorizer/model"
)

func record(id string) *model.Record {
	return &model.Record{ID: id, Dense: []float32{1}}
}

func TestGetPut(t *testing.T) {
	c := New(8)
	k := Key{Collection: "docs", ID: "a"}

	if _, ok := c.Get(k); ok {
		t.Fatal("empty cache should miss")
	}

	c.Put(k, record("a"))
	got, ok := c.Get(k)
	if !ok || got.ID != "a" {
		t.Fatalf("Get = %v, %v", got, ok)
	}

	hits, misses, _ := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("hits=%d misses=%d", hits, misses)
	}
}

func TestCapacityOneEvictsLFU(t *testing.T) {
	c := New(1)

	a := Key{Collection: "docs", ID: "a"}
	b := Key{Collection: "docs", ID: "b"}

	c.Put(a, record("a"))
	c.Put(b, record("b"))

	if _, ok := c.Get(a); ok {
		t.Fatal("a should have been evicted by b")
	}
	if _, ok := c.Get(b); !ok {
		t.Fatal("b should be cached")
	}
	if _, _, evictions := c.Stats(); evictions != 1 {
		t.Errorf("evictions = %d, want 1", evictions)
	}
}

func TestFrequentEntrySurvives(t *testing.T) {
	// Single shard so eviction order is fully deterministic.
	c := &RecordCache{shards: []*shard{{capacity: 2, items: make(map[Key]*entry)}}}

	hot := Key{Collection: "docs", ID: "hot"}
	cold := Key{Collection: "docs", ID: "cold"}
	c.Put(hot, record("hot"))
	c.Put(cold, record("cold"))
	for i := 0; i < 5; i++ {
		c.Get(hot)
	}

	c.Put(Key{Collection: "docs", ID: "new"}, record("new"))

	if _, ok := c.Get(hot); !ok {
		t.Fatal("frequently used entry should survive eviction")
	}
	if _, ok := c.Get(cold); ok {
		t.Fatal("least frequently used entry should have been evicted")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(8)
	k := Key{Collection: "docs", ID: "a"}
	c.Put(k, record("a"))
	c.Invalidate(k)
	if _, ok := c.Get(k); ok {
		t.Fatal("invalidated entry should miss")
	}
}

func TestInvalidateCollection(t *testing.T) {
	c := New(64)
	for i := 0; i < 10; i++ {
		c.Put(Key{Collection: "docs", ID: fmt.Sprint(i)}, record("x"))
		c.Put(Key{Collection: "other", ID: fmt.Sprint(i)}, record("y"))
	}

	c.InvalidateCollection("docs")

	if c.Len() != 10 {
		t.Fatalf("Len = %d, want 10", c.Len())
	}
	if _, ok := c.Get(Key{Collection: "other", ID: "3"}); !ok {
		t.Fatal("other collection should be untouched")
	}
}

func TestZeroCapacity(t *testing.T) {
	c := New(0)
	k := Key{Collection: "docs", ID: "a"}
	c.Put(k, record("a"))
	if _, ok := c.Get(k); ok {
		t.Fatal("zero-capacity cache should never hold entries")
	}
}
