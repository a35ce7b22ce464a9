package sparse

import (
	"testing"

	"github.com/hivellm/vectorizer/model"
)

func sv(pairs ...float32) *model.SparseVector {
	v := &model.SparseVector{}
	for i := 0; i+1 < len(pairs); i += 2 {
		v.Indices = append(v.Indices, uint32(pairs[i]))
		v.Values = append(v.Values, pairs[i+1])
	}
	return v
}

func TestInsertAndSearchDisjointKeywords(t *testing.T) {
	idx := New()

	// Ten documents with disjoint keyword sets.
	for i := 0; i < 10; i++ {
		dim := float32(i * 100)
		if err := idx.Insert(model.Slot(i), sv(dim, 1.0, dim+1, 0.5)); err != nil {
			t.Fatal(err)
		}
	}

	// A keyword unique to document 3 returns it top-1.
	results, err := idx.Search(sv(300, 1.0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].Slot != 3 {
		t.Fatalf("results = %v, want slot 3 first", results)
	}
}

func TestEmptyIndexSearch(t *testing.T) {
	idx := New()
	results, err := idx.Search(sv(1, 1.0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("empty index returned %d results", len(results))
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	idx := New()
	if err := idx.Insert(7, sv(1, 1.0)); err != nil {
		t.Fatal(err)
	}

	idx.Remove(7)
	idx.Remove(7) // second call is a no-op

	if idx.Count() != 0 {
		t.Fatalf("Count = %d, want 0", idx.Count())
	}
	results, err := idx.Search(sv(1, 1.0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Fatalf("removed document still returned: %v", results)
	}
}

func TestReplaceExistingSlot(t *testing.T) {
	idx := New()
	_ = idx.Insert(1, sv(10, 1.0))
	_ = idx.Insert(1, sv(20, 1.0))

	if results, _ := idx.Search(sv(10, 1.0), 5); len(results) != 0 {
		t.Fatalf("old postings still live after replace: %v", results)
	}
	if results, _ := idx.Search(sv(20, 1.0), 5); len(results) != 1 {
		t.Fatalf("replacement not searchable")
	}
}

func TestVacuumDropsTombstonedPostings(t *testing.T) {
	idx := New()
	_ = idx.Insert(1, sv(5, 1.0))
	_ = idx.Insert(2, sv(5, 2.0))
	idx.Remove(1)

	idx.Vacuum()

	if got := len(idx.inverted[5]); got != 1 {
		t.Fatalf("postings for dim 5 = %d, want 1", got)
	}
}

func TestHigherTermFrequencyScoresHigher(t *testing.T) {
	idx := New()
	_ = idx.Insert(1, sv(5, 0.2))
	_ = idx.Insert(2, sv(5, 2.0))

	results, err := idx.Search(sv(5, 1.0), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Slot != 2 {
		t.Fatalf("higher-weight document should rank first, got slot %d", results[0].Slot)
	}
}

func TestInvalidSparseVectorRejected(t *testing.T) {
	idx := New()
	bad := &model.SparseVector{Indices: []uint32{3, 1}, Values: []float32{1, 1}}
	if err := idx.Insert(1, bad); err == nil {
		t.Fatal("descending indices should be rejected")
	}
}

func TestPostingsStaySortedBySlot(t *testing.T) {
	idx := New()
	for _, slot := range []model.Slot{5, 1, 3, 2, 4} {
		_ = idx.Insert(slot, sv(9, 1.0))
	}
	postings := idx.inverted[9]
	for i := 1; i < len(postings); i++ {
		if postings[i].slot <= postings[i-1].slot {
			t.Fatalf("postings out of order at %d: %v", i, postings)
		}
	}
}
