package visited

import "testing"

func TestVisit(t *testing.T) {
	s := New(16)
	if s.Visited(3) {
		t.Fatal("slot 3 should start unvisited")
	}
	s.Visit(3)
	if !s.Visited(3) {
		t.Fatal("slot 3 should be visited")
	}

	s.Reset()
	if s.Visited(3) {
		t.Fatal("Reset should clear visits")
	}
}

func TestGrowth(t *testing.T) {
	s := New(1)
	s.Visit(100000)
	if !s.Visited(100000) {
		t.Fatal("set should grow on demand")
	}
}
