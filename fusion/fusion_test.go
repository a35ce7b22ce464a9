package fusion

import (
	"reflect"
	"testing"

	"github.com/hivellm/vectorizer/model"
)

func results(pairs ...any) []model.SearchResult {
	var out []model.SearchResult
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.SearchResult{ID: pairs[i].(string), Score: float32(pairs[i+1].(float64))})
	}
	return out
}

func ids(rs []model.SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestRRFDeterministic(t *testing.T) {
	dense := results("a", 0.9, "b", 0.8, "c", 0.7)
	sparse := results("b", 12.0, "d", 3.0)

	first, err := Fuse(dense, sparse, AlgorithmRRF, Params{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := Fuse(dense, sparse, AlgorithmRRF, Params{})
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v vs %v", i, first, again)
		}
	}
}

func TestRRFRanksBothListsFirst(t *testing.T) {
	dense := results("a", 0.9, "b", 0.8)
	sparse := results("b", 5.0, "c", 1.0)

	fused, err := Fuse(dense, sparse, AlgorithmRRF, Params{})
	if err != nil {
		t.Fatal(err)
	}

	// "b" appears in both rankings and must come first.
	if fused[0].ID != "b" {
		t.Fatalf("order = %v, want b first", ids(fused))
	}
	// score(b) = 1/(60+2) + 1/(60+1)
	want := float32(1.0/62.0 + 1.0/61.0)
	if fused[0].Score != want {
		t.Errorf("score(b) = %f, want %f", fused[0].Score, want)
	}
}

func TestRRFScaleInvariance(t *testing.T) {
	dense := results("a", 0.9, "b", 0.8)
	scaled := results("a", 900.0, "b", 800.0)
	sparse := results("b", 1.0)

	x, _ := Fuse(dense, sparse, AlgorithmRRF, Params{})
	y, _ := Fuse(scaled, sparse, AlgorithmRRF, Params{})
	if !reflect.DeepEqual(x, y) {
		t.Fatalf("RRF should only depend on ranks: %v vs %v", x, y)
	}
}

func TestOneSidedEmptyInput(t *testing.T) {
	dense := results("a", 0.9, "b", 0.8)

	for _, algo := range []Algorithm{AlgorithmRRF, AlgorithmWeighted, AlgorithmAlphaBlend} {
		fused, err := Fuse(dense, nil, algo, Params{}.WithAlpha(0.5))
		if err != nil {
			t.Fatalf("%s: %v", algo, err)
		}
		if len(fused) != 2 {
			t.Fatalf("%s: got %d results, want 2", algo, len(fused))
		}
		if fused[0].ID != "a" {
			t.Errorf("%s: order = %v", algo, ids(fused))
		}
	}
}

func TestBothEmpty(t *testing.T) {
	fused, err := Fuse(nil, nil, AlgorithmRRF, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fused) != 0 {
		t.Fatalf("got %d results from empty inputs", len(fused))
	}
}

func TestWeightedAlphaExtremes(t *testing.T) {
	dense := results("a", 1.0)
	sparse := results("b", 1.0)

	fused, err := Fuse(dense, sparse, AlgorithmWeighted, Params{}.WithAlpha(0.999))
	if err != nil {
		t.Fatal(err)
	}
	if fused[0].ID != "a" {
		t.Fatalf("alpha≈1 should favor dense: %v", ids(fused))
	}

	fused, err = Fuse(dense, sparse, AlgorithmWeighted, Params{}.WithAlpha(0.001))
	if err != nil {
		t.Fatal(err)
	}
	if fused[0].ID != "b" {
		t.Fatalf("alpha≈0 should favor sparse: %v", ids(fused))
	}
}

func TestAlphaBlendNormalizesPerResultSet(t *testing.T) {
	// Sparse scores are on a much larger scale; min-max normalization
	// makes the sides comparable.
	dense := results("a", 0.95, "b", 0.90)
	sparse := results("b", 100.0, "c", 10.0)

	fused, err := Fuse(dense, sparse, AlgorithmAlphaBlend, Params{}.WithAlpha(0.5))
	if err != nil {
		t.Fatal(err)
	}
	// "b": 0.5*0 (min of dense) + 0.5*1 (max of sparse) = 0.5
	// "a": 0.5*1 = 0.5; tie broken by ascending id, so "a" first.
	if fused[0].ID != "a" || fused[1].ID != "b" {
		t.Fatalf("order = %v", ids(fused))
	}
	if fused[0].Score != fused[1].Score {
		t.Fatalf("expected tie, got %f vs %f", fused[0].Score, fused[1].Score)
	}
}

func TestTieBreakAscendingID(t *testing.T) {
	dense := results("z", 1.0)
	sparse := results("a", 1.0)

	fused, err := Fuse(dense, sparse, AlgorithmRRF, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if fused[0].ID != "a" || fused[1].ID != "z" {
		t.Fatalf("tie should break on ascending id: %v", ids(fused))
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	if _, err := Fuse(nil, nil, "bogus", Params{}); err == nil {
		t.Fatal("unknown algorithm should fail")
	}
}

func TestZeroAlphaRanksBySparseAlone(t *testing.T) {
	dense := results("a", 1.0)
	sparse := results("b", 1.0)

	fused, err := Fuse(dense, sparse, AlgorithmWeighted, Params{}.WithAlpha(0))
	if err != nil {
		t.Fatal(err)
	}
	if fused[0].ID != "b" {
		t.Fatalf("alpha 0 should weight the dense side to nothing: %v", ids(fused))
	}
	if fused[len(fused)-1].Score != 0 {
		t.Fatalf("dense-only result should score 0, got %f", fused[len(fused)-1].Score)
	}

	// Nil alpha keeps the default.
	fused, err = Fuse(dense, sparse, AlgorithmWeighted, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if fused[0].ID != "a" {
		t.Fatalf("default alpha should favor dense: %v", ids(fused))
	}
}

func TestInvalidAlpha(t *testing.T) {
	if _, err := Fuse(nil, nil, AlgorithmWeighted, Params{}.WithAlpha(1.5)); err == nil {
		t.Fatal("alpha > 1 should fail")
	}
}
