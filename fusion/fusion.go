// Package fusion merges dense and sparse rankings into a single
// ordering. All algorithms are deterministic: identical inputs always
// produce identical output, with ties broken by descending fused score
// and then ascending id.
package fusion

import (
	"fmt"
	"sort"

	"github.com/hivellm/vectorizer/model"
)

// Algorithm selects the rank-fusion formula.
type Algorithm string

const (
	// AlgorithmRRF is reciprocal rank fusion, the default. It is
	// scale-invariant: only ranks matter, never raw scores.
	AlgorithmRRF Algorithm = "rrf"
	// AlgorithmWeighted combines max-scaled scores with weight alpha.
	AlgorithmWeighted Algorithm = "weighted"
	// AlgorithmAlphaBlend combines min-max normalized scores, the
	// normalization being local to the current result set.
	AlgorithmAlphaBlend Algorithm = "alpha_blend"
)

const (
	// DefaultRRFK is the standard RRF rank constant.
	DefaultRRFK = 60
	// DefaultAlpha is the default dense weight.
	DefaultAlpha = 0.7
)

// Params tunes the fusion formulas.
type Params struct {
	// RRFK is the rank constant for AlgorithmRRF. Zero means DefaultRRFK.
	RRFK float32
	// Alpha is the dense-side weight in [0, 1] for the weighted
	// algorithms. Nil selects DefaultAlpha; zero is a valid weight
	// that ranks by the sparse side alone.
	Alpha *float32
}

// WithAlpha returns params with the dense weight set, for callers that
// build Params inline.
func (p Params) WithAlpha(alpha float32) Params {
	p.Alpha = &alpha
	return p
}

// Fuse merges the two rankings. A one-sided empty input passes through
// the formula with zero contribution from the missing side rather than
// short-circuiting to the other list.
func Fuse(dense, sparse []model.SearchResult, algorithm Algorithm, params Params) ([]model.SearchResult, error) {
	if params.RRFK == 0 {
		params.RRFK = DefaultRRFK
	}
	alpha := float32(DefaultAlpha)
	if params.Alpha != nil {
		alpha = *params.Alpha
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("fusion: alpha %f out of [0, 1]", alpha)
	}

	var fused map[string]float32
	switch algorithm {
	case AlgorithmRRF, "":
		fused = fuseRRF(dense, sparse, params.RRFK)
	case AlgorithmWeighted:
		fused = fuseWeighted(dense, sparse, alpha, maxScale)
	case AlgorithmAlphaBlend:
		fused = fuseWeighted(dense, sparse, alpha, minMaxScale)
	default:
		return nil, fmt.Errorf("fusion: unknown algorithm %q", algorithm)
	}

	results := make([]model.SearchResult, 0, len(fused))
	for id, score := range fused {
		results = append(results, model.SearchResult{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// fuseRRF computes score(d) = Σ_i 1/(k + rank_i(d)) over the rankings
// containing d; an absent side contributes 0. Ranks are 1-based.
func fuseRRF(dense, sparse []model.SearchResult, k float32) map[string]float32 {
	fused := make(map[string]float32, len(dense)+len(sparse))
	for rank, r := range dense {
		fused[r.ID] += 1 / (k + float32(rank) + 1)
	}
	for rank, r := range sparse {
		fused[r.ID] += 1 / (k + float32(rank) + 1)
	}
	return fused
}

type scaleFunc func(results []model.SearchResult) func(float32) float32

// fuseWeighted computes alpha*scale(dense) + (1-alpha)*scale(sparse)
// with 0 substituted for a missing side.
func fuseWeighted(dense, sparse []model.SearchResult, alpha float32, scale scaleFunc) map[string]float32 {
	normDense := scale(dense)
	normSparse := scale(sparse)

	fused := make(map[string]float32, len(dense)+len(sparse))
	for _, r := range dense {
		fused[r.ID] += alpha * normDense(r.Score)
	}
	for _, r := range sparse {
		fused[r.ID] += (1 - alpha) * normSparse(r.Score)
	}
	return fused
}

// maxScale divides by the largest positive score of the list, leaving
// scores untouched when the list has no positive score.
func maxScale(results []model.SearchResult) func(float32) float32 {
	var max float32
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max <= 0 {
		return func(s float32) float32 { return s }
	}
	return func(s float32) float32 { return s / max }
}

// minMaxScale maps the list's score range onto [0, 1], query-local. A
// degenerate range maps everything to 1 so the side still contributes.
func minMaxScale(results []model.SearchResult) func(float32) float32 {
	if len(results) == 0 {
		return func(s float32) float32 { return s }
	}
	min, max := results[0].Score, results[0].Score
	for _, r := range results[1:] {
		if r.Score < min {
			min = r.Score
		}
		if r.Score > max {
			max = r.Score
		}
	}
	if max == min {
		return func(float32) float32 { return 1 }
	}
	return func(s float32) float32 { return (s - min) / (max - min) }
}
