package distance

import (
	"github.com/hivellm/vectorizer/internal/math32"
	"github.com/hivellm/vectorizer/model"
)

// Func computes the distance between two equal-length vectors.
// Smaller is closer.
type Func func(a, b []float32) float32

// SquaredL2 returns the squared Euclidean distance.
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// NegativeDot returns the negated dot product, so the largest dot
// product sorts first.
func NegativeDot(a, b []float32) float32 {
	return -math32.Dot(a, b)
}

// OneMinusDot returns 1 - dot(a, b). For L2-normalized inputs this is
// the cosine distance.
func OneMinusDot(a, b []float32) float32 {
	return 1 - math32.Dot(a, b)
}

// ForMetric returns the distance function for the given metric.
// Cosine assumes vectors were normalized at insert time.
func ForMetric(m model.DistanceMetric) Func {
	switch m {
	case model.DistanceCosine:
		return OneMinusDot
	case model.DistanceDot:
		return NegativeDot
	case model.DistanceEuclidean:
		return SquaredL2
	default:
		return nil
	}
}

// NormalizesAtInsert reports whether the metric requires L2
// normalization of stored vectors.
func NormalizesAtInsert(m model.DistanceMetric) bool {
	return m == model.DistanceCosine
}

// ScoreFromDistance converts an internal distance to the user-facing
// score for the metric: cosine similarity for cosine, raw dot product
// for dot, and negated squared L2 for euclidean (so higher is always
// better).
func ScoreFromDistance(m model.DistanceMetric, d float32) float32 {
	switch m {
	case model.DistanceCosine:
		return 1 - d
	case model.DistanceDot:
		return -d
	default:
		return -d
	}
}

// NormalizeL2InPlace scales v to unit length. It returns false for a
// zero vector, which cannot be normalized.
func NormalizeL2InPlace(v []float32) bool {
	n := math32.Norm(v)
	if n == 0 {
		return false
	}
	inv := 1 / n
	for i := range v {
		v[i] *= inv
	}
	return true
}

// CosineSimilarity returns the cosine similarity of two vectors of any
// magnitude. Zero vectors yield 0.
func CosineSimilarity(a, b []float32) float32 {
	na, nb := math32.Norm(a), math32.Norm(b)
	if na == 0 || nb == 0 {
		return 0
	}
	return math32.Dot(a, b) / (na * nb)
}
