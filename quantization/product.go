package quantization

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/hivellm/vectorizer/internal/math32"
	"github.com/hivellm/vectorizer/model"
)

const kmeansIterations = 20

// ProductQuantizer splits vectors into subvectors and replaces each
// with the id of its nearest trained centroid. It has an explicit
// trained/untrained state: Encode and Distance reject calls until
// Train has built the codebooks.
type ProductQuantizer struct {
	dimension    int
	numSub       int
	numCentroids int
	subDim       int
	metric       model.DistanceMetric
	codebooks    [][][]float32 // [numSub][numCentroids][subDim]
	trained      bool
}

// NewProductQuantizer creates a PQ codec. dimension must be divisible
// by numSubquantizers and numCentroids must fit a uint8 code.
func NewProductQuantizer(dimension, numSubquantizers, numCentroids int, metric model.DistanceMetric) (*ProductQuantizer, error) {
	if numSubquantizers <= 0 {
		numSubquantizers = 8
	}
	if numCentroids <= 0 {
		numCentroids = 256
	}
	if dimension%numSubquantizers != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subquantizers", dimension, numSubquantizers)
	}
	if numCentroids > 256 {
		return nil, fmt.Errorf("quantization: %d centroids exceed uint8 codes", numCentroids)
	}

	return &ProductQuantizer{
		dimension:    dimension,
		numSub:       numSubquantizers,
		numCentroids: numCentroids,
		subDim:       dimension / numSubquantizers,
		metric:       metric,
	}, nil
}

func (pq *ProductQuantizer) Kind() model.QuantizationKind { return model.QuantizationProduct }

func (pq *ProductQuantizer) Trained() bool { return pq.trained }

// CodeSize returns one byte per subquantizer.
func (pq *ProductQuantizer) CodeSize() int { return pq.numSub }

// Train builds one codebook per subquantizer with k-means.
func (pq *ProductQuantizer) Train(vectors [][]float32) error {
	if len(vectors) == 0 {
		return fmt.Errorf("quantization: no training vectors")
	}
	for _, v := range vectors {
		if len(v) != pq.dimension {
			return fmt.Errorf("quantization: training vector has dimension %d, want %d", len(v), pq.dimension)
		}
	}

	rng := rand.New(rand.NewSource(int64(len(vectors))))
	pq.codebooks = make([][][]float32, pq.numSub)

	for m := 0; m < pq.numSub; m++ {
		subs := make([][]float32, len(vectors))
		for i, v := range vectors {
			subs[i] = v[m*pq.subDim : (m+1)*pq.subDim]
		}
		pq.codebooks[m] = kmeans(subs, pq.numCentroids, kmeansIterations, rng)
	}

	pq.trained = true
	return nil
}

// Encode maps each subvector to its nearest centroid id.
func (pq *ProductQuantizer) Encode(v []float32) ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(v) != pq.dimension {
		return nil, fmt.Errorf("quantization: vector dimension %d, want %d", len(v), pq.dimension)
	}

	code := make([]byte, pq.numSub)
	for m := 0; m < pq.numSub; m++ {
		sub := v[m*pq.subDim : (m+1)*pq.subDim]
		code[m] = byte(nearestCentroid(sub, pq.codebooks[m]))
	}
	return code, nil
}

// Decode concatenates the centroids of each code byte.
func (pq *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}
	if len(code) != pq.numSub {
		return nil, ErrCodeSize
	}

	out := make([]float32, 0, pq.dimension)
	for m, c := range code {
		if int(c) >= len(pq.codebooks[m]) {
			return nil, ErrCodeSize
		}
		out = append(out, pq.codebooks[m][c]...)
	}
	return out, nil
}

// Distance computes asymmetric distance: the query stays full
// precision while the code side is looked up centroid by centroid.
func (pq *ProductQuantizer) Distance(query []float32, code []byte) (float32, error) {
	if !pq.trained {
		return 0, ErrNotTrained
	}
	if len(query) != pq.dimension {
		return 0, fmt.Errorf("quantization: query dimension %d, want %d", len(query), pq.dimension)
	}
	if len(code) != pq.numSub {
		return 0, ErrCodeSize
	}

	var dot, l2 float32
	for m, c := range code {
		centroid := pq.codebooks[m][c]
		sub := query[m*pq.subDim : (m+1)*pq.subDim]
		if pq.metric == model.DistanceEuclidean {
			l2 += math32.SquaredL2(sub, centroid)
		} else {
			dot += math32.Dot(sub, centroid)
		}
	}

	switch pq.metric {
	case model.DistanceEuclidean:
		return l2, nil
	case model.DistanceCosine:
		return 1 - dot, nil
	default:
		return -dot, nil
	}
}

// MarshalBinary serializes the codebooks.
func (pq *ProductQuantizer) MarshalBinary() ([]byte, error) {
	if !pq.trained {
		return nil, ErrNotTrained
	}

	size := 16 + pq.numSub*pq.numCentroids*pq.subDim*4
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(pq.dimension))
	binary.LittleEndian.PutUint32(buf[4:], uint32(pq.numSub))
	binary.LittleEndian.PutUint32(buf[8:], uint32(pq.numCentroids))
	binary.LittleEndian.PutUint32(buf[12:], uint32(pq.subDim))
	off := 16
	for m := range pq.codebooks {
		for _, centroid := range pq.codebooks[m] {
			for _, x := range centroid {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(x))
				off += 4
			}
		}
	}
	return buf, nil
}

// UnmarshalBinary restores the codebooks and marks the codec trained.
func (pq *ProductQuantizer) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return ErrCodeSize
	}
	pq.dimension = int(binary.LittleEndian.Uint32(data[0:]))
	pq.numSub = int(binary.LittleEndian.Uint32(data[4:]))
	pq.numCentroids = int(binary.LittleEndian.Uint32(data[8:]))
	pq.subDim = int(binary.LittleEndian.Uint32(data[12:]))
	if len(data) != 16+pq.numSub*pq.numCentroids*pq.subDim*4 {
		return ErrCodeSize
	}

	off := 16
	pq.codebooks = make([][][]float32, pq.numSub)
	for m := 0; m < pq.numSub; m++ {
		pq.codebooks[m] = make([][]float32, pq.numCentroids)
		for c := 0; c < pq.numCentroids; c++ {
			centroid := make([]float32, pq.subDim)
			for i := range centroid {
				centroid[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
				off += 4
			}
			pq.codebooks[m][c] = centroid
		}
	}
	pq.trained = true
	return nil
}

func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestDist := 0, float32(math.MaxFloat32)
	for i, c := range centroids {
		if d := math32.SquaredL2(v, c); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// kmeans runs Lloyd's algorithm on the sample, seeding centroids from
// random sample points. It always returns exactly k centroids.
func kmeans(samples [][]float32, k, iterations int, rng *rand.Rand) [][]float32 {
	dim := len(samples[0])
	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
		copy(centroids[i], samples[rng.Intn(len(samples))])
	}

	assign := make([]int, len(samples))
	counts := make([]int, k)
	sums := make([][]float32, k)
	for i := range sums {
		sums[i] = make([]float32, dim)
	}

	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, s := range samples {
			c := nearestCentroid(s, centroids)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if iter > 0 && !changed {
			break
		}

		for i := range counts {
			counts[i] = 0
			for j := range sums[i] {
				sums[i][j] = 0
			}
		}
		for i, s := range samples {
			c := assign[i]
			counts[c]++
			for j, x := range s {
				sums[c][j] += x
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed empty clusters from a random sample.
				copy(centroids[c], samples[rng.Intn(len(samples))])
				continue
			}
			inv := 1 / float32(counts[c])
			for j := range centroids[c] {
				centroids[c][j] = sums[c][j] * inv
			}
		}
	}

	return centroids
}
