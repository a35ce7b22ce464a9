package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/fusion"
	"github.com/hivellm/vectorizer/model"
)

func testConfig(dim int) model.CollectionConfig {
	seed := int64(42)
	return model.CollectionConfig{
		Dimension:     dim,
		Metric:        model.DistanceEuclidean,
		HNSW:          model.HNSWConfig{Seed: &seed},
		SparseEnabled: true,
	}
}

func newTestCollection(t *testing.T, cfg model.CollectionConfig) *Collection {
	t.Helper()
	coll, err := newCollection("", "docs", cfg, NoopLogger(), NoopMetricsCollector{}, nil)
	require.NoError(t, err)
	return coll
}

func axisVector(dim, axis int, scale float32) []float32 {
	v := make([]float32, dim)
	v[axis%dim] = scale
	return v
}

func TestInsertGetDelete(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	rec := &model.Record{
		ID:      "a",
		Dense:   []float32{1, 2, 3, 4},
		Payload: map[string]any{"title": "first"},
	}
	require.NoError(t, coll.Insert(ctx, rec))
	assert.Equal(t, 1, coll.Count())

	got, err := coll.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rec.Dense, got.Dense)
	assert.Equal(t, "first", got.Payload["title"])

	err = coll.Insert(ctx, &model.Record{ID: "a", Dense: []float32{0, 0, 0, 1}})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	var dim *ErrDimensionMismatch
	err = coll.Insert(ctx, &model.Record{ID: "b", Dense: []float32{1, 2}})
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 4, dim.Expected)
	assert.Equal(t, 2, dim.Actual)

	require.NoError(t, coll.Delete(ctx, "a"))
	assert.Equal(t, 0, coll.Count())

	_, err = coll.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, coll.Delete(ctx, "a"), ErrNotFound)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	require.NoError(t, coll.Insert(ctx, &model.Record{
		ID:      "a",
		Dense:   []float32{1, 0, 0, 0},
		Payload: map[string]any{"rev": 1.0},
	}))

	// Payload-only update keeps the vector.
	require.NoError(t, coll.Update(ctx, &model.Record{
		ID:      "a",
		Payload: map[string]any{"rev": 2.0},
	}))
	got, err := coll.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Dense)
	assert.Equal(t, 2.0, got.Payload["rev"])

	// Full update replaces the vector.
	require.NoError(t, coll.Update(ctx, &model.Record{
		ID:    "a",
		Dense: []float32{0, 1, 0, 0},
	}))
	got, err = coll.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, got.Dense)

	err = coll.Update(ctx, &model.Record{ID: "missing", Dense: []float32{1, 0, 0, 0}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchPartialFailure(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	records := []*model.Record{
		{ID: "a", Dense: []float32{1, 0, 0, 0}},
		{ID: "b", Dense: []float32{0, 1}}, // wrong dimension
		{ID: "c", Dense: []float32{0, 0, 1, 0}},
	}
	res, err := coll.InsertBatch(ctx, records)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.Errors, 3)
	assert.NoError(t, res.Errors[0])
	var dim *ErrDimensionMismatch
	assert.ErrorAs(t, res.Errors[1], &dim)
	assert.NoError(t, res.Errors[2])
	assert.Equal(t, 2, coll.Count())

	del, err := coll.DeleteBatch(ctx, []string{"a", "missing", "c"})
	require.NoError(t, err)
	assert.Equal(t, 1, del.Failed)
	assert.ErrorIs(t, del.Errors[1], ErrNotFound)
	assert.Equal(t, 0, coll.Count())
}

func TestInsertBatchAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "a", Dense: []float32{1, 0, 0, 0}}))

	// Wrong dimension is caught before anything is applied.
	res, err := coll.InsertBatch(ctx, []*model.Record{
		{ID: "x", Dense: []float32{0, 1, 0, 0}},
		{ID: "y", Dense: []float32{0, 1}},
	}, Atomic)
	assert.Nil(t, res)
	var dim *ErrDimensionMismatch
	require.ErrorAs(t, err, &dim)
	assert.Equal(t, 1, coll.Count())
	_, err = coll.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	// A duplicate id fails mid-apply and undoes the applied prefix.
	res, err = coll.InsertBatch(ctx, []*model.Record{
		{ID: "x", Dense: []float32{0, 1, 0, 0}},
		{ID: "a", Dense: []float32{0, 0, 1, 0}},
	}, Atomic)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, coll.Count())
	_, err = coll.Get(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	// A clean batch lands whole.
	res, err = coll.InsertBatch(ctx, []*model.Record{
		{ID: "x", Dense: []float32{0, 1, 0, 0}},
		{ID: "y", Dense: []float32{0, 0, 1, 0}},
	}, Atomic)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, coll.Count())
}

func TestDeleteBatchAtomicRestoresDeleted(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "a", Dense: []float32{1, 0, 0, 0}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "b", Dense: []float32{0, 1, 0, 0}}))

	res, err := coll.DeleteBatch(ctx, []string{"a", "missing", "b"}, Atomic)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, coll.Count())

	got, err := coll.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, got.Dense)

	res, err = coll.DeleteBatch(ctx, []string{"a", "b"}, Atomic)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 0, coll.Count())
}

func TestUpdateBatch(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "a", Dense: []float32{1, 0, 0, 0}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "b", Dense: []float32{0, 1, 0, 0}}))

	res, err := coll.UpdateBatch(ctx, []*model.Record{
		{ID: "a", Dense: []float32{0, 0, 1, 0}},
		{ID: "missing", Dense: []float32{0, 0, 0, 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Errors[1], ErrNotFound)

	got, err := coll.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 0}, got.Dense)

	// Atomic update aborts on the missing id and puts "a" back.
	res, err = coll.UpdateBatch(ctx, []*model.Record{
		{ID: "a", Dense: []float32{1, 1, 0, 0}},
		{ID: "missing", Dense: []float32{0, 0, 0, 1}},
	}, Atomic)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err = coll.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 0}, got.Dense)
}

func TestGetBatch(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "a", Dense: []float32{1, 0, 0, 0}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "b", Dense: []float32{0, 1, 0, 0}}))

	records, res, err := coll.GetBatch(ctx, []string{"a", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].ID)
	assert.Nil(t, records[1])
	assert.Equal(t, "b", records[2].ID)
	assert.Equal(t, 1, res.Failed)
	assert.ErrorIs(t, res.Errors[1], ErrNotFound)
}

func TestSearchDenseOrdering(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(3))

	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "near", Dense: []float32{1, 0, 0}, Payload: map[string]any{"p": "n"}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "mid", Dense: []float32{2, 0, 0}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "far", Dense: []float32{0, 5, 0}}))

	hits, err := coll.SearchDense(ctx, []float32{1.1, 0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "near", hits[0].ID)
	assert.Equal(t, "mid", hits[1].ID)
	assert.Equal(t, "far", hits[2].ID)
	assert.Equal(t, "n", hits[0].Payload["p"])
	assert.Nil(t, hits[0].Dense)

	hits, err = coll.SearchDense(ctx, []float32{1, 0, 0}, 1, func(o *SearchOptions) {
		o.WithPayload = false
		o.WithVector = true
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Nil(t, hits[0].Payload)
	assert.Equal(t, []float32{1, 0, 0}, hits[0].Dense)

	_, err = coll.SearchDense(ctx, []float32{1, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = coll.SearchDense(ctx, []float32{1, 0}, 3)
	var dim *ErrDimensionMismatch
	assert.ErrorAs(t, err, &dim)
}

func TestSearchDenseTiesOrderByID(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(2))

	// Insert in reverse id order so slot order and id order disagree,
	// with both records equidistant from the query.
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "zeta", Dense: []float32{1, 0}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "alpha", Dense: []float32{-1, 0}}))

	hits, err := coll.SearchDense(ctx, []float32{0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "alpha", hits[0].ID)
	assert.Equal(t, "zeta", hits[1].ID)
	assert.Equal(t, hits[0].Score, hits[1].Score)
}

func TestSearchDenseCosineScore(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(4)
	cfg.Metric = model.DistanceCosine
	coll := newTestCollection(t, cfg)

	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "a", Dense: []float32{1, 0, 0, 0}}))
	require.NoError(t, coll.Insert(ctx, &model.Record{ID: "b", Dense: []float32{0, 1, 0, 0}}))

	hits, err := coll.SearchDense(ctx, []float32{0.9, 0.1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.Greater(t, hits[0].Score, float32(0.9))
}

func TestSearchSparse(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(2))

	docs := []struct {
		id     string
		sparse *model.SparseVector
	}{
		{"apples", &model.SparseVector{Indices: []uint32{1, 2}, Values: []float32{3, 1}}},
		{"oranges", &model.SparseVector{Indices: []uint32{2, 3}, Values: []float32{2, 2}}},
		{"pears", &model.SparseVector{Indices: []uint32{4}, Values: []float32{5}}},
	}
	for i, d := range docs {
		require.NoError(t, coll.Insert(ctx, &model.Record{
			ID:     d.id,
			Dense:  axisVector(2, i, 1),
			Sparse: d.sparse,
		}))
	}

	hits, err := coll.SearchSparse(ctx, &model.SparseVector{Indices: []uint32{1}, Values: []float32{1}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "apples", hits[0].ID)
	assert.Greater(t, hits[0].Score, float32(0))

	// Term 2 appears in two docs; the heavier occurrence ranks first.
	hits, err = coll.SearchSparse(ctx, &model.SparseVector{Indices: []uint32{2}, Values: []float32{1}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "apples", hits[0].ID)

	// Sparse search on a dense-only collection is a config error.
	denseOnly := testConfig(2)
	denseOnly.SparseEnabled = false
	coll2 := newTestCollection(t, denseOnly)
	_, err = coll2.SearchSparse(ctx, &model.SparseVector{Indices: []uint32{1}, Values: []float32{1}}, 10)
	var cfgErr *ErrInvalidConfig
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSearchHybrid(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(2))

	require.NoError(t, coll.Insert(ctx, &model.Record{
		ID:     "both",
		Dense:  []float32{1, 0},
		Sparse: &model.SparseVector{Indices: []uint32{7}, Values: []float32{2}},
	}))
	require.NoError(t, coll.Insert(ctx, &model.Record{
		ID:    "dense-only",
		Dense: []float32{0.9, 0.1},
	}))
	require.NoError(t, coll.Insert(ctx, &model.Record{
		ID:     "sparse-only",
		Dense:  []float32{0, 1},
		Sparse: &model.SparseVector{Indices: []uint32{7}, Values: []float32{1}},
	}))

	q := &HybridQuery{
		Dense:  []float32{1, 0},
		Sparse: &model.SparseVector{Indices: []uint32{7}, Values: []float32{1}},
		FinalK: 3,
	}
	hits, err := coll.SearchHybrid(ctx, q)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	// The record present in both legs wins under RRF.
	assert.Equal(t, "both", hits[0].ID)

	for _, algorithm := range []fusion.Algorithm{fusion.AlgorithmWeighted, fusion.AlgorithmAlphaBlend} {
		q.Algorithm = algorithm
		hits, err = coll.SearchHybrid(ctx, q)
		require.NoError(t, err, "algorithm %s", algorithm)
		assert.NotEmpty(t, hits)
	}

	_, err = coll.SearchHybrid(ctx, &HybridQuery{FinalK: 3})
	var cfgErr *ErrInvalidConfig
	assert.ErrorAs(t, err, &cfgErr)

	_, err = coll.SearchHybrid(ctx, &HybridQuery{Dense: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = coll.SearchHybrid(ctx, nil)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	coll := newTestCollection(t, testConfig(4))

	for i := 0; i < 100; i++ {
		require.NoError(t, coll.Insert(ctx, &model.Record{
			ID:    fmt.Sprintf("rec-%03d", i),
			Dense: []float32{float32(i), float32(i % 7), 1, 0},
		}))
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, coll.Delete(ctx, fmt.Sprintf("rec-%03d", i)))
	}
	assert.Equal(t, 60, coll.Count())
	assert.InDelta(t, 0.4, coll.TombstoneRatio(), 0.01)

	reclaimed, err := coll.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 40, reclaimed)
	assert.Equal(t, 60, coll.Count())
	assert.Zero(t, coll.TombstoneRatio())

	// Survivors stay reachable after the rebuild.
	got, err := coll.Get(ctx, "rec-050")
	require.NoError(t, err)
	assert.Equal(t, []float32{50, 1, 1, 0}, got.Dense)

	hits, err := coll.SearchDense(ctx, []float32{99, 1, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "rec-099", hits[0].ID)

	// Deleted ids never reappear.
	hits, err = coll.SearchDense(ctx, []float32{0, 0, 1, 0}, 60)
	require.NoError(t, err)
	for _, h := range hits {
		assert.GreaterOrEqual(t, h.ID, "rec-040")
	}
}

func TestTrainCodec(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(8)
	cfg.Quantization = model.QuantizationConfig{
		Kind:             model.QuantizationProduct,
		NumSubquantizers: 4,
		NumCentroids:     4,
	}
	coll := newTestCollection(t, cfg)

	for i := 0; i < 64; i++ {
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = float32((i*31 + j*17) % 13)
		}
		require.NoError(t, coll.Insert(ctx, &model.Record{
			ID:    fmt.Sprintf("v-%02d", i),
			Dense: vec,
		}))
	}

	// Untrained product codec falls back to raw vectors.
	_, err := coll.SearchDense(ctx, axisVector(8, 0, 1), 5)
	require.NoError(t, err)

	require.NoError(t, coll.TrainCodec(ctx))

	hits, err := coll.SearchDense(ctx, axisVector(8, 0, 1), 5)
	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestSearchCanceledContext(t *testing.T) {
	coll := newTestCollection(t, testConfig(4))
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, coll.Insert(ctx, &model.Record{
			ID:    fmt.Sprintf("r%d", i),
			Dense: []float32{float32(i), 0, 0, 0},
		}))
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := coll.SearchDense(canceled, []float32{1, 0, 0, 0}, 3)
	assert.ErrorIs(t, err, ErrTimeout)

	_, err = coll.SearchSparse(canceled, &model.SparseVector{Indices: []uint32{1}, Values: []float32{1}}, 3)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestZeroVectorCosine(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(3)
	cfg.Metric = model.DistanceCosine
	coll := newTestCollection(t, cfg)

	err := coll.Insert(ctx, &model.Record{ID: "zero", Dense: []float32{0, 0, 0}})
	var cfgErr *ErrInvalidConfig
	require.Error(t, err)
	assert.True(t, errors.As(err, &cfgErr))
}
