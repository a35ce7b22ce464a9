package hnsw

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivellm/vectorizer/distance"
	"github.com/hivellm/vectorizer/model"
)

// vectorTable backs an index with a plain in-memory slot table.
type vectorTable struct {
	vectors map[model.Slot][]float32
	dist    distance.Func
}

func newVectorTable(metric model.DistanceMetric) *vectorTable {
	fn := distance.ForMetric(metric)
	return &vectorTable{vectors: make(map[model.Slot][]float32), dist: fn}
}

func (t *vectorTable) add(slot model.Slot, vec []float32) { t.vectors[slot] = vec }

func (t *vectorTable) index(tb testing.TB, dim int, optFns ...func(o *Options)) *Index {
	tb.Helper()
	seed := int64(42)
	idx, err := New(append([]func(o *Options){func(o *Options) {
		o.Dimension = dim
		o.Seed = &seed
		o.Distance = func(query []float32, slot model.Slot) (float32, bool) {
			vec, ok := t.vectors[slot]
			if !ok {
				return 0, false
			}
			return t.dist(query, vec), true
		}
		o.Vector = func(slot model.Slot) ([]float32, bool) {
			vec, ok := t.vectors[slot]
			return vec, ok
		}
	}}, optFns...)...)
	require.NoError(tb, err)
	return idx
}

func TestSelfRetrieval(t *testing.T) {
	for _, metric := range []model.DistanceMetric{model.DistanceCosine, model.DistanceEuclidean, model.DistanceDot} {
		t.Run(string(metric), func(t *testing.T) {
			table := newVectorTable(metric)
			idx := table.index(t, 8)

			rng := rand.New(rand.NewSource(1))
			for slot := model.Slot(0); slot < 100; slot++ {
				vec := make([]float32, 8)
				for i := range vec {
					vec[i] = rng.Float32()*2 - 1
				}
				if metric == model.DistanceCosine {
					distance.NormalizeL2InPlace(vec)
				}
				table.add(slot, vec)
				require.NoError(t, idx.Insert(context.Background(), slot, vec))
			}

			hits := 0
			for slot := model.Slot(0); slot < 100; slot++ {
				results, err := idx.Search(context.Background(), table.vectors[slot], 1, 0)
				require.NoError(t, err)
				require.Len(t, results, 1)
				if results[0].Slot == slot {
					hits++
				}
			}
			// Recall@1 on the indexed points themselves should be near perfect.
			assert.GreaterOrEqual(t, hits, 98)
		})
	}
}

func TestSearchOrdersByDistance(t *testing.T) {
	table := newVectorTable(model.DistanceCosine)
	idx := table.index(t, 4)

	a := []float32{1, 0, 0, 0}
	b := []float32{0.9, 0.1, 0, 0}
	distance.NormalizeL2InPlace(b)
	table.add(0, a)
	table.add(1, b)
	require.NoError(t, idx.Insert(context.Background(), 0, a))
	require.NoError(t, idx.Insert(context.Background(), 1, b))

	results, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 2, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, model.Slot(0), results[0].Slot)
	assert.Equal(t, model.Slot(1), results[1].Slot)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestRemoveExcludesFromSearch(t *testing.T) {
	table := newVectorTable(model.DistanceEuclidean)
	idx := table.index(t, 2)

	for slot := model.Slot(0); slot < 10; slot++ {
		vec := []float32{float32(slot), 0}
		table.add(slot, vec)
		require.NoError(t, idx.Insert(context.Background(), slot, vec))
	}

	assert.True(t, idx.Remove(0))
	assert.False(t, idx.Remove(0), "second remove is a no-op")
	assert.False(t, idx.Remove(999), "unknown slot is a no-op")
	assert.Equal(t, 9, idx.Count())

	results, err := idx.Search(context.Background(), []float32{0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.NotEqual(t, model.Slot(0), r.Slot)
	}
	assert.Equal(t, model.Slot(1), results[0].Slot)
}

func TestEmptyIndexSearch(t *testing.T) {
	table := newVectorTable(model.DistanceCosine)
	idx := table.index(t, 4)

	results, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDimensionMismatch(t *testing.T) {
	table := newVectorTable(model.DistanceCosine)
	idx := table.index(t, 4)

	err := idx.Insert(context.Background(), 0, []float32{1, 0})
	require.Error(t, err)

	_, err = idx.Search(context.Background(), []float32{1, 0}, 1, 0)
	require.Error(t, err)
}

func TestCanceledContext(t *testing.T) {
	table := newVectorTable(model.DistanceCosine)
	idx := table.index(t, 4)
	table.add(0, []float32{1, 0, 0, 0})
	require.NoError(t, idx.Insert(context.Background(), 0, []float32{1, 0, 0, 0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)

	err = idx.Insert(ctx, 1, []float32{0, 1, 0, 0})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDumpRestore(t *testing.T) {
	table := newVectorTable(model.DistanceEuclidean)
	idx := table.index(t, 2)

	for slot := model.Slot(0); slot < 50; slot++ {
		vec := []float32{float32(slot % 7), float32(slot % 11)}
		table.add(slot, vec)
		require.NoError(t, idx.Insert(context.Background(), slot, vec))
	}
	idx.Remove(3)

	query := []float32{2, 4}
	want, err := idx.Search(context.Background(), query, 5, 0)
	require.NoError(t, err)

	restored := table.index(t, 2)
	restored.Restore(idx.Dump())
	assert.Equal(t, idx.Count(), restored.Count())
	assert.False(t, restored.Contains(3))

	got, err := restored.Search(context.Background(), query, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSeededDeterminism(t *testing.T) {
	build := func() *Index {
		table := newVectorTable(model.DistanceCosine)
		idx := table.index(t, 8)
		rng := rand.New(rand.NewSource(7))
		for slot := model.Slot(0); slot < 200; slot++ {
			vec := make([]float32, 8)
			for i := range vec {
				vec[i] = rng.Float32()
			}
			distance.NormalizeL2InPlace(vec)
			table.add(slot, vec)
			if err := idx.Insert(context.Background(), slot, vec); err != nil {
				t.Fatal(err)
			}
		}
		return idx
	}

	a, b := build().Dump(), build().Dump()
	require.Equal(t, len(a.Nodes), len(b.Nodes))
	for i := range a.Nodes {
		assert.Equal(t, a.Nodes[i].Level, b.Nodes[i].Level, fmt.Sprintf("node %d level", i))
	}
}

func TestEqualDistanceOrdersBySlot(t *testing.T) {
	table := newVectorTable(model.DistanceEuclidean)
	idx := table.index(t, 2)

	ctx := context.Background()
	// Both ends of the axis sit at distance 1 from the origin.
	for slot, vec := range map[model.Slot][]float32{
		0: {1, 0},
		1: {-1, 0},
		2: {0, 3},
	} {
		table.add(slot, vec)
	}
	for slot := model.Slot(0); slot < 3; slot++ {
		require.NoError(t, idx.Insert(ctx, slot, table.vectors[slot]))
	}

	hits, err := idx.Search(ctx, []float32{0, 0}, 3, 0)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, model.Slot(0), hits[0].Slot)
	assert.Equal(t, model.Slot(1), hits[1].Slot)
	assert.Equal(t, model.Slot(2), hits[2].Slot)
	assert.Equal(t, hits[0].Distance, hits[1].Distance)
}
