package vectorizer

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivellm/vectorizer/distance"
	"github.com/hivellm/vectorizer/fusion"
	"github.com/hivellm/vectorizer/model"
)

// SearchOptions tunes a single dense search.
type SearchOptions struct {
	// EFSearch overrides the collection's candidate list size. Zero
	// keeps the configured value.
	EFSearch int

	// WithPayload controls whether results carry payloads. Defaults to
	// true.
	WithPayload bool

	// WithVector includes the stored dense vector in results.
	WithVector bool
}

// HybridQuery is a combined dense and sparse search fused into one
// ranking.
type HybridQuery struct {
	Dense  []float32
	Sparse *model.SparseVector

	// FinalK is the fused result count.
	FinalK int
	// DenseK and SparseK bound the per-leg candidate counts. Zero
	// defaults to FinalK.
	DenseK  int
	SparseK int

	// Algorithm selects the fusion scheme; empty means RRF.
	Algorithm fusion.Algorithm
	Params    fusion.Params
}

// SearchDense returns the k nearest records by vector distance, best
// first. Scores follow the metric: cosine similarity for cosine, dot
// product for dot, negated squared distance for euclidean.
func (c *Collection) SearchDense(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]model.SearchResult, error) {
	start := time.Now()
	results, err := c.searchDense(ctx, query, k, optFns...)
	c.metrics.RecordSearch("dense", k, time.Since(start), err)
	c.logger.LogSearch(ctx, "dense", k, len(results), err)
	return results, translateError(c.name, "search", err)
}

func (c *Collection) searchDense(ctx context.Context, query []float32, k int, optFns ...func(o *SearchOptions)) ([]model.SearchResult, error) {
	opts := SearchOptions{WithPayload: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	if k <= 0 {
		return nil, ErrInvalidK
	}
	if len(query) != c.cfg.Dimension {
		return nil, &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(query)}
	}

	q := query
	if distance.NormalizesAtInsert(c.cfg.Metric) {
		q = append([]float32(nil), query...)
		if !distance.NormalizeL2InPlace(q) {
			return nil, &ErrInvalidConfig{Reason: "cannot normalize zero query vector"}
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	hits, err := c.dense.Search(ctx, q, k, opts.EFSearch)
	if err != nil {
		return nil, err
	}

	results := make([]model.SearchResult, 0, len(hits))
	for _, h := range hits {
		id, ok := c.store.IDForSlot(h.Slot)
		if !ok {
			continue
		}
		res := model.SearchResult{
			ID:    id,
			Score: distance.ScoreFromDistance(c.cfg.Metric, h.Distance),
		}
		c.fillResult(&res, h.Slot, opts)
		results = append(results, res)
	}

	// The index orders ties by slot; the contract orders them by id.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// SearchSparse ranks records against a sparse query with BM25. The
// collection must have been created with SparseEnabled.
func (c *Collection) SearchSparse(ctx context.Context, query *model.SparseVector, k int, optFns ...func(o *SearchOptions)) ([]model.SearchResult, error) {
	start := time.Now()
	results, err := c.searchSparse(ctx, query, k, optFns...)
	c.metrics.RecordSearch("sparse", k, time.Since(start), err)
	c.logger.LogSearch(ctx, "sparse", k, len(results), err)
	return results, translateError(c.name, "search", err)
}

func (c *Collection) searchSparse(ctx context.Context, query *model.SparseVector, k int, optFns ...func(o *SearchOptions)) ([]model.SearchResult, error) {
	opts := SearchOptions{WithPayload: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	if k <= 0 {
		return nil, ErrInvalidK
	}
	if c.sparseIdx == nil {
		return nil, &ErrInvalidConfig{Reason: "sparse search requires a collection with sparse_enabled"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, &ErrInvalidConfig{Reason: "sparse query must not be nil"}
	}
	if err := query.Validate(); err != nil {
		return nil, &ErrInvalidConfig{Reason: err.Error()}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	hits, err := c.sparseIdx.Search(query, k)
	if err != nil {
		return nil, err
	}

	results := make([]model.SearchResult, 0, len(hits))
	for _, h := range hits {
		id, ok := c.store.IDForSlot(h.Slot)
		if !ok {
			continue
		}
		res := model.SearchResult{ID: id, Score: h.Score}
		c.fillResult(&res, h.Slot, opts)
		results = append(results, res)
	}
	return results, nil
}

// SearchHybrid runs the dense and sparse legs concurrently and fuses
// their rankings. A leg whose query is absent contributes nothing; at
// least one leg must be present.
func (c *Collection) SearchHybrid(ctx context.Context, q *HybridQuery, optFns ...func(o *SearchOptions)) ([]model.SearchResult, error) {
	if q == nil {
		return nil, translateError(c.name, "search", &ErrInvalidConfig{Reason: "hybrid query must not be nil"})
	}
	start := time.Now()
	results, err := c.searchHybrid(ctx, q, optFns...)
	c.metrics.RecordSearch("hybrid", q.FinalK, time.Since(start), err)
	c.logger.LogSearch(ctx, "hybrid", q.FinalK, len(results), err)
	return results, translateError(c.name, "search", err)
}

func (c *Collection) searchHybrid(ctx context.Context, q *HybridQuery, optFns ...func(o *SearchOptions)) ([]model.SearchResult, error) {
	opts := SearchOptions{WithPayload: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	if q.FinalK <= 0 {
		return nil, ErrInvalidK
	}
	if q.Dense == nil && q.Sparse == nil {
		return nil, &ErrInvalidConfig{Reason: "hybrid query needs a dense or sparse leg"}
	}

	denseK := q.DenseK
	if denseK <= 0 {
		denseK = q.FinalK
	}
	sparseK := q.SparseK
	if sparseK <= 0 {
		sparseK = q.FinalK
	}

	// Fusion ranks by score only, so the legs skip payload
	// materialization; it happens once on the fused winners.
	legOpts := func(o *SearchOptions) {
		o.EFSearch = opts.EFSearch
		o.WithPayload = false
		o.WithVector = false
	}

	var denseRes, sparseRes []model.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	if q.Dense != nil {
		g.Go(func() error {
			var err error
			denseRes, err = c.searchDense(gctx, q.Dense, denseK, legOpts)
			return err
		})
	}
	if q.Sparse != nil {
		g.Go(func() error {
			var err error
			sparseRes, err = c.searchSparse(gctx, q.Sparse, sparseK, legOpts)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	algorithm := q.Algorithm
	if algorithm == "" {
		algorithm = fusion.AlgorithmRRF
	}

	fused, err := fusion.Fuse(denseRes, sparseRes, algorithm, q.Params)
	if err != nil {
		return nil, err
	}
	if len(fused) > q.FinalK {
		fused = fused[:q.FinalK]
	}

	if opts.WithPayload || opts.WithVector {
		c.mu.RLock()
		for i := range fused {
			if slot, ok := c.store.SlotForID(fused[i].ID); ok {
				c.fillResult(&fused[i], slot, opts)
			}
		}
		c.mu.RUnlock()
	}
	return fused, nil
}

// fillResult attaches payload and vector to a search result according
// to opts. Callers hold at least a read lock.
func (c *Collection) fillResult(res *model.SearchResult, slot model.Slot, opts SearchOptions) {
	if opts.WithPayload {
		if payload, err := c.store.PayloadBySlot(slot); err == nil {
			res.Payload = payload
		}
	}
	if opts.WithVector {
		if vec, ok := c.store.Vector(slot); ok {
			res.Dense = append([]float32(nil), vec...)
		}
	}
}
