package vectorizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivellm/vectorizer/cache"
	"github.com/hivellm/vectorizer/distance"
	"github.com/hivellm/vectorizer/hnsw"
	"github.com/hivellm/vectorizer/model"
	"github.com/hivellm/vectorizer/persistence"
	"github.com/hivellm/vectorizer/quantization"
	"github.com/hivellm/vectorizer/sparse"
	"github.com/hivellm/vectorizer/vectorstore"
)

// maxBatchConcurrency bounds the fan-out of batch operations.
const maxBatchConcurrency = 8

// Collection is a named set of records with a dense index and,
// optionally, a sparse one. All methods are safe for concurrent use.
// Compact and RebuildIndex exclude every other operation; everything
// else proceeds concurrently, so a search racing an insert may or may
// not observe it.
type Collection struct {
	name     string
	tenantID string
	cfg      model.CollectionConfig

	logger  *Logger
	metrics MetricsCollector
	cache   *cache.RecordCache
	// cacheScope namespaces this collection's entries in the process-wide cache.
	cacheScope string

	mu        sync.RWMutex
	store     *vectorstore.Store
	dense     *hnsw.Index
	sparseIdx *sparse.Index
	codec     quantization.Quantizer
	warm      *persistence.VectorFile

	createdAt time.Time
	updatedAt atomic.Int64 // unix nanos
	dirty     atomic.Bool
}

func newCollection(tenantID, name string, cfg model.CollectionConfig, logger *Logger, metrics MetricsCollector, recordCache *cache.RecordCache) (*Collection, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	codec, err := quantization.FromConfig(cfg.Quantization, cfg.Dimension, cfg.Metric)
	if err != nil {
		return nil, &ErrInvalidConfig{Reason: err.Error()}
	}

	c := &Collection{
		name:       name,
		tenantID:   tenantID,
		cfg:        cfg,
		logger:     logger.WithCollection(tenantID, name),
		metrics:    metrics,
		cache:      recordCache,
		cacheScope: tenantID + "/" + name,
		store:      vectorstore.New(cfg.Dimension, cfg.Compression),
		codec:      codec,
		createdAt:  time.Now().UTC(),
	}
	c.updatedAt.Store(c.createdAt.UnixNano())

	c.dense, err = c.newDenseIndex()
	if err != nil {
		return nil, &ErrInvalidConfig{Reason: err.Error()}
	}

	if cfg.SparseEnabled {
		c.sparseIdx = sparse.New()
	}

	return c, nil
}

func validateConfig(cfg model.CollectionConfig) error {
	if cfg.Dimension <= 0 {
		return &ErrInvalidConfig{Reason: fmt.Sprintf("dimension must be positive, got %d", cfg.Dimension)}
	}
	if !cfg.Metric.Valid() {
		return &ErrInvalidConfig{Reason: fmt.Sprintf("unknown metric %q", cfg.Metric)}
	}
	if cfg.HNSW.M < 0 || cfg.HNSW.EFConstruction < 0 || cfg.HNSW.EFSearch < 0 {
		return &ErrInvalidConfig{Reason: "hnsw parameters must not be negative"}
	}
	return nil
}

// newDenseIndex builds an HNSW graph backed by the current store and
// codec. Quantized collections compare the query against stored codes;
// raw vectors are the fallback until the codec is trained.
func (c *Collection) newDenseIndex() (*hnsw.Index, error) {
	store := c.store
	distFn := distance.ForMetric(c.cfg.Metric)

	return hnsw.New(func(o *hnsw.Options) {
		o.Dimension = c.cfg.Dimension
		o.M = c.cfg.HNSW.M
		o.EFConstruction = c.cfg.HNSW.EFConstruction
		o.EFSearch = c.cfg.HNSW.EFSearch
		o.Seed = c.cfg.HNSW.Seed
		o.Distance = func(query []float32, slot model.Slot) (float32, bool) {
			if c.codec != nil && c.codec.Trained() {
				if code, ok := store.Code(slot); ok && len(code) > 0 {
					if d, err := c.codec.Distance(query, code); err == nil {
						return d, true
					}
				}
			}
			vec, ok := store.Vector(slot)
			if !ok {
				return 0, false
			}
			return distFn(query, vec), true
		}
		o.Vector = store.Vector
	})
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// Config returns the immutable collection configuration.
func (c *Collection) Config() model.CollectionConfig { return c.cfg }

// Count returns the number of live records.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Count()
}

// TombstoneRatio reports the fraction of occupied slots that are
// tombstoned. Compaction resets it to zero.
func (c *Collection) TombstoneRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.TombstoneRatio()
}

// Meta returns the descriptive state of the collection.
func (c *Collection) Meta() model.CollectionMeta {
	c.mu.RLock()
	count := c.store.Count()
	c.mu.RUnlock()

	return model.CollectionMeta{
		Name:        c.name,
		OwnerTenant: c.tenantID,
		Config:      c.cfg,
		CreatedAt:   c.createdAt,
		UpdatedAt:   time.Unix(0, c.updatedAt.Load()).UTC(),
		VectorCount: count,
	}
}

// attachWarm swaps in the vector sidecar written by the latest flush
// and closes the previous mapping. A nil argument detaches.
func (c *Collection) attachWarm(vf *persistence.VectorFile) {
	c.mu.Lock()
	old := c.warm
	c.warm = vf
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (c *Collection) touch() {
	c.updatedAt.Store(time.Now().UTC().UnixNano())
	c.dirty.Store(true)
}

// Insert adds a record. The id must not already be live; the dense
// vector must match the collection dimension. For cosine collections
// the stored vector is L2-normalized, so zero vectors are rejected.
func (c *Collection) Insert(ctx context.Context, rec *model.Record) error {
	start := time.Now()
	err := c.insert(ctx, rec)
	c.metrics.RecordInsert(time.Since(start), err)
	c.logger.LogInsert(ctx, rec.ID, err)
	return translateError(c.name, "insert", err)
}

func (c *Collection) insert(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rec.Dense) != c.cfg.Dimension {
		return &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(rec.Dense)}
	}
	if rec.Sparse != nil {
		if err := rec.Sparse.Validate(); err != nil {
			return &ErrInvalidConfig{Reason: err.Error()}
		}
	}

	stored := *rec
	if distance.NormalizesAtInsert(c.cfg.Metric) {
		vec := append([]float32(nil), rec.Dense...)
		if !distance.NormalizeL2InPlace(vec) {
			return &ErrInvalidConfig{Reason: "cannot normalize zero vector for cosine metric"}
		}
		stored.Dense = vec
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, err := c.store.Insert(&stored)
	if err != nil {
		return err
	}

	if c.codec != nil && c.codec.Trained() {
		if code, err := c.codec.Encode(stored.Dense); err == nil {
			c.store.SetCode(slot, code)
		}
	}

	if err := c.dense.Insert(ctx, slot, stored.Dense); err != nil {
		// Roll the record back so a failed graph insert does not leave
		// an unsearchable row behind.
		c.store.Delete(stored.ID)
		return err
	}

	if c.sparseIdx != nil && stored.Sparse != nil {
		if err := c.sparseIdx.Insert(slot, stored.Sparse); err != nil {
			return err
		}
	}

	if c.cache != nil {
		c.cache.Invalidate(cache.Key{Collection: c.cacheScope, ID: stored.ID})
	}
	c.touch()
	return nil
}

// BatchResult reports the outcome of one batch operation.
type BatchResult struct {
	// Errors has one entry per input item, nil on success.
	Errors []error
	// Failed is the number of non-nil entries in Errors.
	Failed int
}

// BatchOptions controls how a batch is applied.
type BatchOptions struct {
	// Atomic applies the batch all-or-nothing: the first failing item
	// aborts the batch and rolls back the items already applied.
	// Non-atomic batches run concurrently and report per-item errors.
	Atomic bool
}

// Atomic marks a batch all-or-nothing.
func Atomic(o *BatchOptions) { o.Atomic = true }

func applyBatchOptions(optFns []func(o *BatchOptions)) BatchOptions {
	var opts BatchOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// InsertBatch inserts records, concurrently by default or
// all-or-nothing with Atomic. The order of Errors matches the order
// of records.
func (c *Collection) InsertBatch(ctx context.Context, records []*model.Record, optFns ...func(o *BatchOptions)) (*BatchResult, error) {
	opts := applyBatchOptions(optFns)
	start := time.Now()

	var res *BatchResult
	var err error
	if opts.Atomic {
		res, err = c.insertBatchAtomic(ctx, records)
	} else {
		res = c.applyBatch(ctx, len(records), func(gctx context.Context, i int) error {
			return translateError(c.name, "insert", c.insert(gctx, records[i]))
		})
	}

	c.metrics.RecordBatch("insert", len(records), batchFailed(res, len(records)), time.Since(start))
	c.logger.LogBatch(ctx, "insert", len(records), batchFailed(res, len(records)))
	return res, translateError(c.name, "insert", err)
}

func (c *Collection) insertBatchAtomic(ctx context.Context, records []*model.Record) (*BatchResult, error) {
	seen := make(map[string]struct{}, len(records))
	for i, rec := range records {
		if len(rec.Dense) != c.cfg.Dimension {
			return nil, fmt.Errorf("item %d: %w", i, &ErrDimensionMismatch{Expected: c.cfg.Dimension, Actual: len(rec.Dense)})
		}
		if rec.Sparse != nil {
			if err := rec.Sparse.Validate(); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, &ErrInvalidConfig{Reason: err.Error()})
			}
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, &ErrInvalidConfig{Reason: fmt.Sprintf("duplicate id %q in atomic batch", rec.ID)}
		}
		seen[rec.ID] = struct{}{}
	}

	for i, rec := range records {
		if err := c.insert(ctx, rec); err != nil {
			// Undo the applied prefix even when the context died.
			rollback := context.WithoutCancel(ctx)
			for j := i - 1; j >= 0; j-- {
				_ = c.delete(rollback, records[j].ID)
			}
			return nil, fmt.Errorf("atomic batch aborted at item %d: %w", i, err)
		}
	}
	return &BatchResult{Errors: make([]error, len(records))}, nil
}

// applyBatch fans one operation out over n items with bounded
// concurrency, collecting per-item errors.
func (c *Collection) applyBatch(ctx context.Context, n int, apply func(ctx context.Context, i int) error) *BatchResult {
	res := &BatchResult{Errors: make([]error, n)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxBatchConcurrency)
	for i := range n {
		g.Go(func() error {
			res.Errors[i] = apply(gctx, i)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range res.Errors {
		if err != nil {
			res.Failed++
		}
	}
	return res
}

// batchFailed reads the failure count for metrics; an aborted atomic
// batch counts every item as failed.
func batchFailed(res *BatchResult, n int) int {
	if res == nil {
		return n
	}
	return res.Failed
}

// Get returns a record by id. Reads go hot to cold: the record cache,
// then the mmapped sidecar for the dense vector while the collection
// is clean, then the in-memory arena. Deleted records are not found.
func (c *Collection) Get(ctx context.Context, id string) (*model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(c.name, "get", err)
	}

	key := cache.Key{Collection: c.cacheScope, ID: id}
	if c.cache != nil {
		if rec, ok := c.cache.Get(key); ok {
			return rec, nil
		}
	}

	c.mu.RLock()
	rec, ok := c.store.Get(id)
	if ok && c.warm != nil && !c.dirty.Load() {
		// A clean collection matches its sidecar slot for slot, so the
		// dense read comes off the mapping instead of the arena. Any
		// mutation since the last flush marks the sidecar stale.
		if slot, have := c.store.SlotForID(id); have {
			if vec, hit := c.warm.At(slot); hit {
				rec.Dense = vec
			}
		}
	}
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: record %q", ErrNotFound, id)
	}

	if c.cache != nil {
		c.cache.Put(key, rec)
	}
	return rec, nil
}

// Update replaces an existing record. With a nil Dense vector only the
// payload changes and the indexes are untouched; otherwise the record
// is reindexed under a fresh slot.
func (c *Collection) Update(ctx context.Context, rec *model.Record) error {
	start := time.Now()
	err := c.update(ctx, rec)
	c.metrics.RecordInsert(time.Since(start), err)
	return translateError(c.name, "update", err)
}

func (c *Collection) update(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if rec.Dense == nil && rec.Sparse == nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if err := c.store.UpdatePayload(rec.ID, rec.Payload); err != nil {
			return err
		}
		if c.cache != nil {
			c.cache.Invalidate(cache.Key{Collection: c.cacheScope, ID: rec.ID})
		}
		c.touch()
		return nil
	}

	c.mu.RLock()
	old, existed := c.store.Get(rec.ID)
	c.mu.RUnlock()
	if !existed {
		return fmt.Errorf("%w: record %q", ErrNotFound, rec.ID)
	}

	if err := c.delete(ctx, rec.ID); err != nil {
		return err
	}
	if err := c.insert(ctx, rec); err != nil {
		// Put the previous version back so a failed replace does not
		// silently drop the record.
		_ = c.insert(context.WithoutCancel(ctx), old)
		return err
	}
	return nil
}

// Delete tombstones a record. Deleting an absent id returns ErrNotFound.
func (c *Collection) Delete(ctx context.Context, id string) error {
	start := time.Now()
	err := c.delete(ctx, id)
	c.metrics.RecordDelete(time.Since(start), err)
	return translateError(c.name, "delete", err)
}

func (c *Collection) delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, ok := c.store.SlotForID(id)
	if !ok {
		return fmt.Errorf("%w: record %q", ErrNotFound, id)
	}

	c.store.Delete(id)
	c.dense.Remove(slot)
	if c.sparseIdx != nil {
		c.sparseIdx.Remove(slot)
	}

	if c.cache != nil {
		c.cache.Invalidate(cache.Key{Collection: c.cacheScope, ID: id})
	}
	c.touch()
	return nil
}

// DeleteBatch deletes ids, concurrently by default or all-or-nothing
// with Atomic.
func (c *Collection) DeleteBatch(ctx context.Context, ids []string, optFns ...func(o *BatchOptions)) (*BatchResult, error) {
	opts := applyBatchOptions(optFns)
	start := time.Now()

	var res *BatchResult
	var err error
	if opts.Atomic {
		res, err = c.deleteBatchAtomic(ctx, ids)
	} else {
		res = c.applyBatch(ctx, len(ids), func(gctx context.Context, i int) error {
			return translateError(c.name, "delete", c.delete(gctx, ids[i]))
		})
	}

	c.metrics.RecordBatch("delete", len(ids), batchFailed(res, len(ids)), time.Since(start))
	c.logger.LogBatch(ctx, "delete", len(ids), batchFailed(res, len(ids)))
	return res, translateError(c.name, "delete", err)
}

func (c *Collection) deleteBatchAtomic(ctx context.Context, ids []string) (*BatchResult, error) {
	// Capture the records up front so an abort can put them back.
	removed := make([]*model.Record, 0, len(ids))
	for i, id := range ids {
		c.mu.RLock()
		old, ok := c.store.Get(id)
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("item %d: %w: record %q", i, ErrNotFound, id)
		}

		if err := c.delete(ctx, id); err != nil {
			rollback := context.WithoutCancel(ctx)
			for j := len(removed) - 1; j >= 0; j-- {
				_ = c.insert(rollback, removed[j])
			}
			return nil, fmt.Errorf("atomic batch aborted at item %d: %w", i, err)
		}
		removed = append(removed, old)
	}
	return &BatchResult{Errors: make([]error, len(ids))}, nil
}

// UpdateBatch replaces records, concurrently by default or
// all-or-nothing with Atomic.
func (c *Collection) UpdateBatch(ctx context.Context, records []*model.Record, optFns ...func(o *BatchOptions)) (*BatchResult, error) {
	opts := applyBatchOptions(optFns)
	start := time.Now()

	var res *BatchResult
	var err error
	if opts.Atomic {
		res, err = c.updateBatchAtomic(ctx, records)
	} else {
		res = c.applyBatch(ctx, len(records), func(gctx context.Context, i int) error {
			return translateError(c.name, "update", c.update(gctx, records[i]))
		})
	}

	c.metrics.RecordBatch("update", len(records), batchFailed(res, len(records)), time.Since(start))
	c.logger.LogBatch(ctx, "update", len(records), batchFailed(res, len(records)))
	return res, translateError(c.name, "update", err)
}

func (c *Collection) updateBatchAtomic(ctx context.Context, records []*model.Record) (*BatchResult, error) {
	previous := make([]*model.Record, 0, len(records))
	for i, rec := range records {
		c.mu.RLock()
		old, ok := c.store.Get(rec.ID)
		c.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("item %d: %w: record %q", i, ErrNotFound, rec.ID)
		}

		if err := c.update(ctx, rec); err != nil {
			rollback := context.WithoutCancel(ctx)
			for j := len(previous) - 1; j >= 0; j-- {
				_ = c.update(rollback, previous[j])
			}
			return nil, fmt.Errorf("atomic batch aborted at item %d: %w", i, err)
		}
		previous = append(previous, old)
	}
	return &BatchResult{Errors: make([]error, len(records))}, nil
}

// GetBatch fetches ids concurrently. The returned slice has one entry
// per id, nil where the lookup failed; Errors says why.
func (c *Collection) GetBatch(ctx context.Context, ids []string) ([]*model.Record, *BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, translateError(c.name, "get", err)
	}

	records := make([]*model.Record, len(ids))
	res := c.applyBatch(ctx, len(ids), func(gctx context.Context, i int) error {
		rec, err := c.Get(gctx, ids[i])
		records[i] = rec
		return err
	})
	return records, res, nil
}

// TrainCodec calibrates a trainable quantizer on the collection's live
// vectors and re-encodes every stored record. Collections whose codec
// needs no training return immediately.
func (c *Collection) TrainCodec(ctx context.Context) error {
	if c.codec == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return translateError(c.name, "train", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var vectors [][]float32
	c.store.IterateLive(func(slot model.Slot, id string, vector []float32, _ *model.SparseVector) bool {
		vectors = append(vectors, vector)
		return true
	})

	if err := c.codec.Train(vectors); err != nil {
		return translateError(c.name, "train", err)
	}

	var encodeErr error
	c.store.IterateLive(func(slot model.Slot, id string, vector []float32, _ *model.SparseVector) bool {
		code, err := c.codec.Encode(vector)
		if err != nil {
			encodeErr = err
			return false
		}
		c.store.SetCode(slot, code)
		return true
	})
	if encodeErr != nil {
		return translateError(c.name, "train", encodeErr)
	}

	c.touch()
	return nil
}

// Compact rebuilds the collection without tombstoned slots, reclaiming
// their memory and repairing the graph. It blocks all other operations
// on the collection for its duration. Returns the number of reclaimed
// slots.
func (c *Collection) Compact(ctx context.Context) (int, error) {
	start := time.Now()
	reclaimed, err := c.compact(ctx)
	if err == nil {
		c.metrics.RecordCompaction(reclaimed, time.Since(start))
	}
	c.logger.LogCompact(ctx, reclaimed, time.Since(start), err)
	return reclaimed, translateError(c.name, "compact", err)
}

func (c *Collection) compact(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	oldStore := c.store
	reclaimed := oldStore.SlotCapacity() - oldStore.Count()

	newStore := vectorstore.New(c.cfg.Dimension, c.cfg.Compression)
	c.store = newStore

	newDense, err := c.newDenseIndex()
	if err != nil {
		c.store = oldStore
		return 0, err
	}

	var newSparse *sparse.Index
	if c.cfg.SparseEnabled {
		newSparse = sparse.New()
	}

	var rebuildErr error
	oldStore.IterateLive(func(_ model.Slot, id string, vector []float32, _ *model.SparseVector) bool {
		rec, ok := oldStore.Get(id)
		if !ok {
			return true
		}
		slot, err := newStore.Insert(rec)
		if err != nil {
			rebuildErr = err
			return false
		}
		if c.codec != nil && c.codec.Trained() {
			if code, err := c.codec.Encode(vector); err == nil {
				newStore.SetCode(slot, code)
			}
		}
		if err := newDense.Insert(ctx, slot, vector); err != nil {
			rebuildErr = err
			return false
		}
		if newSparse != nil && rec.Sparse != nil {
			if err := newSparse.Insert(slot, rec.Sparse); err != nil {
				rebuildErr = err
				return false
			}
		}
		return true
	})
	if rebuildErr != nil {
		c.store = oldStore
		return 0, rebuildErr
	}

	c.dense = newDense
	c.sparseIdx = newSparse
	if c.cache != nil {
		c.cache.InvalidateCollection(c.cacheScope)
	}
	c.touch()
	return reclaimed, nil
}

// RebuildIndex rebuilds the dense graph from the current store,
// keeping slots stable. Useful after heavy churn degrades recall.
func (c *Collection) RebuildIndex(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newDense, err := c.newDenseIndex()
	if err != nil {
		return translateError(c.name, "rebuild", err)
	}

	var rebuildErr error
	c.store.IterateLive(func(slot model.Slot, _ string, vector []float32, _ *model.SparseVector) bool {
		if err := newDense.Insert(ctx, slot, vector); err != nil {
			rebuildErr = err
			return false
		}
		return true
	})
	if rebuildErr != nil {
		return translateError(c.name, "rebuild", rebuildErr)
	}

	c.dense = newDense
	c.touch()
	return nil
}
