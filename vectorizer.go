package vectorizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	miniostore "github.com/hivellm/vectorizer/blobstore/minio"
	"github.com/hivellm/vectorizer/cache"
	"github.com/hivellm/vectorizer/model"
	"github.com/hivellm/vectorizer/persistence"
)

// maxFlushConcurrency bounds how many collections flush in parallel.
const maxFlushConcurrency = 4

// DB is the multi-tenant collection manager. Every operation takes the
// caller's TenantContext; a tenant can only see its own collections,
// and access to anyone else's is reported as ErrNotFound.
type DB struct {
	opts    Options
	logger  *Logger
	metrics MetricsCollector

	manager *persistence.Manager
	cache   *cache.RecordCache

	mu          sync.RWMutex
	collections map[string]*Collection
	closed      bool

	// loadFailures counts archives skipped during recovery.
	loadFailures int

	flushStop chan struct{}
	flushDone chan struct{}
}

func collectionKey(tenantID, name string) string {
	return tenantID + "/" + name
}

// Open loads every archive under the data directory and starts the
// background flush loop. A corrupt archive is logged and skipped; the
// remaining collections load normally.
func Open(optFns ...func(o *Options)) (*DB, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NoopMetricsCollector{}
	}

	// A configured offload endpoint builds its own store unless the
	// caller supplied one with WithOffload.
	if opts.Offload == nil && opts.Config.Offload.Enabled() {
		store, err := miniostore.Connect(miniostore.Config{
			Endpoint:  opts.Config.Offload.Endpoint,
			AccessKey: opts.Config.Offload.AccessKey,
			SecretKey: opts.Config.Offload.SecretKey,
			Bucket:    opts.Config.Offload.Bucket,
			Prefix:    opts.Config.Offload.Prefix,
			UseSSL:    opts.Config.Offload.UseSSL,
		})
		if err != nil {
			return nil, &ErrInvalidConfig{Reason: fmt.Sprintf("offload endpoint %q: %v", opts.Config.Offload.Endpoint, err)}
		}
		opts.Offload = store
	}

	manager, err := persistence.NewManager(opts.Config.DataDir, func(o *persistence.ManagerOptions) {
		o.Offload = opts.Offload
		o.OffloadRate = rate.Limit(opts.Config.Offload.UploadsPerSecond)
		o.SnapshotRetention = opts.Config.SnapshotRetention
	})
	if err != nil {
		return nil, translateError("", "open", err)
	}

	db := &DB{
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		manager:     manager,
		collections: make(map[string]*Collection),
	}
	if opts.Config.CacheCapacity > 0 {
		db.cache = cache.New(opts.Config.CacheCapacity)
	}

	if err := db.recover(context.Background()); err != nil {
		return nil, err
	}

	if opts.Config.FlushInterval > 0 {
		db.flushStop = make(chan struct{})
		db.flushDone = make(chan struct{})
		go db.flushLoop(opts.Config.FlushInterval)
	}

	return db, nil
}

// recover loads all archives found on disk. Tenant directories are the
// first level below the data dir.
func (db *DB) recover(ctx context.Context) error {
	entries, err := os.ReadDir(db.manager.Dir())
	if err != nil {
		return translateError("", "recover", err)
	}

	loaded, failed := 0, 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tenantID := e.Name()
		if tenantID == "default" {
			tenantID = ""
		}

		names, err := db.manager.ListArchives(tenantID)
		if err != nil {
			return translateError("", "recover", err)
		}
		for _, name := range names {
			a, err := db.manager.LoadArchive(tenantID, name)
			if err != nil {
				failed++
				db.logger.WithCollection(tenantID, name).
					ErrorContext(ctx, "archive load failed", "error", translateError(name, "recover", err))
				continue
			}
			// Directory layout wins over archived identity: a tenant
			// dir renamed on disk rehomes its collections.
			a.TenantID = tenantID

			coll, err := collectionFromArchive(a, db.logger, db.metrics, db.cache)
			if err != nil {
				failed++
				db.logger.WithCollection(tenantID, name).
					ErrorContext(ctx, "archive restore failed", "error", err)
				continue
			}
			if vf, err := persistence.OpenVectorFile(db.manager.VectorFilePath(tenantID, name)); err == nil {
				coll.attachWarm(vf)
			}
			db.collections[collectionKey(tenantID, name)] = coll
			loaded++
		}
	}

	db.loadFailures = failed
	db.logger.LogRecovery(ctx, loaded, failed)
	return nil
}

// CreateCollection creates an empty collection owned by the tenant.
func (db *DB) CreateCollection(ctx context.Context, tenant model.TenantContext, name string, cfg model.CollectionConfig) (*Collection, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(name, "create", err)
	}
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, &ErrInvalidConfig{Reason: fmt.Sprintf("invalid collection name %q", name)}
	}

	coll, err := newCollection(tenant.TenantID, name, cfg, db.logger, db.metrics, db.cache)
	if err != nil {
		return nil, translateError(name, "create", err)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, ErrClosed
	}

	key := collectionKey(tenant.TenantID, name)
	if _, ok := db.collections[key]; ok {
		return nil, fmt.Errorf("%w: collection %q", ErrAlreadyExists, name)
	}
	db.collections[key] = coll
	coll.dirty.Store(true)

	if db.opts.SyncFlush {
		if err := db.flushCollection(ctx, coll); err != nil {
			delete(db.collections, key)
			return nil, translateError(name, "create", err)
		}
	}
	return coll, nil
}

// GetCollection resolves a collection visible to the tenant. A
// collection owned by another tenant is reported as not found.
func (db *DB) GetCollection(_ context.Context, tenant model.TenantContext, name string) (*Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	coll, ok := db.collections[collectionKey(tenant.TenantID, name)]
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}
	return coll, nil
}

// ListCollections returns the tenant's collections, sorted by name.
func (db *DB) ListCollections(_ context.Context, tenant model.TenantContext) ([]model.CollectionMeta, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}

	var metas []model.CollectionMeta
	for _, coll := range db.collections {
		if coll.tenantID == tenant.TenantID {
			metas = append(metas, coll.Meta())
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}

// DeleteCollection removes a collection and all its on-disk state,
// snapshots included.
func (db *DB) DeleteCollection(ctx context.Context, tenant model.TenantContext, name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	key := collectionKey(tenant.TenantID, name)
	coll, ok := db.collections[key]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	if err := db.manager.DeleteArchive(tenant.TenantID, name); err != nil {
		return translateError(name, "delete collection", err)
	}
	delete(db.collections, key)
	coll.attachWarm(nil)
	if db.cache != nil {
		db.cache.InvalidateCollection(coll.cacheScope)
	}
	db.logger.WithCollection(tenant.TenantID, name).InfoContext(ctx, "collection deleted")
	return nil
}

// Flush persists every dirty collection.
func (db *DB) Flush(ctx context.Context) error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrClosed
	}
	db.mu.RUnlock()
	return db.flushAll(ctx)
}

func (db *DB) flushAll(ctx context.Context) error {
	db.mu.RLock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, coll := range db.collections {
		colls = append(colls, coll)
	}
	db.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFlushConcurrency)
	for _, coll := range colls {
		if !coll.dirty.Load() {
			continue
		}
		g.Go(func() error {
			return db.flushCollection(gctx, coll)
		})
	}
	return translateError("", "flush", g.Wait())
}

func (db *DB) flushCollection(ctx context.Context, coll *Collection) error {
	start := time.Now()

	// Clear the flag before capturing so writes racing the archive
	// stay marked for the next flush.
	coll.dirty.Store(false)

	a, err := coll.archive()
	if err == nil {
		err = db.manager.SaveArchive(ctx, a)
	}
	if err != nil {
		coll.dirty.Store(true)
	} else {
		// The sidecar was just rewritten; remap it so clean reads are
		// served from the new file. A failed open leaves warm detached.
		vf, _ := persistence.OpenVectorFile(db.manager.VectorFilePath(coll.tenantID, coll.name))
		coll.attachWarm(vf)
	}

	db.metrics.RecordFlush(time.Since(start), err)
	coll.logger.LogFlush(ctx, time.Since(start), err)
	return err
}

// Snapshot writes a point-in-time copy of a collection and returns its
// descriptor.
func (db *DB) Snapshot(ctx context.Context, tenant model.TenantContext, name string) (*model.SnapshotInfo, error) {
	coll, err := db.GetCollection(ctx, tenant, name)
	if err != nil {
		return nil, err
	}

	a, err := coll.archive()
	if err != nil {
		return nil, translateError(name, "snapshot", err)
	}

	info, err := db.manager.Snapshot(ctx, a)
	db.logger.LogSnapshot(ctx, name, err)
	if err != nil {
		return nil, translateError(name, "snapshot", err)
	}

	if _, err := db.manager.PruneSnapshots(ctx, tenant.TenantID, name); err != nil {
		return nil, translateError(name, "snapshot", err)
	}
	return info, nil
}

// ListSnapshots returns a collection's snapshots, oldest first.
func (db *DB) ListSnapshots(ctx context.Context, tenant model.TenantContext, name string) ([]model.SnapshotInfo, error) {
	if _, err := db.GetCollection(ctx, tenant, name); err != nil {
		return nil, err
	}
	snaps, err := db.manager.ListSnapshots(tenant.TenantID, name)
	return snaps, translateError(name, "list snapshots", err)
}

// RestoreSnapshot replaces a collection's live state with a snapshot.
func (db *DB) RestoreSnapshot(ctx context.Context, tenant model.TenantContext, name, snapshot string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}

	key := collectionKey(tenant.TenantID, name)
	replaced, ok := db.collections[key]
	if !ok {
		return fmt.Errorf("%w: collection %q", ErrNotFound, name)
	}

	a, err := db.manager.RestoreSnapshot(tenant.TenantID, name, snapshot)
	if err != nil {
		return translateError(name, "restore snapshot", err)
	}

	coll, err := collectionFromArchive(a, db.logger, db.metrics, db.cache)
	if err != nil {
		return translateError(name, "restore snapshot", err)
	}
	coll.dirty.Store(true)

	db.collections[key] = coll
	replaced.attachWarm(nil)
	if db.cache != nil {
		db.cache.InvalidateCollection(coll.cacheScope)
	}
	return nil
}

// WarmVectors maps a flushed collection's vector sidecar for
// sequential access without materializing records, useful for bulk
// export and external index builds. The caller must Close the file.
// Only slots written by the last flush are visible.
func (db *DB) WarmVectors(ctx context.Context, tenant model.TenantContext, name string) (*persistence.VectorFile, error) {
	if _, err := db.GetCollection(ctx, tenant, name); err != nil {
		return nil, err
	}
	vf, err := persistence.OpenVectorFile(db.manager.VectorFilePath(tenant.TenantID, name))
	if err != nil {
		return nil, translateError(name, "warm vectors", err)
	}
	return vf, nil
}

// Stats is a point-in-time view of the whole database.
type Stats struct {
	Collections    int
	Records        int
	LoadFailures   int
	CacheHits      int64
	CacheMisses    int64
	CacheEvictions int64
}

// Stats aggregates counts across all tenants.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	defer db.mu.RUnlock()

	s := Stats{
		Collections:  len(db.collections),
		LoadFailures: db.loadFailures,
	}
	for _, coll := range db.collections {
		s.Records += coll.Count()
	}
	if db.cache != nil {
		s.CacheHits, s.CacheMisses, s.CacheEvictions = db.cache.Stats()
	}
	return s
}

// Healthy reports whether the database can serve requests.
func (db *DB) Healthy() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return !db.closed
}

// flushLoop periodically flushes dirty collections and compacts those
// whose tombstone ratio crossed the configured threshold.
func (db *DB) flushLoop(interval time.Duration) {
	defer close(db.flushDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-db.flushStop:
			return
		case <-ticker.C:
			ctx := context.Background()
			db.compactEligible(ctx)
			if err := db.Flush(ctx); err != nil && !errors.Is(err, ErrClosed) {
				db.logger.ErrorContext(ctx, "background flush failed", "error", err)
			}
		}
	}
}

func (db *DB) compactEligible(ctx context.Context) {
	threshold := db.opts.Config.CompactionThreshold
	if threshold <= 0 {
		return
	}

	db.mu.RLock()
	colls := make([]*Collection, 0, len(db.collections))
	for _, coll := range db.collections {
		colls = append(colls, coll)
	}
	db.mu.RUnlock()

	for _, coll := range colls {
		if coll.TombstoneRatio() > threshold {
			if _, err := coll.Compact(ctx); err != nil {
				coll.logger.ErrorContext(ctx, "auto compaction failed", "error", err)
			}
		}
	}
}

// Close stops the flush loop, persists all dirty collections and
// rejects further operations.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	if db.flushStop != nil {
		close(db.flushStop)
		<-db.flushDone
	}

	err := db.flushAll(context.Background())

	db.mu.RLock()
	for _, coll := range db.collections {
		coll.attachWarm(nil)
	}
	db.mu.RUnlock()
	return err
}
