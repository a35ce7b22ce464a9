package vectorizer

import (
	"time"

	"github.com/hivellm/vectorizer/blobstore"
	"github.com/hivellm/vectorizer/config"
)

// Options configures a DB. Modify them with the With* functions
// passed to Open.
type Options struct {
	// Config carries directory layout and background loop settings.
	Config config.Config

	// Logger receives structured operation logs.
	Logger *Logger

	// Metrics receives operational metrics.
	Metrics MetricsCollector

	// Offload, when set, receives a copy of every snapshot.
	Offload blobstore.Store

	// SyncFlush persists a new collection's archive before
	// CreateCollection returns instead of waiting for the next
	// background flush. Meant for tests and small datasets.
	SyncFlush bool
}

// DefaultOptions returns the options used when Open is called without
// overrides.
func DefaultOptions() Options {
	return Options{
		Config:  config.Default(),
		Logger:  NewLogger(nil),
		Metrics: NoopMetricsCollector{},
	}
}

// WithConfig replaces the whole engine configuration.
func WithConfig(cfg config.Config) func(*Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithDataDir overrides the data directory.
func WithDataDir(dir string) func(*Options) {
	return func(o *Options) { o.Config.DataDir = dir }
}

// WithLogger sets the logger.
func WithLogger(l *Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m MetricsCollector) func(*Options) {
	return func(o *Options) { o.Metrics = m }
}

// WithOffload sets the snapshot offload target.
func WithOffload(s blobstore.Store) func(*Options) {
	return func(o *Options) { o.Offload = s }
}

// WithFlushInterval overrides the background flush period. Zero
// disables the loop.
func WithFlushInterval(d time.Duration) func(*Options) {
	return func(o *Options) { o.Config.FlushInterval = d }
}

// WithCacheCapacity overrides the hot record cache size in entries.
// Zero disables the cache.
func WithCacheCapacity(n int) func(*Options) {
	return func(o *Options) { o.Config.CacheCapacity = n }
}

// WithSyncFlush enables synchronous flushing.
func WithSyncFlush() func(*Options) {
	return func(o *Options) { o.SyncFlush = true }
}
