package vectorizer

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives operational metrics. Implement it to
// integrate with a monitoring system; the prom subpackage provides a
// Prometheus-backed implementation.
type MetricsCollector interface {
	// RecordInsert is called after each insert with the time taken.
	RecordInsert(duration time.Duration, err error)

	// RecordBatch is called after each batch operation.
	RecordBatch(op string, count, failed int, duration time.Duration)

	// RecordSearch is called after each search. mode is "dense",
	// "sparse" or "hybrid".
	RecordSearch(mode string, k int, duration time.Duration, err error)

	// RecordDelete is called after each delete.
	RecordDelete(duration time.Duration, err error)

	// RecordFlush is called after each archive flush.
	RecordFlush(duration time.Duration, err error)

	// RecordCompaction is called after each compaction with the number
	// of reclaimed slots.
	RecordCompaction(reclaimed int, duration time.Duration)
}

// NoopMetricsCollector discards all metrics.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordInsert(time.Duration, error)              {}
func (NoopMetricsCollector) RecordBatch(string, int, int, time.Duration)    {}
func (NoopMetricsCollector) RecordSearch(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)              {}
func (NoopMetricsCollector) RecordFlush(time.Duration, error)               {}
func (NoopMetricsCollector) RecordCompaction(int, time.Duration)            {}

// BasicMetricsCollector keeps simple in-memory counters. Useful for
// tests and debugging without an external monitoring system.
type BasicMetricsCollector struct {
	InsertCount      atomic.Int64
	InsertErrors     atomic.Int64
	InsertTotalNanos atomic.Int64
	BatchCount       atomic.Int64
	BatchItems       atomic.Int64
	BatchFailed      atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	CompactionCount  atomic.Int64
	SlotsReclaimed   atomic.Int64
}

func (b *BasicMetricsCollector) RecordInsert(d time.Duration, err error) {
	b.InsertCount.Add(1)
	b.InsertTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.InsertErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordBatch(_ string, count, failed int, _ time.Duration) {
	b.BatchCount.Add(1)
	b.BatchItems.Add(int64(count))
	b.BatchFailed.Add(int64(failed))
}

func (b *BasicMetricsCollector) RecordSearch(_ string, _ int, d time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(d.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordFlush(_ time.Duration, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

func (b *BasicMetricsCollector) RecordCompaction(reclaimed int, _ time.Duration) {
	b.CompactionCount.Add(1)
	b.SlotsReclaimed.Add(int64(reclaimed))
}
