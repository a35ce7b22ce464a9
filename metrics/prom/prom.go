// Package prom exposes engine metrics through Prometheus. Collector
// satisfies the root package's MetricsCollector interface.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records engine metrics into Prometheus instruments.
type Collector struct {
	insertTotal     *prometheus.CounterVec
	insertDuration  prometheus.Histogram
	batchItems      *prometheus.CounterVec
	searchTotal     *prometheus.CounterVec
	searchDuration  *prometheus.HistogramVec
	deleteTotal     *prometheus.CounterVec
	flushTotal      *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	compactionTotal prometheus.Counter
	slotsReclaimed  prometheus.Counter
}

// NewCollector creates a Collector and registers its instruments with
// reg. Pass prometheus.DefaultRegisterer for the global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		insertTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "inserts_total",
			Help: "Record inserts by status.",
		}, []string{"status"}),
		insertDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vectorizer", Name: "insert_duration_seconds",
			Help:    "Insert latency.",
			Buckets: prometheus.DefBuckets,
		}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "batch_items_total",
			Help: "Batch items by operation and status.",
		}, []string{"op", "status"}),
		searchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "searches_total",
			Help: "Searches by mode and status.",
		}, []string{"mode", "status"}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vectorizer", Name: "search_duration_seconds",
			Help:    "Search latency by mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		deleteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "deletes_total",
			Help: "Record deletes by status.",
		}, []string{"status"}),
		flushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "flushes_total",
			Help: "Archive flushes by status.",
		}, []string{"status"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vectorizer", Name: "flush_duration_seconds",
			Help:    "Flush latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		compactionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "compactions_total",
			Help: "Completed compaction runs.",
		}),
		slotsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vectorizer", Name: "slots_reclaimed_total",
			Help: "Tombstoned slots reclaimed by compaction.",
		}),
	}

	reg.MustRegister(
		c.insertTotal, c.insertDuration, c.batchItems,
		c.searchTotal, c.searchDuration, c.deleteTotal,
		c.flushTotal, c.flushDuration, c.compactionTotal, c.slotsReclaimed,
	)
	return c
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) RecordInsert(d time.Duration, err error) {
	c.insertTotal.WithLabelValues(status(err)).Inc()
	c.insertDuration.Observe(d.Seconds())
}

func (c *Collector) RecordBatch(op string, count, failed int, _ time.Duration) {
	c.batchItems.WithLabelValues(op, "ok").Add(float64(count - failed))
	c.batchItems.WithLabelValues(op, "error").Add(float64(failed))
}

func (c *Collector) RecordSearch(mode string, _ int, d time.Duration, err error) {
	c.searchTotal.WithLabelValues(mode, status(err)).Inc()
	c.searchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (c *Collector) RecordDelete(_ time.Duration, err error) {
	c.deleteTotal.WithLabelValues(status(err)).Inc()
}

func (c *Collector) RecordFlush(d time.Duration, err error) {
	c.flushTotal.WithLabelValues(status(err)).Inc()
	c.flushDuration.Observe(d.Seconds())
}

func (c *Collector) RecordCompaction(reclaimed int, _ time.Duration) {
	c.compactionTotal.Inc()
	c.slotsReclaimed.Add(float64(reclaimed))
}
