// Package stats provides a unified interface for collecting cache metrics.
package stats

// Metric names used throughout the library. Every metric carries a tier label.
const (
	// Access metrics.
	MetricHits   = "tiercache_hits_total"
	MetricMisses = "tiercache_misses_total"

	// Admission and eviction metrics.
	MetricAdmissions   = "tiercache_admissions_total"
	MetricReadmissions = "tiercache_readmissions_total"
	MetricRejections   = "tiercache_rejections_total"
	MetricEvictions    = "tiercache_evictions_total"

	// Migration metrics, labelled with the destination tier.
	MetricMigrations = "tiercache_migrations_total"

	// Occupancy gauges.
	MetricUsedBytes = "tiercache_used_bytes"
	MetricEntries   = "tiercache_entries"

	// Background pass timings, in seconds.
	MetricRerankSeconds = "tiercache_rerank_duration_seconds"

	// Remote medium timings, in seconds.
	MetricRemoteFetchSeconds = "tiercache_remote_fetch_duration_seconds"
)

// Collector defines the interface for collecting metrics.
type Collector interface {
	// IncCounter increments a counter metric by delta.
	IncCounter(name, tier string, delta int64)

	// SetGauge sets a gauge metric to value.
	SetGauge(name, tier string, value int64)

	// ObserveHistogram records a value in a histogram metric.
	ObserveHistogram(name, tier string, value float64)
}
