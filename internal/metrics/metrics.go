// Package metrics provides Prometheus metrics for the mediasearch engine.
//
// No cardinality explosion: labels are task type, pool, and modality —
// small, closed sets — never a task id, path, or query id.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatchedTotal counts tasks handed to a worker, by type.
	TasksDispatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasearch_tasks_dispatched_total",
		Help: "Total number of tasks dispatched to a worker, by type.",
	}, []string{"type"})

	// TasksSucceededTotal counts tasks that completed successfully, by type.
	TasksSucceededTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasearch_tasks_succeeded_total",
		Help: "Total number of tasks that completed successfully, by type.",
	}, []string{"type"})

	// TasksFailedTotal counts failed task attempts (including ones that are
	// then retried), timeouts and cancellations, by type and outcome.
	TasksFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasearch_tasks_failed_total",
		Help: "Total number of tasks that failed or were cancelled, by type and outcome.",
	}, []string{"type", "outcome"})

	// TaskDispatchLatencySeconds observes wall-clock time spent in the
	// task's handler, by type.
	TaskDispatchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediasearch_task_dispatch_latency_seconds",
		Help:    "Task handler execution latency in seconds, by type.",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// PoolWorkers reports a pool's configured worker count.
	PoolWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediasearch_pool_workers",
		Help: "Configured worker count, by pool.",
	}, []string{"pool"})

	// PoolActive reports a pool's current active-worker count.
	PoolActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediasearch_pool_active",
		Help: "Current active worker count, by pool.",
	}, []string{"pool"})

	// PoolLoadPct reports a pool's EWMA-smoothed load percentage, 0..1.
	PoolLoadPct = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediasearch_pool_load_pct",
		Help: "EWMA-smoothed active/workers ratio, by pool.",
	}, []string{"pool"})

	// QueueDepth reports the number of queued (not yet dispatched) tasks,
	// by type.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediasearch_queue_depth",
		Help: "Number of queued tasks awaiting dispatch, by type.",
	}, []string{"type"})

	// SearchLatencySeconds observes end-to-end search() latency, by whether
	// the query was single- or cross-modal.
	SearchLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mediasearch_search_latency_seconds",
		Help:    "search() end-to-end latency in seconds, by query shape.",
		Buckets: prometheus.DefBuckets,
	}, []string{"shape"})

	// SearchResultsReturned observes the number of fused results returned
	// per query.
	SearchResultsReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mediasearch_search_results_returned",
		Help:    "Number of fused results returned per search() call.",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
	})

	// CacheHitsTotal and CacheMissesTotal count query-embedding/result
	// cache lookups, by cache name.
	CacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasearch_cache_hits_total",
		Help: "Total cache hits, by cache name.",
	}, []string{"cache"})
	CacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasearch_cache_misses_total",
		Help: "Total cache misses, by cache name.",
	}, []string{"cache"})

	// OrphanVectorsSweptTotal counts vectors reclaimed by the delete-orphans
	// task, by modality.
	OrphanVectorsSweptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasearch_orphan_vectors_swept_total",
		Help: "Total orphaned vectors reclaimed, by modality.",
	}, []string{"modality"})

	// ContentArtifactsSweptTotal counts content-store artifacts reclaimed
	// by the cache janitor's TTL sweep.
	ContentArtifactsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mediasearch_content_artifacts_swept_total",
		Help: "Total content-store artifacts reclaimed by the cache janitor.",
	})

	// CacheIndexEntries gauges the bbolt cache index's current entry count.
	CacheIndexEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mediasearch_cache_index_entries",
		Help: "Number of artifacts currently tracked by the content-store cache index.",
	})
)

// RecordTaskDispatched increments the dispatch counter for taskType.
func RecordTaskDispatched(taskType string) {
	TasksDispatchedTotal.WithLabelValues(taskType).Inc()
}

// RecordTaskOutcome increments the succeeded or failed counter for
// taskType and observes its dispatch latency.
func RecordTaskOutcome(taskType string, succeeded bool, outcome string, latencySeconds float64) {
	TaskDispatchLatencySeconds.WithLabelValues(taskType).Observe(latencySeconds)
	if succeeded {
		TasksSucceededTotal.WithLabelValues(taskType).Inc()
		return
	}
	TasksFailedTotal.WithLabelValues(taskType, outcome).Inc()
}

// SetPoolStats publishes one pool's worker/active/load gauges.
func SetPoolStats(pool string, workers, active int, loadPct float64) {
	PoolWorkers.WithLabelValues(pool).Set(float64(workers))
	PoolActive.WithLabelValues(pool).Set(float64(active))
	PoolLoadPct.WithLabelValues(pool).Set(loadPct)
}

// RecordSearch observes a completed search() call's latency and result
// count; shape is "single" or "cross" modal.
func RecordSearch(shape string, latencySeconds float64, results int) {
	SearchLatencySeconds.WithLabelValues(shape).Observe(latencySeconds)
	SearchResultsReturned.Observe(float64(results))
}

// RecordCacheLookup increments the hit or miss counter for cacheName.
func RecordCacheLookup(cacheName string, hit bool) {
	if hit {
		CacheHitsTotal.WithLabelValues(cacheName).Inc()
		return
	}
	CacheMissesTotal.WithLabelValues(cacheName).Inc()
}

// RecordOrphanSweep increments the orphan-sweep counter for modality by n.
func RecordOrphanSweep(modality string, n int) {
	if n <= 0 {
		return
	}
	OrphanVectorsSweptTotal.WithLabelValues(modality).Add(float64(n))
}

// RecordContentSweep increments the content-store janitor's reclaim
// counter by n.
func RecordContentSweep(n int) {
	if n <= 0 {
		return
	}
	ContentArtifactsSweptTotal.Add(float64(n))
}

// SetCacheIndexEntries publishes the cache index's current entry count.
func SetCacheIndexEntries(n int) {
	CacheIndexEntries.Set(float64(n))
}
