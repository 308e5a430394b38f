// Package metrics holds the memory engine's Prometheus metrics: search
// latency against its SLA, promotion cycle outcomes, cache hit/miss,
// embedding inference latency, and store/index sizes. These are distinct
// from internal/circuitbreaker/metrics.go and internal/coordinator/metrics.go,
// which instrument the reliability mesh itself; this package instruments
// the domain operations the mesh fronts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_search_requests_total",
			Help: "Total number of similarity search requests",
		},
		[]string{"status"}, // status: ok/miss/error
	)

	SearchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memengine_search_latency_seconds",
			Help:    "Similarity search latency in seconds, against the 50ms SLA",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.03, 0.04, 0.05, 0.075, 0.1, 0.25},
		},
		[]string{"layer"},
	)

	SearchResultsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memengine_search_results_returned",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 5, 10, 20, 50, 100},
		},
	)

	// Insert/retrieve/update/delete metrics
	RecordsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_records_inserted_total",
			Help: "Total number of records inserted",
		},
		[]string{"layer"},
	)

	RecordsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_records_deleted_total",
			Help: "Total number of records deleted",
		},
		[]string{"layer"},
	)

	RecordsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_records_updated_total",
			Help: "Total number of records updated",
		},
		[]string{"layer"},
	)

	BatchInsertSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memengine_batch_insert_size",
			Help:    "Number of records per insert_batch call",
			Buckets: []float64{1, 5, 10, 32, 64, 128, 256, 512},
		},
	)

	// Promotion metrics
	PromotionCyclesRun = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memengine_promotion_cycles_total",
			Help: "Total number of promotion cycles run",
		},
	)

	PromotionCycleLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memengine_promotion_cycle_latency_seconds",
			Help:    "Promotion cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordsPromoted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_records_promoted_total",
			Help: "Total number of records promoted between tiers",
		},
		[]string{"from_layer", "to_layer"},
	)

	RecordsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_records_evicted_total",
			Help: "Total number of records evicted by TTL expiry",
		},
		[]string{"layer"},
	)

	PromotionScoreDistribution = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memengine_promotion_score_distribution",
			Help:    "Distribution of promotion scores assigned per cycle",
			Buckets: []float64{0, 0.1, 0.25, 0.5, 0.75, 0.9, 1},
		},
		[]string{"scorer"},
	)

	// Cache metrics
	QueryCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memengine_query_cache_hits_total",
			Help: "Total number of query cache hits",
		},
	)

	QueryCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memengine_query_cache_misses_total",
			Help: "Total number of query cache misses",
		},
	)

	QueryCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memengine_query_cache_size",
			Help: "Current number of entries in the query cache",
		},
	)

	EmbeddingCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memengine_embedding_cache_hits_total",
			Help: "Total number of embedding cache hits",
		},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "memengine_embedding_cache_misses_total",
			Help: "Total number of embedding cache misses",
		},
	)

	// Embedding/batch processor metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"status"},
	)

	EmbeddingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memengine_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchDispatchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memengine_batch_dispatch_latency_seconds",
			Help:    "Batch GPU processor dispatch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSizeAdaptive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "memengine_batch_adaptive_size",
			Help: "Current adaptive batch size chosen by the batch processor",
		},
	)

	// Store/index size metrics
	StoreRecordCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memengine_store_record_count",
			Help: "Current number of records persisted per tier",
		},
		[]string{"layer"},
	)

	IndexSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memengine_index_size",
			Help: "Current number of live vectors in an HNSW index",
		},
		[]string{"layer"},
	)

	IndexTombstones = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memengine_index_tombstones",
			Help: "Current number of tombstoned vectors in an HNSW index",
		},
		[]string{"layer"},
	)

	// Backup/restore metrics
	BackupsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_backups_total",
			Help: "Total number of backups created",
		},
		[]string{"status"},
	)

	RestoresRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_restores_total",
			Help: "Total number of restores run",
		},
		[]string{"status"},
	)

	BackupSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "memengine_backup_size_bytes",
			Help:    "Size of created backups in bytes",
			Buckets: prometheus.ExponentialBuckets(1<<20, 4, 8), // 1MiB .. 16GiB
		},
	)

	// Health/alerting metrics
	HealthChecksRun = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_health_checks_total",
			Help: "Total number of health checks run",
		},
		[]string{"component", "status"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_alerts_emitted_total",
			Help: "Total number of alerts emitted by severity and channel",
		},
		[]string{"severity", "channel"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memengine_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by grouping, cooldown, or ignore patterns",
		},
		[]string{"reason"},
	)
)

// RecordSearchMetrics records metrics for a similarity search call.
func RecordSearchMetrics(layer, status string, durationSeconds float64, resultsReturned int) {
	SearchRequests.WithLabelValues(status).Inc()
	SearchLatency.WithLabelValues(layer).Observe(durationSeconds)
	SearchResultsReturned.Observe(float64(resultsReturned))
}

// RecordPromotionCycle records metrics for one completed promotion cycle.
func RecordPromotionCycle(durationSeconds float64, evicted map[string]int) {
	PromotionCyclesRun.Inc()
	PromotionCycleLatency.Observe(durationSeconds)
	for layer, n := range evicted {
		if n > 0 {
			RecordsEvicted.WithLabelValues(layer).Add(float64(n))
		}
	}
}

// RecordEmbeddingMetrics records embedding service call metrics.
func RecordEmbeddingMetrics(status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.Observe(durationSeconds)
	}
}

// RecordCacheOutcome records a cache lookup outcome for one of the two
// caches the engine maintains.
func RecordCacheOutcome(cache string, hit bool) {
	switch cache {
	case "query":
		if hit {
			QueryCacheHits.Inc()
		} else {
			QueryCacheMisses.Inc()
		}
	case "embedding":
		if hit {
			EmbeddingCacheHits.Inc()
		} else {
			EmbeddingCacheMisses.Inc()
		}
	}
}

// RecordBackup records the outcome of a create_backup call.
func RecordBackup(status string, sizeBytes int64) {
	BackupsCreated.WithLabelValues(status).Inc()
	if sizeBytes > 0 {
		BackupSizeBytes.Observe(float64(sizeBytes))
	}
}

// RecordRestore records the outcome of a restore call.
func RecordRestore(status string) {
	RestoresRun.WithLabelValues(status).Inc()
}
