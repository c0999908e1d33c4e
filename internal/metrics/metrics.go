// Package metrics exposes Prometheus instrumentation for the sync core,
// scraped through the status API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts sync passes by mode and result.
	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odoofield_sync_runs_total",
		Help: "Total sync passes by mode and result.",
	}, []string{"mode", "result"})

	// RecordsSynced counts records merged into the cache per entity.
	RecordsSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odoofield_records_synced_total",
		Help: "Total records fetched and merged into the local cache.",
	}, []string{"entity"})

	// CacheHits counts cache store hits.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odoofield_cache_hits_total",
		Help: "Total cache store hits.",
	})

	// CacheMisses counts cache store misses, including bypasses and
	// entries rejected for age or version.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odoofield_cache_misses_total",
		Help: "Total cache store misses.",
	})

	// GatewayRetries counts retry attempts inside the record gateway.
	GatewayRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odoofield_gateway_retries_total",
		Help: "Total retried remote calls.",
	})

	// QueueDepth tracks pending offline operations.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "odoofield_queue_depth",
		Help: "Pending operations in the offline mutation queue.",
	})

	// LastSyncTimestamp records the completion time of the last
	// successful sync per mode.
	LastSyncTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "odoofield_last_sync_timestamp_seconds",
		Help: "Unix time of the last successful sync by mode.",
	}, []string{"mode"})
)
