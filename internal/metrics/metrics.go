package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the Prometheus metrics of one engine instance. Each engine
// owns its registry so several engines in one process never collide.
type Collector struct {
	registry *prometheus.Registry

	QueueEnqueued  prometheus.Counter
	QueueProcessed prometheus.Counter
	QueueFailed    *prometheus.CounterVec

	ChangesCreated    *prometheus.CounterVec
	SnapshotsStored   prometheus.Counter
	SnapshotsDeduped  prometheus.Counter
	SnapshotCacheHits prometheus.Counter
	SnapshotCacheMiss prometheus.Counter
	ConflictsRecorded prometheus.Counter
	VersionSwitches   prometheus.Counter
	SwitchDuration    prometheus.Histogram
	FilesMaterialized prometheus.Counter
}

// NewCollector creates a collector registered on a fresh registry.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		QueueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_enqueued_total",
			Help:      "Raw file writes appended to the change queue",
		}),
		QueueProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_processed_total",
			Help:      "Change queue entries committed by the detection pipeline",
		}),
		QueueFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_failed_total",
			Help:      "Change queue entries whose processing failed",
		}, []string{"plugin"}),
		ChangesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_created_total",
			Help:      "Changes appended to the change graph",
		}, []string{"plugin"}),
		SnapshotsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_stored_total",
			Help:      "New snapshot rows written",
		}),
		SnapshotsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_deduplicated_total",
			Help:      "Snapshot puts that reused an existing row",
		}),
		SnapshotCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_hits_total",
			Help:      "Snapshot reads served from the cache",
		}),
		SnapshotCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_misses_total",
			Help:      "Snapshot reads that went to the store",
		}),
		ConflictsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_recorded_total",
			Help:      "Conflicts recorded by the conflict engine",
		}),
		VersionSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_switches_total",
			Help:      "Version switches that changed the current version",
		}),
		SwitchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "version_switch_duration_seconds",
			Help:      "Time spent materializing a version switch",
			Buckets:   prometheus.DefBuckets,
		}),
		FilesMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_materialized_total",
			Help:      "Files rebuilt through a plugin apply call",
		}),
	}

	registry.MustRegister(
		c.QueueEnqueued,
		c.QueueProcessed,
		c.QueueFailed,
		c.ChangesCreated,
		c.SnapshotsStored,
		c.SnapshotsDeduped,
		c.SnapshotCacheHits,
		c.SnapshotCacheMiss,
		c.ConflictsRecorded,
		c.VersionSwitches,
		c.SwitchDuration,
		c.FilesMaterialized,
	)

	return c
}

// Registry exposes the registry for an exporter chosen by the embedding program.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// OrNew lets components accept a nil collector.
func OrNew(c *Collector) *Collector {
	if c != nil {
		return c
	}
	return NewCollector("lix")
}
