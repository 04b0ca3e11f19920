package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram proximum exports. Each Index gets
// its own prometheus.Registry (rather than the global default one) so that
// opening more than one Index in a process -- as every test in this module
// does -- never double-registers a collector.
type Metrics struct {
	Registry *prometheus.Registry

	VectorInserts prometheus.Counter
	VectorDeletes prometheus.Counter
	SearchQueries prometheus.Counter
	SearchErrors  prometheus.Counter
	SearchLatency prometheus.Histogram

	SyncTotal           prometheus.Counter
	SyncChunksWritten    prometheus.Counter
	SyncLatency          prometheus.Histogram
	GCReclaimedTotal     prometheus.Counter
	CESChunkCoW          prometheus.Counter
	CESChunkSoftified    prometheus.Counter
	PSSCacheHits         prometheus.Counter
	PSSCacheMisses       prometheus.Counter
	CompactionDeltaSize  prometheus.Gauge
}

// NewMetrics creates a metrics instance bound to a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		VectorInserts: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_vector_inserts_total",
			Help: "Total vector insertions",
		}),
		VectorDeletes: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_vector_deletes_total",
			Help: "Total vector tombstones",
		}),
		SearchQueries: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_search_queries_total",
			Help: "Total search queries",
		}),
		SearchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_search_errors_total",
			Help: "Total search errors",
		}),
		SearchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name: "proximum_search_latency_seconds",
			Help: "Search latency",
		}),
		SyncTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_sync_total",
			Help: "Total sync (commit) operations",
		}),
		SyncChunksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_sync_chunks_written_total",
			Help: "Total chunks (vector + edge) written during sync",
		}),
		SyncLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name: "proximum_sync_latency_seconds",
			Help: "Sync latency",
		}),
		GCReclaimedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_gc_reclaimed_total",
			Help: "Total keys reclaimed by garbage collection",
		}),
		CESChunkCoW: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_ces_chunk_cow_total",
			Help: "Total edge chunks copy-on-written",
		}),
		CESChunkSoftified: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_ces_chunk_softified_total",
			Help: "Total edge chunks converted to soft references",
		}),
		PSSCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_pss_cache_hits_total",
			Help: "PSS node cache hits",
		}),
		PSSCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "proximum_pss_cache_misses_total",
			Help: "PSS node cache misses",
		}),
		CompactionDeltaSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "proximum_compaction_delta_log_size",
			Help: "Current size of the online-compaction delta log",
		}),
	}
}
