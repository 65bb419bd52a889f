package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ok_offline"

// Metrics holds the Prometheus counters, histograms, and gauges for the sync
// engine, tile service, and background update process.
type Metrics struct {
	// Record sync.
	SyncRequests   *prometheus.CounterVec   // labels: type, outcome={success,cached,no_data,error}
	RecordsStored  *prometheus.CounterVec   // labels: type
	SyncDuration   *prometheus.HistogramVec // labels: type
	EnrichedEvents prometheus.Counter
	SyncRunning    prometheus.Gauge
	PartitionCache *prometheus.CounterVec // labels: result={hit,miss}

	// Tiles.
	TileFetches   *prometheus.CounterVec // labels: path={package,tile,proxy}, outcome={success,error,rejected}
	TilesStored   prometheus.Gauge
	TileEvictions prometheus.Counter
	TilesDegraded prometheus.Gauge

	// Background update process.
	ProxyRequests  *prometheus.CounterVec // labels: class, source={tiles,cache,network,fallback}
	WorkerMessages *prometheus.CounterVec // labels: type, outcome={ok,error}

	// Adapters.
	ProgressClients prometheus.Gauge
	SyncEvents      *prometheus.CounterVec // labels: outcome={published,error}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// multiple tests can build their own without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		SyncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_requests_total",
			Help:      "Partition syncs by record type and outcome.",
		}, []string{"type", "outcome"}),
		RecordsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_stored_total",
			Help:      "Records written to the local store by type.",
		}, []string{"type"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of a single partition sync.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		EnrichedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enriched_events_total",
			Help:      "Events that gained a resolved location during enrichment.",
		}),
		SyncRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_running",
			Help:      "1 while a progressive sync is active, 0 otherwise.",
		}),
		PartitionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_cache_total",
			Help:      "In-memory partition cache lookups by result.",
		}, []string{"result"}),
		TileFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_fetches_total",
			Help:      "Tiles acquired by acquisition path and outcome.",
		}, []string{"path", "outcome"}),
		TilesStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tiles_stored",
			Help:      "Tiles currently held in the tile store.",
		}),
		TileEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_evictions_total",
			Help:      "Tiles evicted to keep the store under its cap.",
		}),
		TilesDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tiles_degraded",
			Help:      "1 when repeated acquisitions ended below the completeness threshold.",
		}),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Intercepted requests by resource class and where the response came from.",
		}, []string{"class", "source"}),
		WorkerMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_messages_total",
			Help:      "Messages handled by the background update process.",
		}, []string{"type", "outcome"}),
		ProgressClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "progress_clients",
			Help:      "Connected progress stream clients.",
		}),
		SyncEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Sync completion notifications by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.SyncRequests,
		m.RecordsStored,
		m.SyncDuration,
		m.EnrichedEvents,
		m.SyncRunning,
		m.PartitionCache,
		m.TileFetches,
		m.TilesStored,
		m.TileEvictions,
		m.TilesDegraded,
		m.ProxyRequests,
		m.WorkerMessages,
		m.ProgressClients,
		m.SyncEvents,
	}
}
