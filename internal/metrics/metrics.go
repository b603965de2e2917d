package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store holds the Prometheus collectors for the replication service.
type Store struct {
	Registry             *prometheus.Registry
	ServiceUp            prometheus.Gauge
	TickDuration         prometheus.Histogram
	TicksTotal           prometheus.Counter
	TableCycleDuration   *prometheus.HistogramVec
	RowsReplicatedTotal  *prometheus.CounterVec
	BatchesWrittenTotal  *prometheus.CounterVec
	BatchWriteDuration   *prometheus.HistogramVec
	ResyncsTotal         *prometheus.CounterVec
	ReplicationErrors    *prometheus.CounterVec
	TablesSkippedTotal   *prometheus.CounterVec
	WatermarkAdvanceTime *prometheus.GaugeVec
}

// NewStore creates and registers the collectors on a private registry.
func NewStore() *Store {
	registry := prometheus.NewRegistry()

	return &Store{
		Registry: registry,
		ServiceUp: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "tailsync_up",
			Help: "Whether the replication poll loop is currently running (1 = running).",
		}),
		TickDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "tailsync_tick_duration_seconds",
			Help:    "Duration of one full poll tick across all tables.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
		TicksTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "tailsync_ticks_total",
			Help: "Total number of completed poll ticks.",
		}),
		TableCycleDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tailsync_table_cycle_duration_seconds",
			Help:    "Duration histogram for one table sync cycle.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"table"}),
		RowsReplicatedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "tailsync_rows_replicated_total",
			Help: "Total rows delivered to the sink, labeled by table and write origin (incremental or resync).",
		}, []string{"table", "origin"}),
		BatchesWrittenTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "tailsync_batches_written_total",
			Help: "Total batch write calls issued to the sink, labeled by table and write origin.",
		}, []string{"table", "origin"}),
		BatchWriteDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tailsync_batch_write_duration_seconds",
			Help:    "Duration histogram for individual sink batch appends.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		}, []string{"table", "status"}), // status: success, success_retry, failure_*
		ResyncsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "tailsync_full_resyncs_total",
			Help: "Total full re-reads triggered by the count-comparison fallback.",
		}, []string{"table"}),
		ReplicationErrors: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "tailsync_errors_total",
			Help: "Total errors, labeled by class and table.",
		}, []string{"class", "table"}), // classes: metadata, watermark_read, fetch, write, count_compare, connection
		TablesSkippedTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "tailsync_table_skips_total",
			Help: "Poll ticks in which a table was skipped, labeled by reason.",
		}, []string{"table", "reason"}),
		WatermarkAdvanceTime: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "tailsync_watermark_last_advance_timestamp_seconds",
			Help: "Unix time of the last successful watermark advance per table.",
		}, []string{"table"}),
	}
}
