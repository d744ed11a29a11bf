// Package metrics provides Prometheus metrics for the engine's ambient
// observability surface: batch flush latency, routing event volume, and
// pooled-executor queue depth, grouped by concern.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the orchestrator and pooled executor touch.
type Metrics struct {
	// Orchestrator / row-pipeline metrics.
	RowsProcessedTotal  *prometheus.CounterVec
	NodeStateDuration   *prometheus.HistogramVec
	RoutingEventsTotal  *prometheus.CounterVec
	TokenOutcomesTotal  *prometheus.CounterVec

	// Aggregation metrics.
	BatchFlushDuration *prometheus.HistogramVec
	BatchFlushesTotal  *prometheus.CounterVec
	BatchSize          *prometheus.HistogramVec

	// Coalesce metrics.
	CoalesceWaitDuration *prometheus.HistogramVec

	// Pooled executor metrics.
	PoolQueueDepth   prometheus.Gauge
	PoolInFlight     prometheus.Gauge
	PoolRetriesTotal *prometheus.CounterVec
	PoolRejectsTotal *prometheus.CounterVec

	// Checkpoint metrics.
	CheckpointSaveBytes prometheus.Histogram
	CheckpointsTotal    *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New(runID string) *Metrics {
	return NewWithRegistry(runID, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// letting tests use a scratch prometheus.NewRegistry() instead of the
// process-global default.
func NewWithRegistry(engineName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_rows_processed_total",
				Help: "Total number of source rows that completed row-level processing",
			},
			[]string{"engine", "run_id"},
		),
		NodeStateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentryflow_node_state_duration_seconds",
				Help:    "Duration of a single node state execution",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"engine", "node_kind"},
		),
		RoutingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_routing_events_total",
				Help: "Total number of routing events recorded",
			},
			[]string{"engine", "mode"},
		),
		TokenOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_token_outcomes_total",
				Help: "Total number of token outcomes recorded, by outcome kind",
			},
			[]string{"engine", "outcome"},
		),
		BatchFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentryflow_batch_flush_duration_seconds",
				Help:    "Duration of an aggregation batch flush call",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"engine", "node_id"},
		),
		BatchFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_batch_flushes_total",
				Help: "Total number of aggregation flushes, by trigger type",
			},
			[]string{"engine", "node_id", "trigger_type"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentryflow_batch_size",
				Help:    "Number of rows consumed per flushed batch",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
			},
			[]string{"engine", "node_id"},
		),
		CoalesceWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentryflow_coalesce_wait_duration_seconds",
				Help:    "Time a coalesce group waited between first arrival and merge",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
			},
			[]string{"engine", "node_id", "policy"},
		),
		PoolQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryflow_pool_queue_depth",
			Help: "Current number of rows queued for the pooled executor",
		}),
		PoolInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryflow_pool_in_flight",
			Help: "Current number of rows being processed by pooled executor workers",
		}),
		PoolRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_pool_retries_total",
				Help: "Total number of pooled executor retry attempts",
			},
			[]string{"engine"},
		),
		PoolRejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_pool_rejects_total",
				Help: "Total number of rows rejected by admission control",
			},
			[]string{"engine", "reason"},
		),
		CheckpointSaveBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentryflow_checkpoint_save_bytes",
			Help:    "Size in bytes of saved checkpoint payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		CheckpointsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryflow_checkpoints_total",
				Help: "Total number of checkpoints saved",
			},
			[]string{"engine"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.RowsProcessedTotal, m.NodeStateDuration, m.RoutingEventsTotal, m.TokenOutcomesTotal,
		m.BatchFlushDuration, m.BatchFlushesTotal, m.BatchSize, m.CoalesceWaitDuration,
		m.PoolQueueDepth, m.PoolInFlight, m.PoolRetriesTotal, m.PoolRejectsTotal,
		m.CheckpointSaveBytes, m.CheckpointsTotal,
	} {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}
