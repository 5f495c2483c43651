package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the replication layer.
type Metrics struct {
	// Topology metrics
	PeersActive   prometheus.Gauge
	ClientsActive prometheus.Gauge
	MasterRole    prometheus.Gauge

	// Change propagation metrics
	ChangesTotal   *prometheus.CounterVec
	ChangesApplied *prometheus.CounterVec
	ConflictsTotal *prometheus.CounterVec
	QueueSize      prometheus.Gauge

	// Remote sync metrics
	OutboxPending  prometheus.Gauge
	OutboxFailed   prometheus.Gauge
	SyncCycles     *prometheus.CounterVec
	SyncDuration   prometheus.Histogram
	RemoteOnline   prometheus.Gauge
	SyncItemsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		PeersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_peers_active",
			Help: "Number of live sibling instances in the peer table",
		}),

		ClientsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_clients_active",
			Help: "Number of connected end-user clients",
		}),

		MasterRole: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_master_role",
			Help: "1 when this instance holds the master role, 0 otherwise",
		}),

		ChangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lansync_changes_total",
				Help: "Total change records observed, by source",
			},
			[]string{"source", "entity_type"},
		),

		ChangesApplied: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lansync_changes_applied_total",
				Help: "Total change records applied to local storage",
			},
			[]string{"entity_type", "operation"},
		),

		ConflictsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lansync_conflicts_total",
				Help: "Total change record conflicts, by resolution outcome",
			},
			[]string{"strategy", "outcome"},
		),

		QueueSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_change_queue_size",
			Help: "Current size of the in-memory change record queue",
		}),

		OutboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_outbox_pending",
			Help: "Outbox items awaiting remote sync",
		}),

		OutboxFailed: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_outbox_failed",
			Help: "Outbox items that exhausted their retry budget",
		}),

		SyncCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lansync_sync_cycles_total",
				Help: "Remote reconciliation cycles, by result",
			},
			[]string{"result"},
		),

		SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lansync_sync_duration_seconds",
			Help:    "Duration of full remote reconciliation cycles",
			Buckets: prometheus.DefBuckets,
		}),

		RemoteOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lansync_remote_online",
			Help: "1 when the remote store probe succeeds, 0 otherwise",
		}),

		SyncItemsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lansync_sync_items_total",
				Help: "Rows moved during remote sync, by direction",
			},
			[]string{"direction", "collection"},
		),
	}
}
