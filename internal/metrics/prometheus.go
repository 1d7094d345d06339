package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "weatherdb"

// ManagerMetrics holds the manager's Prometheus collectors
type ManagerMetrics struct {
	// Health
	HealthyNodes      prometheus.Gauge
	HeartbeatsSent    *prometheus.CounterVec
	HeartbeatTimeouts *prometheus.CounterVec
	NodeTransitions   *prometheus.CounterVec

	// Recovery
	RecoveriesTotal  *prometheus.CounterVec
	RecordsRecovered prometheus.Counter
	DatesLost        prometheus.Counter
	RecoveryDuration prometheus.Histogram

	// Traffic
	RecordsIngested *prometheus.CounterVec
	QueriesTotal    *prometheus.CounterVec
	PendingRequests prometheus.Gauge
	PlacementSize   prometheus.Gauge
}

// NewManagerMetrics creates and registers the manager collectors on reg
func NewManagerMetrics(reg prometheus.Registerer) *ManagerMetrics {
	factory := promauto.With(reg)

	return &ManagerMetrics{
		HealthyNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "healthy_nodes",
			Help:      "Number of storage nodes currently marked healthy",
		}),
		HeartbeatsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeat probes sent",
		}, []string{"node_id"}),
		HeartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "heartbeat_timeouts_total",
			Help:      "Total number of heartbeat probes that timed out",
		}, []string{"node_id"}),
		NodeTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "node_transitions_total",
			Help:      "Total number of node health transitions",
		}, []string{"node_id", "status"}),
		RecoveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "runs_total",
			Help:      "Total number of recovery protocol runs",
		}, []string{"outcome"}),
		RecordsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "records_transferred_total",
			Help:      "Total number of records forwarded to new placements",
		}),
		DatesLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "dates_lost_total",
			Help:      "Total number of dates dropped because both backing nodes were dead",
		}),
		RecoveryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Duration of recovery protocol runs",
			Buckets:   prometheus.DefBuckets,
		}),
		RecordsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "records_ingested_total",
			Help:      "Total number of records routed to storage nodes",
		}, []string{"status"}),
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "queries_total",
			Help:      "Total number of GET queries by outcome",
		}, []string{"outcome"}),
		PendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "pending_requests",
			Help:      "Number of correlated requests awaiting a response or timeout",
		}),
		PlacementSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "manager",
			Name:      "placement_entries",
			Help:      "Number of dates in the placement table",
		}),
	}
}

// RecordHeartbeat records a heartbeat probe to a node
func (m *ManagerMetrics) RecordHeartbeat(nodeID int) {
	m.HeartbeatsSent.WithLabelValues(strconv.Itoa(nodeID)).Inc()
}

// RecordHeartbeatTimeout records a missed heartbeat
func (m *ManagerMetrics) RecordHeartbeatTimeout(nodeID int) {
	m.HeartbeatTimeouts.WithLabelValues(strconv.Itoa(nodeID)).Inc()
}

// RecordTransition records a node changing health status
func (m *ManagerMetrics) RecordTransition(nodeID int, status string) {
	m.NodeTransitions.WithLabelValues(strconv.Itoa(nodeID), status).Inc()
}

// RecordRecovery records a completed recovery run
func (m *ManagerMetrics) RecordRecovery(transferred bool, records, lost int, seconds float64) {
	outcome := "empty"
	if transferred {
		outcome = "transferred"
	}
	m.RecoveriesTotal.WithLabelValues(outcome).Inc()
	m.RecordsRecovered.Add(float64(records))
	m.DatesLost.Add(float64(lost))
	m.RecoveryDuration.Observe(seconds)
}

// RecordIngest records one routed (or dropped) record
func (m *ManagerMetrics) RecordIngest(status string) {
	m.RecordsIngested.WithLabelValues(status).Inc()
}

// RecordQuery records a GET outcome
func (m *ManagerMetrics) RecordQuery(outcome string) {
	m.QueriesTotal.WithLabelValues(outcome).Inc()
}

// StorageMetrics holds a storage node's Prometheus collectors
type StorageMetrics struct {
	RecordsStored     prometheus.Gauge
	DatesStored       prometheus.Gauge
	MessagesTotal     *prometheus.CounterVec
	DuplicatesSkipped prometheus.Counter
	RecordsForwarded  prometheus.Counter
}

// NewStorageMetrics creates and registers the storage node collectors on reg
func NewStorageMetrics(reg prometheus.Registerer, nodeID int) *StorageMetrics {
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": strconv.Itoa(nodeID)}

	return &StorageMetrics{
		RecordsStored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "records",
			Help:        "Number of records held in memory",
			ConstLabels: labels,
		}),
		DatesStored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "dates",
			Help:        "Number of distinct dates held in memory",
			ConstLabels: labels,
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "messages_total",
			Help:        "Total number of handled messages by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "duplicates_skipped_total",
			Help:        "Total number of ingested records skipped as exact duplicates",
			ConstLabels: labels,
		}),
		RecordsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "storage",
			Name:        "records_forwarded_total",
			Help:        "Total number of records pushed to another node",
			ConstLabels: labels,
		}),
	}
}

// RecordMessage counts a handled message
func (m *StorageMetrics) RecordMessage(kind string) {
	m.MessagesTotal.WithLabelValues(kind).Inc()
}

// UpdateStoreSize updates the size gauges
func (m *StorageMetrics) UpdateStoreSize(dates, records int) {
	m.DatesStored.Set(float64(dates))
	m.RecordsStored.Set(float64(records))
}
