package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a document store node
type Metrics struct {
	// Incoming replication
	ReplicationBatchesTotal  *prometheus.CounterVec
	ReplicationBatchDuration prometheus.Histogram
	ReplicationItemsTotal    *prometheus.CounterVec
	ReplicationHeartbeats    *prometheus.CounterVec
	ActiveConnections        prometheus.Gauge

	// Conflicts
	ConflictsDetectedTotal  prometheus.Counter
	ConflictsResolvedTotal  *prometheus.CounterVec
	ResolutionPassesTotal   prometheus.Counter
	ResolutionPassDuration  prometheus.Histogram
	ResolutionFailuresTotal *prometheus.CounterVec
	ResolutionRetryRounds   prometheus.Counter

	// Revisions
	RevisionsWrittenTotal    prometheus.Counter
	RevisionsPrunedTotal     prometheus.Counter
	RevisionEnforcementRound prometheus.Histogram

	// Transaction merger
	MergerBatchesTotal        prometheus.Counter
	MergerBatchSize           prometheus.Histogram
	MergerBatchDuration       prometheus.Histogram
	MergerCommitFailuresTotal prometheus.Counter

	// Background work
	BackgroundTasksTotal   *prometheus.CounterVec
	BackgroundTaskDuration *prometheus.HistogramVec

	// Cluster and system
	GossipMembersTotal  prometheus.Gauge
	GossipMessagesTotal *prometheus.CounterVec
	DiskUsagePercent    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg; a nil reg
// uses a private registry
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		ReplicationBatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "batches_total",
			Help:        "Incoming replication batches by reply type",
			ConstLabels: labels,
		}, []string{"result"}),
		ReplicationBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "batch_apply_duration_seconds",
			Help:        "Time from batch parsed to batch applied",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ReplicationItemsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "items_total",
			Help:        "Replicated items received by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		ReplicationHeartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "heartbeats_total",
			Help:        "Heartbeats by outcome (merged, skipped, coalesced)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "replication",
			Name:        "active_connections",
			Help:        "Incoming replication connections currently running",
			ConstLabels: labels,
		}),

		ConflictsDetectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflicts",
			Name:        "detected_total",
			Help:        "Conflicting versions recorded",
			ConstLabels: labels,
		}),
		ConflictsResolvedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflicts",
			Name:        "resolved_total",
			Help:        "Conflict groups resolved by method",
			ConstLabels: labels,
		}, []string{"method"}),
		ResolutionPassesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflicts",
			Name:        "resolution_passes_total",
			Help:        "Resolution passes run",
			ConstLabels: labels,
		}),
		ResolutionPassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflicts",
			Name:        "resolution_pass_duration_seconds",
			Help:        "Duration of resolution passes",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ResolutionFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflicts",
			Name:        "resolution_failures_total",
			Help:        "Conflict groups left unresolved by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		ResolutionRetryRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "conflicts",
			Name:        "resolution_retry_rounds_total",
			Help:        "Rounds repeated because a group changed during resolution",
			ConstLabels: labels,
		}),

		RevisionsWrittenTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "revisions",
			Name:        "written_total",
			Help:        "Revisions appended to the ledger",
			ConstLabels: labels,
		}),
		RevisionsPrunedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "revisions",
			Name:        "pruned_total",
			Help:        "Revisions removed by retention",
			ConstLabels: labels,
		}),
		RevisionEnforcementRound: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "revisions",
			Name:        "enforcement_round_duration_seconds",
			Help:        "Duration of database-wide retention rounds",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		MergerBatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merger",
			Name:        "batches_total",
			Help:        "Merged transactions committed",
			ConstLabels: labels,
		}),
		MergerBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "merger",
			Name:        "batch_commands",
			Help:        "Commands per merged transaction",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
		}),
		MergerBatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "merger",
			Name:        "batch_duration_seconds",
			Help:        "Duration of merged transactions",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		MergerCommitFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "merger",
			Name:        "commit_failures_total",
			Help:        "Merged transactions that failed to commit",
			ConstLabels: labels,
		}),

		BackgroundTasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "background",
			Name:        "tasks_total",
			Help:        "Background tasks executed by task and result",
			ConstLabels: labels,
		}, []string{"task", "result"}),
		BackgroundTaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "background",
			Name:        "task_duration_seconds",
			Help:        "Duration of background tasks",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"task"}),

		GossipMembersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Members in the configuration gossip ring",
			ConstLabels: labels,
		}),
		GossipMessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "gossip",
			Name:        "messages_total",
			Help:        "Gossip messages by type",
			ConstLabels: labels,
		}, []string{"type"}),
		DiskUsagePercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "system",
			Name:        "disk_usage_percent",
			Help:        "Data volume usage",
			ConstLabels: labels,
		}),
	}
}

// RecordBatch records one incoming batch outcome
func (m *Metrics) RecordBatch(result string, duration time.Duration) {
	m.ReplicationBatchesTotal.WithLabelValues(result).Inc()
	m.ReplicationBatchDuration.Observe(duration.Seconds())
}

// RecordItem counts one received item
func (m *Metrics) RecordItem(kind string) {
	m.ReplicationItemsTotal.WithLabelValues(kind).Inc()
}

// RecordHeartbeat counts one heartbeat outcome
func (m *Metrics) RecordHeartbeat(outcome string) {
	m.ReplicationHeartbeats.WithLabelValues(outcome).Inc()
}

// RecordResolution counts one resolved conflict group
func (m *Metrics) RecordResolution(method string) {
	m.ConflictsResolvedTotal.WithLabelValues(method).Inc()
}

// RecordResolutionFailure counts one unresolved conflict group
func (m *Metrics) RecordResolutionFailure(reason string) {
	m.ResolutionFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordResolutionPass records a completed pass
func (m *Metrics) RecordResolutionPass(duration time.Duration, retryRounds int) {
	m.ResolutionPassesTotal.Inc()
	m.ResolutionPassDuration.Observe(duration.Seconds())
	m.ResolutionRetryRounds.Add(float64(retryRounds))
}

// RecordMergerBatch records one merged transaction
func (m *Metrics) RecordMergerBatch(commands int, duration time.Duration, err error) {
	m.MergerBatchesTotal.Inc()
	m.MergerBatchSize.Observe(float64(commands))
	m.MergerBatchDuration.Observe(duration.Seconds())
	if err != nil {
		m.MergerCommitFailuresTotal.Inc()
	}
}

// RecordBackgroundTask records one executed worker pool task
func (m *Metrics) RecordBackgroundTask(task string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackgroundTasksTotal.WithLabelValues(task, result).Inc()
	m.BackgroundTaskDuration.WithLabelValues(task).Observe(duration.Seconds())
}

// RecordGossipMessage counts one gossip message
func (m *Metrics) RecordGossipMessage(messageType string) {
	m.GossipMessagesTotal.WithLabelValues(messageType).Inc()
}
