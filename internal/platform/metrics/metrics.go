package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the registry.
type Metrics struct {
	VersionsCreated  *prometheus.CounterVec
	RecordsRetired   *prometheus.CounterVec
	VersionConflicts *prometheus.CounterVec

	RequestsApplied *prometheus.CounterVec

	BatchesCompleted *prometheus.CounterVec
	BatchesFailed    *prometheus.CounterVec
	RowsStaged       *prometheus.CounterVec
	RowsInvalid      *prometheus.CounterVec

	OutboxPublished    prometheus.Counter
	OutboxDeadLettered prometheus.Counter
	DrainDuration      prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		VersionsCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_versions_created_total",
			Help: "Record versions created, by code system",
		}, []string{"code_system"}),
		RecordsRetired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_records_retired_total",
			Help: "Records retired, by code system",
		}, []string{"code_system"}),
		VersionConflicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on createVersion",
		}, []string{"code_system"}),
		RequestsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_change_requests_applied_total",
			Help: "Change requests applied, by operation",
		}, []string{"operation"}),
		BatchesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_reconcile_batches_completed_total",
			Help: "Reconciliation batches completed, by code system",
		}, []string{"code_system"}),
		BatchesFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_reconcile_batches_failed_total",
			Help: "Reconciliation batches failed, by code system",
		}, []string{"code_system"}),
		RowsStaged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_reconcile_rows_staged_total",
			Help: "Source rows staged, by code system",
		}, []string{"code_system"}),
		RowsInvalid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "refdata_reconcile_rows_invalid_total",
			Help: "Source rows that failed validation, by code system",
		}, []string{"code_system"}),
		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "refdata_outbox_published_total",
			Help: "Outbox events published downstream",
		}),
		OutboxDeadLettered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "refdata_outbox_dead_lettered_total",
			Help: "Outbox events dead-lettered after exhausting retries",
		}),
		DrainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "refdata_outbox_drain_duration_seconds",
			Help:    "Duration of one outbox drain cycle",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
