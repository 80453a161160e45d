package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ident/table metrics
	IdentsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_idents_total",
			Help: "Total number of live idents tracked by the IdentRegistry",
		},
	)

	PendingDropsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_pending_drops_total",
			Help: "Number of idents queued for deferred drop",
		},
	)

	RecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftdb_records_total",
			Help: "Number of records per ident, per SizeStorer",
		},
		[]string{"ident"},
	)

	DataSizeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftdb_data_size_bytes",
			Help: "Data size in bytes per ident, per SizeStorer",
		},
		[]string{"ident"},
	)

	// Transaction metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdb_transactions_total",
			Help: "Total number of RecoveryUnit outcomes by result",
		},
		[]string{"result"}, // committed, aborted, conflict
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdb_transaction_duration_seconds",
			Help:    "Time from beginUnitOfWork to a terminal commit/abort",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriteConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_write_conflicts_total",
			Help: "Total number of WriteConflict errors raised at commit",
		},
	)

	// Timestamp metrics
	StableTimestampSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_stable_timestamp_seconds",
			Help: "Current kStable timestamp, seconds component",
		},
	)

	OldestTimestampSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_oldest_timestamp_seconds",
			Help: "Current kOldest timestamp, seconds component",
		},
	)

	AllDurableTimestampSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_all_durable_timestamp_seconds",
			Help: "Current all-durable timestamp, seconds component",
		},
	)

	// Checkpoint metrics
	CheckpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftdb_checkpoints_total",
			Help: "Total number of checkpoint attempts by outcome",
		},
		[]string{"outcome"}, // ok, skipped, conflict
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdb_checkpoint_duration_seconds",
			Help:    "Time taken for a single checkpoint pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollbacksToStableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_rollbacks_to_stable_total",
			Help: "Total number of rollback-to-stable operations performed",
		},
	)

	// Journal metrics
	JournalFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driftdb_journal_flush_duration_seconds",
			Help:    "Time taken for a single journal flush round",
			Buckets: prometheus.DefBuckets,
		},
	)

	JournalRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driftdb_journal_rounds_total",
			Help: "Total number of completed journal flush rounds",
		},
	)

	// Backup metrics
	BackupCursorsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftdb_backup_cursors_open",
			Help: "Whether a backup cursor is currently open (0 or 1)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IdentsTotal,
		PendingDropsTotal,
		RecordsTotal,
		DataSizeBytes,
		TransactionsTotal,
		TransactionDuration,
		WriteConflictsTotal,
		StableTimestampSeconds,
		OldestTimestampSeconds,
		AllDurableTimestampSeconds,
		CheckpointsTotal,
		CheckpointDuration,
		RollbacksToStableTotal,
		JournalFlushDuration,
		JournalRoundsTotal,
		BackupCursorsOpen,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
