// Package metrics provides Prometheus metrics for the transactional store
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the transactional store.
type Metrics struct {
	// Transaction lifecycle metrics
	TransactionsOpenedTotal     prometheus.Counter
	TransactionsCommittedTotal  prometheus.Counter
	TransactionsRolledBackTotal prometheus.Counter
	TransactionDuration         prometheus.Histogram
	OpenTransactionsGauge       prometheus.Gauge

	// Conflict / locking metrics
	WriteConflictsTotal *prometheus.CounterVec
	LockWaitDuration    prometheus.Histogram
	LockTimeoutsTotal   prometheus.Counter

	// Undo log metrics
	UndoLogDepth        prometheus.Gauge
	UndoLogAppendsTotal prometheus.Counter

	// Backing-store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
	StoreSizeBytes         prometheus.Gauge
	StoreUnsavedPagesGauge prometheus.Gauge

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.TransactionsOpenedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tstore_transactions_opened_total",
			Help: "Total number of transactions opened",
		},
	)

	m.TransactionsCommittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tstore_transactions_committed_total",
			Help: "Total number of transactions committed",
		},
	)

	m.TransactionsRolledBackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tstore_transactions_rolled_back_total",
			Help: "Total number of transactions rolled back; savepoint rollbacks are not counted",
		},
	)

	m.TransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tstore_transaction_duration_seconds",
			Help:    "Duration of a transaction from Begin to Commit or Rollback",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.OpenTransactionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tstore_open_transactions",
			Help: "Number of currently open transactions",
		},
	)

	m.WriteConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tstore_write_conflicts_total",
			Help: "Total number of write-write conflicts detected by trySet",
		},
		[]string{"map"},
	)

	m.LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tstore_lock_wait_duration_seconds",
			Help:    "Time spent waiting for a blocking transaction to close",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.LockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tstore_lock_timeouts_total",
			Help: "Total number of blocking writes that gave up on a locked key after the configured lock timeout",
		},
	)

	m.UndoLogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tstore_undo_log_depth",
			Help: "Undo log entries held by the transaction that appended most recently",
		},
	)

	m.UndoLogAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tstore_undo_log_appends_total",
			Help: "Total number of undo log entries appended",
		},
	)

	m.StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tstore_store_operations_total",
			Help: "Total number of backing-store operations",
		},
		[]string{"operation", "status"},
	)

	m.StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tstore_store_operation_duration_seconds",
			Help:    "Duration of backing-store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"operation"},
	)

	m.StoreSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tstore_store_size_bytes",
			Help: "Current backing-store size on disk in bytes",
		},
	)

	m.StoreUnsavedPagesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tstore_store_unsaved_pages",
			Help: "Number of dirty pages not yet flushed to disk",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tstore_uptime_seconds",
			Help: "Process uptime in seconds",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the process uptime metric.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordTransactionOpen records a newly opened transaction.
func (m *Metrics) RecordTransactionOpen() {
	m.TransactionsOpenedTotal.Inc()
	m.OpenTransactionsGauge.Inc()
}

// RecordCommit records a successful commit and its duration.
func (m *Metrics) RecordCommit(duration time.Duration) {
	m.TransactionsCommittedTotal.Inc()
	m.OpenTransactionsGauge.Dec()
	m.TransactionDuration.Observe(duration.Seconds())
}

// RecordRollback records a rollback and its duration. Savepoint
// rollbacks that leave the transaction open should not call this —
// only a rollback that closes the transaction does.
func (m *Metrics) RecordRollback(duration time.Duration) {
	m.TransactionsRolledBackTotal.Inc()
	m.OpenTransactionsGauge.Dec()
	m.TransactionDuration.Observe(duration.Seconds())
}

// RecordConflict records a write-write conflict on the named map.
func (m *Metrics) RecordConflict(mapName string) {
	m.WriteConflictsTotal.WithLabelValues(mapName).Inc()
}

// RecordLockWait records time a blocking write spent in its TrySet
// retry loop before succeeding.
func (m *Metrics) RecordLockWait(duration time.Duration) {
	m.LockWaitDuration.Observe(duration.Seconds())
}

// RecordLockTimeout records a blocking write that gave up on a locked
// key, either at once (zero lockTimeout) or after lockTimeout elapsed.
func (m *Metrics) RecordLockTimeout() {
	m.LockTimeoutsTotal.Inc()
}

// RecordUndoLogAppend records one undo log entry being appended and
// sets the depth gauge to depth, which the transaction store passes as
// the appending transaction's own entry count, not the whole log's size.
func (m *Metrics) RecordUndoLogAppend(depth int) {
	m.UndoLogAppendsTotal.Inc()
	m.UndoLogDepth.Set(float64(depth))
}

// RecordStoreOperation records a backing-store operation with its
// status ("ok" or "error") and duration.
func (m *Metrics) RecordStoreOperation(operation string, status string, duration time.Duration) {
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateStoreStats updates gauges reflecting the backing store's
// current on-disk size and unflushed page count.
func (m *Metrics) UpdateStoreStats(sizeBytes int64, unsavedPages int) {
	m.StoreSizeBytes.Set(float64(sizeBytes))
	m.StoreUnsavedPagesGauge.Set(float64(unsavedPages))
}
