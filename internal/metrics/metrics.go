// Package metrics provides Prometheus metrics for Horizon
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Horizon
type Metrics struct {
	// Transaction metrics
	TxnsTotal         *prometheus.CounterVec
	TxnDuration       prometheus.Histogram
	TxnsInFlight      prometheus.Gauge
	WriteConflicts    prometheus.Counter
	Deadlocks         prometheus.Counter

	// Pager / buffer pool metrics
	PagerReadsTotal    prometheus.Counter
	PagerWritesTotal   prometheus.Counter
	PagerAllocsTotal   prometheus.Counter
	PagerFreesTotal    prometheus.Counter
	BufferPoolHits     prometheus.Counter
	BufferPoolMisses   prometheus.Counter
	BufferPoolEvictions prometheus.Counter
	BufferPoolPinned   prometheus.Gauge

	// WAL metrics
	WALAppendsTotal     prometheus.Counter
	WALBytesWritten     prometheus.Counter
	WALCheckpointsTotal prometheus.Counter
	WALCheckpointDuration prometheus.Histogram
	RecoveryDuration    prometheus.Histogram
	RecoveryReplayedFrames prometheus.Gauge

	// B+Tree metrics
	BTreeSplitsTotal prometheus.Counter
	BTreeMergesTotal prometheus.Counter

	// GC metrics
	GCCyclesTotal       prometheus.Counter
	GCPagesReclaimed    prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.TxnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "horizon_txns_total",
			Help: "Total number of transactions by outcome",
		},
		[]string{"outcome"},
	)

	m.TxnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "horizon_txn_duration_seconds",
			Help:    "Duration of transactions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.TxnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "horizon_txns_in_flight",
			Help: "Number of transactions currently active",
		},
	)

	m.WriteConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_write_conflicts_total",
			Help: "Total number of first-updater-wins write conflicts",
		},
	)

	m.Deadlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_deadlocks_total",
			Help: "Total number of detected deadlocks",
		},
	)

	m.PagerReadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_pager_reads_total",
			Help: "Total number of page reads",
		},
	)

	m.PagerWritesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_pager_writes_total",
			Help: "Total number of page writes",
		},
	)

	m.PagerAllocsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_pager_allocs_total",
			Help: "Total number of page allocations",
		},
	)

	m.PagerFreesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_pager_frees_total",
			Help: "Total number of page frees",
		},
	)

	m.BufferPoolHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_bufferpool_hits_total",
			Help: "Total number of buffer pool pin hits (page already cached)",
		},
	)

	m.BufferPoolMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_bufferpool_misses_total",
			Help: "Total number of buffer pool pin misses (page loaded from disk)",
		},
	)

	m.BufferPoolEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_bufferpool_evictions_total",
			Help: "Total number of buffer pool frame evictions",
		},
	)

	m.BufferPoolPinned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "horizon_bufferpool_pinned_frames",
			Help: "Current number of pinned buffer pool frames",
		},
	)

	m.WALAppendsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_wal_appends_total",
			Help: "Total number of WAL frames appended",
		},
	)

	m.WALBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_wal_bytes_written_total",
			Help: "Total bytes written to the WAL",
		},
	)

	m.WALCheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_wal_checkpoints_total",
			Help: "Total number of WAL checkpoints performed",
		},
	)

	m.WALCheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "horizon_wal_checkpoint_duration_seconds",
			Help:    "Duration of WAL checkpoints in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.RecoveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "horizon_recovery_duration_seconds",
			Help:    "Duration of crash recovery in seconds",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 10, 30, 60},
		},
	)

	m.RecoveryReplayedFrames = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "horizon_recovery_replayed_frames",
			Help: "Number of WAL frames replayed during the most recent recovery",
		},
	)

	m.BTreeSplitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_btree_splits_total",
			Help: "Total number of B+Tree node splits",
		},
	)

	m.BTreeMergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_btree_merges_total",
			Help: "Total number of B+Tree node merges",
		},
	)

	m.GCCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_gc_cycles_total",
			Help: "Total number of MVCC garbage collection cycles",
		},
	)

	m.GCPagesReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "horizon_gc_pages_reclaimed_total",
			Help: "Total number of pages reclaimed by MVCC garbage collection",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "horizon_uptime_seconds",
			Help: "Time since the database was opened",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the uptime gauge
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordTxn records a transaction's outcome and duration
func (m *Metrics) RecordTxn(outcome string, duration time.Duration) {
	m.TxnsTotal.WithLabelValues(outcome).Inc()
	m.TxnDuration.Observe(duration.Seconds())
}

// RecordCheckpoint records a completed WAL checkpoint
func (m *Metrics) RecordCheckpoint(duration time.Duration) {
	m.WALCheckpointsTotal.Inc()
	m.WALCheckpointDuration.Observe(duration.Seconds())
}

// RecordRecovery records a completed recovery pass
func (m *Metrics) RecordRecovery(duration time.Duration, replayedFrames int) {
	m.RecoveryDuration.Observe(duration.Seconds())
	m.RecoveryReplayedFrames.Set(float64(replayedFrames))
}
