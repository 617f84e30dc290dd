// Package metrics declares the Prometheus collectors exported by ansuz.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Checksum metrics
var (
	ChecksumJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ansuz_checksum_jobs_total",
			Help: "Total number of checksum jobs by result",
		},
		[]string{"result"}, // "complete", "error", "vanished", "panic"
	)

	ChecksumJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ansuz_checksum_job_duration_seconds",
			Help:    "Checksum job duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	ChecksumBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_checksum_bytes_total",
			Help: "Total number of bytes hashed",
		},
	)

	ChecksumActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ansuz_checksum_active_workers",
			Help: "Number of checksum workers currently hashing",
		},
	)

	ChecksumQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ansuz_checksum_queue_depth",
			Help: "Number of paths waiting in the live dispatcher queue",
		},
	)

	ChecksumSoftTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_checksum_soft_timeouts_total",
			Help: "Total number of checksum jobs that exceeded the soft timeout",
		},
	)
)

// Store metrics
var (
	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ansuz_store_retries_total",
			Help: "Total number of store operations retried after busy/locked errors",
		},
		[]string{"operation"},
	)

	StoreFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ansuz_store_failures_total",
			Help: "Total number of store operations that failed after retries",
		},
		[]string{"operation"},
	)
)

// Indexer metrics
var (
	ScanRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_scan_runs_total",
			Help: "Total number of directory scans",
		},
	)

	ScanEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ansuz_scan_entries_total",
			Help: "Total number of entries visited by scans",
		},
		[]string{"kind"}, // "file", "dir"
	)

	ScanErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_scan_errors_total",
			Help: "Total number of per-entry scan errors",
		},
	)

	WatcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ansuz_watcher_events_total",
			Help: "Total number of filesystem events processed by the watcher",
		},
		[]string{"op"},
	)

	SweepRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_sweep_runs_total",
			Help: "Total number of reconciliation sweep cycles",
		},
	)

	SweepSubmittedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_sweep_submitted_total",
			Help: "Total number of paths submitted to the pool by the sweep",
		},
	)
)

// SSE metrics
var (
	SSEClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ansuz_sse_clients",
			Help: "Number of connected event stream clients",
		},
	)

	SSEDroppedClientsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_sse_dropped_clients_total",
			Help: "Total number of event stream clients dropped for falling behind",
		},
	)

	SSEEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ansuz_sse_events_total",
			Help: "Total number of events fanned out to clients by type",
		},
		[]string{"type"},
	)

	SSEProgressThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ansuz_sse_progress_throttled_total",
			Help: "Total number of active progress snapshots skipped by the throttle",
		},
	)
)

// InitializeMetrics pre-populates label combinations so every series is
// exported from the first scrape.
func InitializeMetrics() {
	for _, r := range []string{"complete", "error", "vanished", "panic"} {
		ChecksumJobsTotal.WithLabelValues(r)
	}
	for _, op := range []string{"upsert", "upsert_batch", "set_status", "set_checksum",
		"update_where_status", "delete", "rename", "count", "list_pending", "find"} {
		StoreRetriesTotal.WithLabelValues(op)
		StoreFailuresTotal.WithLabelValues(op)
	}
	for _, k := range []string{"file", "dir"} {
		ScanEntriesTotal.WithLabelValues(k)
	}
	for _, op := range []string{"create", "write", "remove", "rename", "overflow"} {
		WatcherEventsTotal.WithLabelValues(op)
	}
	for _, t := range []string{"checksum.updated", "index.progress"} {
		SSEEventsTotal.WithLabelValues(t)
	}
}
