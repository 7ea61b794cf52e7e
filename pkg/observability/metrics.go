package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// NodeRunsTotal counts finished run nodes
	NodeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_node_runs_total",
			Help: "Total number of run nodes finished",
		},
		[]string{"source", "node", "status"}, // node: extract, merge, history; status: succeeded, failed
	)

	// NodeDuration measures node execution duration in seconds
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcore_node_duration_seconds",
			Help:    "Run node execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~7m
		},
		[]string{"source", "node", "status"},
	)

	// NodesRunning tracks the number of nodes currently executing
	NodesRunning = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcore_nodes_running",
			Help: "Number of run nodes currently executing",
		},
		[]string{"source", "node"},
	)

	// ExtractedRecords counts records read from sources
	ExtractedRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_extracted_records_total",
			Help: "Total number of records extracted from sources",
		},
		[]string{"source", "capability"},
	)

	// ExtractRetries counts retried extraction attempts
	ExtractRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_extract_retries_total",
			Help: "Total number of extraction attempts retried after a transient failure",
		},
		[]string{"source"},
	)

	// MergeOutcomes counts merge decisions per record
	MergeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_merge_records_total",
			Help: "Total number of records merged by outcome",
		},
		[]string{"source", "outcome"}, // outcome: inserted, updated, unchanged, stale, soft_deleted
	)

	// HistoryTransitions counts SCD-2 transitions
	HistoryTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_history_transitions_total",
			Help: "Total number of history transitions by kind",
		},
		[]string{"source", "transition"}, // transition: inserted, changed, unchanged, closed, left_open
	)

	// WatermarkCommits counts watermark commit attempts
	WatermarkCommits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_watermark_commits_total",
			Help: "Total number of watermark commits",
		},
		[]string{"source", "status"}, // status: committed, regression, error
	)

	// WatermarkLastCommit tracks when a watermark was last committed
	WatermarkLastCommit = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcore_watermark_last_commit_timestamp",
			Help: "Unix timestamp of the last watermark commit",
		},
		[]string{"source"},
	)

	// RunOutcomes counts finished runs
	RunOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_runs_total",
			Help: "Total number of runs by outcome",
		},
		[]string{"outcome"}, // outcome: SUCCEEDED, PARTIAL, FAILED
	)

	// LockWait measures how long nodes waited for a per-source lock
	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcore_lock_wait_seconds",
			Help:    "Time spent waiting for per-source locks",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4m
		},
		[]string{"source", "status"}, // status: acquired, timeout
	)

	// ClickHouseQueries counts total number of ClickHouse queries executed
	ClickHouseQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_clickhouse_queries_total",
			Help: "Total number of ClickHouse queries executed",
		},
		[]string{"query_type", "status"}, // query_type: select, insert, ddl; status: success, error
	)

	// ClickHouseQueryDuration measures ClickHouse query execution time
	ClickHouseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cdcore_clickhouse_query_duration_seconds",
			Help:    "ClickHouse query execution time",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~10s
		},
		[]string{"query_type"},
	)

	// ScheduledJobs indicates whether a job is registered with the scheduler
	ScheduledJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cdcore_scheduled_jobs",
			Help: "Whether a job is registered with the scheduler (1=registered, 0=not)",
		},
		[]string{"job"},
	)

	// TasksEnqueued counts total number of run tasks enqueued
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_tasks_enqueued_total",
			Help: "Total number of run tasks enqueued",
		},
		[]string{"job", "trigger"}, // trigger: schedule, api, cli
	)

	// ErrorsTotal counts total number of errors
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cdcore_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordNodeStart records the start of a run node
func RecordNodeStart(source, node string) {
	NodesRunning.WithLabelValues(source, node).Inc()
}

// RecordNodeComplete records run node completion
func RecordNodeComplete(source, node, status string, duration float64) {
	NodesRunning.WithLabelValues(source, node).Dec()
	NodeRunsTotal.WithLabelValues(source, node, status).Inc()
	NodeDuration.WithLabelValues(source, node, status).Observe(duration)
}

// RecordExtracted records extracted records
func RecordExtracted(source, capability string, count int) {
	ExtractedRecords.WithLabelValues(source, capability).Add(float64(count))
}

// RecordExtractRetry records a retried extraction attempt
func RecordExtractRetry(source string) {
	ExtractRetries.WithLabelValues(source).Inc()
}

// RecordMerge records merge outcome counts
func RecordMerge(source, outcome string, count int) {
	if count > 0 {
		MergeOutcomes.WithLabelValues(source, outcome).Add(float64(count))
	}
}

// RecordHistory records history transition counts
func RecordHistory(source, transition string, count int) {
	if count > 0 {
		HistoryTransitions.WithLabelValues(source, transition).Add(float64(count))
	}
}

// RecordWatermarkCommit records a watermark commit attempt
func RecordWatermarkCommit(source, status string, unix float64) {
	WatermarkCommits.WithLabelValues(source, status).Inc()

	if status == "committed" {
		WatermarkLastCommit.WithLabelValues(source).Set(unix)
	}
}

// RecordRunOutcome records a finished run
func RecordRunOutcome(outcome string) {
	RunOutcomes.WithLabelValues(outcome).Inc()
}

// RecordLockWait records time spent waiting for a lock
func RecordLockWait(source, status string, duration float64) {
	LockWait.WithLabelValues(source, status).Observe(duration)
}

// RecordClickHouseQuery records ClickHouse query metrics
func RecordClickHouseQuery(queryType, status string, duration float64) {
	ClickHouseQueries.WithLabelValues(queryType, status).Inc()
	ClickHouseQueryDuration.WithLabelValues(queryType).Observe(duration)
}

// RecordTaskEnqueued records task enqueue
func RecordTaskEnqueued(job, trigger string) {
	TasksEnqueued.WithLabelValues(job, trigger).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordScheduledJobRegistered records a job added to the cron
func RecordScheduledJobRegistered(job string) {
	ScheduledJobs.WithLabelValues(job).Set(1)
}
