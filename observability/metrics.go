// Package observability instruments taskmesh's internals with Prometheus
// metrics. The library ships no dashboard or HTTP exposition of its own; it
// registers gauges, counters, and histograms against the default registry
// for the embedding application to scrape.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkItemsByStatus tracks the current count of reactive work items per
	// task and status, the live equivalent of taskmanager.Stats.
	WorkItemsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskmesh_work_items",
		Help: "Current number of reactive work items by task and status",
	}, []string{"task", "status"})

	// TaskAttempts tracks total handler invocations, by task and outcome.
	TaskAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_task_attempts_total",
		Help: "Total reactive task handler invocations by task and outcome",
	}, []string{"task", "outcome"}) // outcome: success, retry, failed, condition_failed

	// TaskHandlerDuration tracks handler execution time.
	TaskHandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmesh_task_handler_duration_seconds",
		Help:    "Reactive task handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// PlanningLagSeconds tracks the gap between a work item's
	// initialScheduledAt and the time it finally completes, the staleness
	// bound the debounce+retry machinery is meant to keep small.
	PlanningLagSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmesh_planning_lag_seconds",
		Help:    "Time from a work item's initial scheduling to completion",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~14min
	}, []string{"task"})

	// LeaderStatus is 1 while this instance holds the planner leader lock.
	LeaderStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskmesh_leader_status",
		Help: "1 if this process currently holds the reactive planner leader lock, else 0",
	})

	// LeaderTransitions counts become/lose-leader events.
	LeaderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_leader_transitions_total",
		Help: "Total leader election transitions",
	}, []string{"event"}) // event: become_leader, lose_leader

	// ReconciliationRuns counts reconciliation passes by outcome.
	ReconciliationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_reconciliation_runs_total",
		Help: "Total reconciliation passes by collection and outcome",
	}, []string{"collection", "outcome"}) // outcome: finished, aborted_leadership_lost

	// CleanupDeleted counts work items removed by the periodic orphan sweep.
	CleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_cleanup_deleted_total",
		Help: "Total work items removed by periodic orphan cleanup",
	}, []string{"task"})

	// CronRuns counts cron task executions by task and outcome.
	CronRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_cron_runs_total",
		Help: "Total cron task executions by task and outcome",
	}, []string{"task", "outcome"}) // outcome: success, failed

	// CronRunDuration tracks cron task execution time.
	CronRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskmesh_cron_run_duration_seconds",
		Help:    "Cron task execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})

	// LockContention counts distributed-lock acquisition attempts that had
	// to retry at least once before succeeding (or gave up).
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_lock_contention_total",
		Help: "Total distributed lock acquisitions that hit contention",
	}, []string{"key", "outcome"}) // outcome: acquired, timed_out

	// ChangeStreamErrors counts change-stream interruptions by cause.
	ChangeStreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskmesh_change_stream_errors_total",
		Help: "Total change-stream errors observed by the reactive planner",
	}, []string{"cause"}) // cause: history_lost, other
)
