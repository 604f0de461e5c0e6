// Package metrics provides Prometheus metrics for task execution, step
// persistence and crash recovery.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrec_state_transitions_total",
			Help: "Total number of accepted task status transitions",
		},
		[]string{"from", "to"},
	)
	IllegalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrec_illegal_transitions_total",
			Help: "Total number of rejected task status transitions",
		},
		[]string{"from", "to"},
	)
	StepsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrec_steps_persisted_total",
			Help: "Total number of steps durably written to the store",
		},
	)
	StepWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrec_step_write_failures_total",
			Help: "Total number of step writes that fell back to the backup log",
		},
	)
	BackupWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrec_backup_writes_total",
			Help: "Total number of backup file writes",
		},
		[]string{"kind", "result"},
	)
	StoreRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrec_store_retries_total",
			Help: "Total number of store operations retried after contention",
		},
		[]string{"op"},
	)
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrec_store_operation_duration_seconds",
			Help:    "Duration of individual store operation attempts",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"op", "result"},
	)
	TasksFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrec_tasks_finalized_total",
			Help: "Total number of tasks finalized by terminal status",
		},
		[]string{"status"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrec_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)
	TasksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrec_tasks_recovered_total",
			Help: "Total number of sessions reconciled by crash recovery",
		},
	)
	StepsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskrec_steps_recovered_total",
			Help: "Total number of steps restored from backup files",
		},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskrec_tasks",
			Help: "Current number of stored tasks by status",
		},
		[]string{"status"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskrec_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskrec_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordTransition(from, to string) {
	StateTransitions.WithLabelValues(from, to).Inc()
}

func RecordIllegalTransition(from, to string) {
	IllegalTransitions.WithLabelValues(from, to).Inc()
}

func RecordStepPersisted() {
	StepsPersisted.Inc()
}

func RecordStepWriteFailure() {
	StepWriteFailures.Inc()
}

func RecordBackupWrite(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BackupWrites.WithLabelValues(kind, result).Inc()
}

func RecordStoreRetry(op string) {
	StoreRetries.WithLabelValues(op).Inc()
}

func RecordStoreOperation(op string, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreOperationDuration.WithLabelValues(op, result).Observe(duration.Seconds())
}

func RecordTaskFinalized(status string, duration time.Duration) {
	TasksFinalized.WithLabelValues(status).Inc()
	TaskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordRecovery(tasks, steps int) {
	TasksRecovered.Add(float64(tasks))
	StepsRecovered.Add(float64(steps))
}

func UpdateTaskGauges(counts map[string]int) {
	TasksByStatus.Reset()
	for status, count := range counts {
		TasksByStatus.WithLabelValues(status).Set(float64(count))
	}
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
