package main

import (
	"context"
	"time"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/metrics"
	"github.com/nadmax/taskrec/internal/repository"
)

const gaugeInterval = 10 * time.Second

func startMetricsCollector(ctx context.Context, tasks repository.TaskRepository, log *logger.Logger) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()

	updateTaskMetrics(ctx, tasks, log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTaskMetrics(ctx, tasks, log)
		}
	}
}

func updateTaskMetrics(ctx context.Context, tasks repository.TaskRepository, log *logger.Logger) {
	counts, err := tasks.CountByStatus(ctx)
	if err != nil {
		log.Warnw("task_gauges_failed", "error", err)
		return
	}

	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	metrics.UpdateTaskGauges(byStatus)
}
