package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/logger"
	"github.com/refinedata/refinery/internal/queue"
)

// Monitor task intervals
const (
	cleanupInterval  = 5 * time.Minute
	recoveryInterval = time.Minute
	metricsInterval  = 5 * time.Minute
	reportInterval   = time.Hour
	// startupRecoveryDelay gives the other components time to initialize
	// before the first recovery pass.
	startupRecoveryDelay = 5 * time.Second
)

// Monitor runs the periodic operational tasks: health aggregation, stuck-job
// recovery triggering, old-record cleanup and throughput reporting. Each task
// runs on its own timer loop with its own failure isolation, so one task's
// panic cannot stop the others.
type Monitor struct {
	jobRepo  *repos.JobRepository
	engine   queue.Engine
	consumer *Consumer
	recovery *Recovery
	cfg      *config.Config

	wg sync.WaitGroup
}

// NewMonitor creates a new monitor service instance
func NewMonitor(jobRepo *repos.JobRepository, engine queue.Engine, consumer *Consumer, recovery *Recovery, cfg *config.Config) *Monitor {
	return &Monitor{
		jobRepo:  jobRepo,
		engine:   engine,
		consumer: consumer,
		recovery: recovery,
		cfg:      cfg,
	}
}

// Start launches the periodic task loops. They stop when ctx is cancelled;
// Wait blocks until they have all drained.
func (m *Monitor) Start(ctx context.Context) {
	m.runLoop(ctx, "cleanup", cleanupInterval, m.cleanupCompletedJobs)
	m.runLoop(ctx, "recovery", recoveryInterval, func(ctx context.Context) {
		m.recovery.RecoverStuckJobs(ctx)
	})
	m.runLoop(ctx, "metrics", metricsInterval, m.logQueueMetrics)
	m.runLoop(ctx, "report", reportInterval, m.generateHourlyReport)

	// One delayed recovery pass on startup to repair anything a previous
	// instance left behind.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-ctx.Done():
		case <-time.After(startupRecoveryDelay):
			m.recovery.RecoverStuckJobs(ctx)
		}
	}()

	logger.Info("Job monitor started")
}

// Wait blocks until all task loops have stopped.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// runLoop runs fn on a ticker until ctx is cancelled, recovering from panics
// per invocation.
func (m *Monitor) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runIsolated(ctx, name, fn)
			}
		}
	}()
}

func (m *Monitor) runIsolated(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("Monitor task %q panicked: %v", name, rec)
		}
	}()
	fn(ctx)
}

// QueueHealth aggregates the store's and the engine's views of the backlog.
// A nonzero backlog with zero active processing is the primary health-alarm
// signal.
func (m *Monitor) QueueHealth(ctx context.Context) (*QueueHealth, error) {
	pending, err := m.jobRepo.CountByStatus(ctx, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	processing, err := m.jobRepo.CountByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to count processing jobs: %w", err)
	}
	stats, err := m.consumer.ProcessingStats(ctx)
	if err != nil {
		return nil, err
	}
	depth, err := m.engine.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}

	queueSize := pending + depth.Pending
	totalProcessing := processing + depth.Active

	return &QueueHealth{
		QueueSize:             queueSize,
		Processing:            totalProcessing,
		AverageProcessingTime: stats.AverageProcessingTime,
		EstimatedWaitTime:     estimateWaitTime(queueSize, stats.AverageProcessingTime),
		IsHealthy:             queueSize < queueHighWaterMark && (queueSize == 0 || totalProcessing > 0),
		LastUpdated:           time.Now(),
	}, nil
}

func estimateWaitTime(queueSize int64, avgProcessingTime time.Duration) time.Duration {
	if queueSize == 0 {
		return 0
	}
	batches := math.Ceil(float64(queueSize) / assumedConcurrency)
	return time.Duration(batches) * avgProcessingTime
}

// cleanupCompletedJobs hard-deletes completed jobs older than the retention
// window.
func (m *Monitor) cleanupCompletedJobs(ctx context.Context) {
	removed, err := m.jobRepo.RemoveOldCompletedJobs(ctx, m.cfg.RetentionDays)
	if err != nil {
		logger.Errorf("Failed to clean up completed jobs: %v", err)
		return
	}
	if removed > 0 {
		logger.Infof("Cleaned up %d completed jobs older than %d days", removed, m.cfg.RetentionDays)
	}
}

// logQueueMetrics logs the current health and raises log-level alarms on the
// conditions operators page on.
func (m *Monitor) logQueueMetrics(ctx context.Context) {
	health, err := m.QueueHealth(ctx)
	if err != nil {
		logger.Errorf("Failed to collect queue metrics: %v", err)
		return
	}

	logger.InfoWithFields("Queue health", map[string]interface{}{
		"queue_size":     health.QueueSize,
		"processing":     health.Processing,
		"estimated_wait": health.EstimatedWaitTime.String(),
		"is_healthy":     health.IsHealthy,
	})

	if health.QueueSize > 100 {
		logger.Warnf("Queue size is high: %d jobs pending", health.QueueSize)
	}
	if health.QueueSize > 0 && health.Processing == 0 {
		logger.Error("Jobs in queue but none processing - possible worker issue")
	}
}

// generateHourlyReport logs throughput over the preceding hour.
func (m *Monitor) generateHourlyReport(ctx context.Context) {
	since := time.Now().Add(-time.Hour)

	completed, err := m.jobRepo.CountCompletedSince(ctx, since)
	if err != nil {
		logger.Errorf("Failed to generate hourly report: %v", err)
		return
	}
	failed, err := m.jobRepo.CountFailedSince(ctx, since)
	if err != nil {
		logger.Errorf("Failed to generate hourly report: %v", err)
		return
	}
	pending, err := m.jobRepo.CountByStatus(ctx, models.JobStatusPending)
	if err != nil {
		logger.Errorf("Failed to generate hourly report: %v", err)
		return
	}
	processing, err := m.jobRepo.CountByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		logger.Errorf("Failed to generate hourly report: %v", err)
		return
	}

	total := completed + failed
	successRate := 0.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	logger.Infof("Hourly report: %d jobs processed (%d completed, %d failed), %.1f%% success rate. Current: %d pending, %d processing",
		total, completed, failed, successRate, pending, processing)
}
