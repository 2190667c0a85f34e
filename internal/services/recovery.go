package services

import (
	"context"
	"fmt"
	"time"

	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/logger"
	"github.com/refinedata/refinery/internal/queue"
)

// Recovery detects jobs stuck in PROCESSING and either requeues them or
// fails them terminally. The job store and the queue engine are reconciled
// explicitly: a row is only recovered when the engine no longer holds an
// active lease for it, so recovery cannot race a legitimately long-running
// job.
type Recovery struct {
	jobRepo *repos.JobRepository
	engine  queue.Engine
	cfg     *config.Config
}

// NewRecovery creates a new recovery service instance
func NewRecovery(jobRepo *repos.JobRepository, engine queue.Engine, cfg *config.Config) *Recovery {
	return &Recovery{
		jobRepo: jobRepo,
		engine:  engine,
		cfg:     cfg,
	}
}

// RecoverStuckJobs scans for stuck rows and handles each candidate
// independently, so one bad row cannot block recovery of the rest. It never
// returns an error for a single job's failure.
func (r *Recovery) RecoverStuckJobs(ctx context.Context) {
	report, err := r.run(ctx)
	if err != nil {
		logger.Errorf("Job recovery process failed: %v", err)
		return
	}
	if report.TotalStuckJobs == 0 {
		logger.Debug("No stuck jobs found")
		return
	}
	logger.Infof("Job recovery completed: %d recovered, %d failed of %d stuck",
		report.RecoveredCount, report.FailedCount, report.TotalStuckJobs)
}

// TriggerManualRecovery runs one recovery pass and returns its report, for
// operational use via the API.
func (r *Recovery) TriggerManualRecovery(ctx context.Context) (*RecoveryReport, error) {
	return r.run(ctx)
}

func (r *Recovery) run(ctx context.Context) (*RecoveryReport, error) {
	stuck, err := r.jobRepo.FindStuckJobs(ctx, r.cfg.StuckJobTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}

	report := &RecoveryReport{TotalStuckJobs: len(stuck)}
	if len(stuck) == 0 {
		return report, nil
	}

	logger.Warnf("Found %d jobs stuck in processing longer than %s, attempting recovery", len(stuck), r.cfg.StuckJobTimeout)

	for i := range stuck {
		outcome, err := r.recoverSingleJob(ctx, &stuck[i])
		if err != nil {
			report.FailedCount++
			logger.Errorf("Failed to recover job %s: %v", stuck[i].ID, err)
			continue
		}
		switch outcome {
		case outcomeRequeued:
			report.RecoveredCount++
		case outcomeFailedTerminally:
			report.FailedCount++
		}
	}
	return report, nil
}

type recoveryOutcome int

const (
	outcomeSkipped recoveryOutcome = iota
	outcomeRequeued
	outcomeFailedTerminally
)

// recoverSingleJob resolves one stuck candidate: skip when the engine still
// holds an active lease, requeue when attempts remain, terminally fail
// otherwise. A row is never left in PROCESSING.
func (r *Recovery) recoverSingleJob(ctx context.Context, job *models.Job) (recoveryOutcome, error) {
	stuckFor := time.Duration(0)
	if job.StartedAt != nil {
		stuckFor = time.Since(*job.StartedAt).Round(time.Minute)
	}
	logger.Infof("Recovering stuck job %s (processing for %s)", job.ID, stuckFor)

	if job.QueueJobID != "" {
		state, err := r.engine.Status(ctx, job.QueueJobID)
		if err == nil && state == queue.EntryStateActive {
			// The engine still holds a lease: the worker may simply be slow.
			logger.Warnf("Job %s still has an active queue lease (entry %s), skipping recovery", job.ID, job.QueueJobID)
			return outcomeSkipped, nil
		}
	}

	if job.Attempts >= job.MaxAttempts {
		err := r.failTerminally(ctx, job, fmt.Sprintf(
			"job failed during recovery: %d/%d attempts exhausted after being stuck in processing for %s",
			job.Attempts, job.MaxAttempts, stuckFor))
		return outcomeFailedTerminally, err
	}

	if err := r.requeue(ctx, job, stuckFor); err != nil {
		logger.Warnf("Failed to requeue job %s, marking as failed: %v", job.ID, err)
		err = r.failTerminally(ctx, job, fmt.Sprintf(
			"job failed during recovery: requeue failed after being stuck in processing for %s", stuckFor))
		return outcomeFailedTerminally, err
	}
	return outcomeRequeued, nil
}

// requeue enqueues a fresh queue entry carrying the job's payload and resets
// the row to QUEUED with a new queue correlation id and a cleared worker. The
// attempt counter is untouched: the consumer increments it when it claims the
// replacement entry, so a recovered retry never counts twice.
func (r *Recovery) requeue(ctx context.Context, job *models.Job, stuckFor time.Duration) error {
	payload, err := marshalPayload(job)
	if err != nil {
		return err
	}

	// No dedup key on requeue: the original entry may not have released its
	// key yet, and the requeue is authorized by the recovery scan itself.
	queueJobID, err := r.engine.Enqueue(ctx, payload, queue.EnqueueOptions{
		Priority:   job.Priority,
		RetryLimit: r.cfg.MaxRetries,
		RetryDelay: r.cfg.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue replacement entry: %w", err)
	}

	if err := r.jobRepo.UpdateFields(ctx, job.ID, map[string]interface{}{
		models.JobStatusField:       models.JobStatusQueued,
		models.JobQueueJobIDField:   queueJobID,
		models.JobStartedAtField:    nil,
		models.JobWorkerIDField:     "",
		models.JobErrorMessageField: fmt.Sprintf("job recovered from stuck state after %s", stuckFor),
	}); err != nil {
		return fmt.Errorf("failed to reset job row after requeue: %w", err)
	}

	logger.Infof("Requeued stuck job %s with new queue entry %s", job.ID, queueJobID)
	return nil
}

func (r *Recovery) failTerminally(ctx context.Context, job *models.Job, reason string) error {
	if err := r.jobRepo.UpdateFields(ctx, job.ID, map[string]interface{}{
		models.JobStatusField:       models.JobStatusFailed,
		models.JobCompletedAtField:  time.Now(),
		models.JobErrorMessageField: reason,
		models.JobWorkerIDField:     "",
	}); err != nil {
		return fmt.Errorf("failed to mark job %s as failed: %w", job.ID, err)
	}
	logger.Infof("Marked stuck job %s as terminally failed", job.ID)
	return nil
}
