package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/logger"
	"github.com/refinedata/refinery/internal/processor"
	"github.com/refinedata/refinery/internal/queue"
)

// Consumer is the batch-worker callback registered with the durable queue.
// It executes each entry against the external processor and records the
// outcome on the authoritative job row.
type Consumer struct {
	jobRepo *repos.JobRepository
	proc    processor.Processor
	cfg     *config.Config
}

// NewConsumer creates a new consumer service instance
func NewConsumer(jobRepo *repos.JobRepository, proc processor.Processor, cfg *config.Config) *Consumer {
	return &Consumer{
		jobRepo: jobRepo,
		proc:    proc,
		cfg:     cfg,
	}
}

// HandleBatch processes one batch of queue entries. Each entry's terminal
// state is recorded durably as it is decided, so the batch-level error policy
// is deliberate: a single-entry batch re-raises its failure to let the
// engine's retry/backoff apply, while a multi-entry batch is only re-raised
// when every entry failed. Re-running successfully completed siblings would
// be wasted work, not a correctness requirement.
func (c *Consumer) HandleBatch(ctx context.Context, entries []*queue.Job) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries received in batch")
	}

	failures := 0
	for _, entry := range entries {
		if err := c.processEntry(ctx, entry); err != nil {
			failures++
		}
	}

	if failures == len(entries) {
		return fmt.Errorf("%d/%d entries in batch failed", failures, len(entries))
	}
	if failures > 0 {
		logger.Warnf("Batch partially failed: %d/%d entries; terminal states are recorded, not re-raising", failures, len(entries))
	}
	return nil
}

// processEntry runs a single queue entry to a terminal state. Returned errors
// only feed the batch-level policy; the job row already reflects the outcome.
func (c *Consumer) processEntry(ctx context.Context, entry *queue.Job) error {
	start := time.Now()

	var payload jobPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil || payload.JobID == "" {
		logger.Errorf("Malformed payload on queue entry %s: %v", entry.ID, err)
		return fmt.Errorf("malformed payload on entry %s", entry.ID)
	}

	job, err := c.jobRepo.GetByID(ctx, models.AdminID, payload.JobID)
	if err != nil {
		logger.Errorf("Queue entry %s references unknown job %s: %v", entry.ID, payload.JobID, err)
		return err
	}

	// At-least-once delivery means we may claim a job that is already done or
	// was cancelled while queued. That is a no-op, not a failure.
	if job.Status.IsTerminal() {
		logger.Infof("Skipping queue entry %s: job %s is already %s", entry.ID, job.ID, job.Status)
		return nil
	}

	logger.Infof("Processing job %s (entry %s) for user %d, type %s, attempt %d/%d",
		job.ID, entry.ID, job.OwnerID, job.Type, job.Attempts+1, job.MaxAttempts)

	c.updateStatus(ctx, job.ID, models.JobStatusProcessing, map[string]interface{}{
		models.JobStartedAtField:  time.Now(),
		models.JobWorkerIDField:   c.cfg.WorkerInstanceID,
		models.JobQueueJobIDField: entry.ID,
		models.JobAttemptsField:   gorm.Expr(models.JobAttemptsField + " + 1"),
	})

	result, err := c.proc.Process(ctx, processor.Refs{
		BlobID:        payload.BlobID,
		OnchainFileID: payload.OnchainFileID,
		PolicyID:      payload.PolicyID,
	}, c.cfg.ProcessorTimeout)

	if err == nil && !result.Succeeded() {
		err = fmt.Errorf("TEE processing failed: %s", result.Message)
	}
	if err != nil {
		c.updateStatus(ctx, job.ID, models.JobStatusFailed, map[string]interface{}{
			models.JobErrorMessageField: err.Error(),
			models.JobFailedAtField:     time.Now(),
		})
		logger.Errorf("Job %s (entry %s) failed after %s: %v", job.ID, entry.ID, time.Since(start), err)
		return err
	}

	c.updateStatus(ctx, job.ID, models.JobStatusCompleted, map[string]interface{}{
		models.JobResultDataField:  []byte(result.Data),
		models.JobCompletedAtField: time.Now(),
	})
	logger.Infof("Job %s (entry %s) completed in %s", job.ID, entry.ID, time.Since(start))
	return nil
}

// updateStatus applies a status transition plus its companion fields as one
// atomic write. A failed write is logged but never re-raised: masking a known
// processing outcome with a secondary persistence error would be worse, and
// the inconsistency self-heals on the next recovery pass.
func (c *Consumer) updateStatus(ctx context.Context, jobID string, status models.JobStatus, fields map[string]interface{}) {
	fields[models.JobStatusField] = status
	if err := c.jobRepo.UpdateFields(ctx, jobID, fields); err != nil {
		logger.Errorf("Failed to update job %s status to %s: %v", jobID, status, err)
	}
}

// ProcessingStats aggregates terminal counts and the overall success rate.
func (c *Consumer) ProcessingStats(ctx context.Context) (*ProcessingStats, error) {
	completed, err := c.jobRepo.CountByStatus(ctx, models.JobStatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	failed, err := c.jobRepo.CountByStatus(ctx, models.JobStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to count failed jobs: %w", err)
	}

	total := completed + failed
	successRate := 0.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return &ProcessingStats{
		TotalProcessed:        total,
		AverageProcessingTime: averageProcessingTime,
		SuccessRate:           successRate,
	}, nil
}
