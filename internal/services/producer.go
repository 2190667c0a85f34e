package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/refinedata/refinery/internal/config"
	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/logger"
	"github.com/refinedata/refinery/internal/queue"
)

// Producer accepts processing requests, persists the authoritative job row
// and dispatches work to the durable queue.
type Producer struct {
	jobRepo  *repos.JobRepository
	userRepo *repos.UserRepository
	engine   queue.Engine
	cfg      *config.Config
}

// NewProducer creates a new producer service instance
func NewProducer(jobRepo *repos.JobRepository, userRepo *repos.UserRepository, engine queue.Engine, cfg *config.Config) *Producer {
	return &Producer{
		jobRepo:  jobRepo,
		userRepo: userRepo,
		engine:   engine,
		cfg:      cfg,
	}
}

// Submit validates the request, writes the PENDING job row, enqueues it with
// a deduplication key derived from (owner, payload) and transitions the row
// to QUEUED. When the queue reports an in-flight entry with the same key, the
// row is removed again and queue.ErrDuplicateJob is returned: the caller must
// never end up with a second row for equivalent work.
func (p *Producer) Submit(ctx context.Context, ownerID uint, req *SubmitRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid job request: %w", err)
	}

	user, err := p.userRepo.GetUserByID(ctx, ownerID)
	if err != nil {
		return "", err
	}

	job := &models.Job{
		OwnerID:       user.ID,
		Type:          req.Type,
		Status:        models.JobStatusPending,
		BlobID:        req.BlobID,
		OnchainFileID: req.OnchainFileID,
		PolicyID:      req.PolicyID,
		Priority:      req.Priority,
		Metadata:      req.Metadata,
		Attempts:      0,
		MaxAttempts:   p.cfg.MaxRetries,
	}
	if err := p.jobRepo.Create(ctx, job); err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}

	dedupKey, err := p.dedupKey(ownerID, req)
	if err != nil {
		p.discard(ctx, job.ID)
		return "", err
	}

	payload, err := marshalPayload(job)
	if err != nil {
		p.discard(ctx, job.ID)
		return "", err
	}

	queueJobID, err := p.engine.Enqueue(ctx, payload, queue.EnqueueOptions{
		Priority:   job.Priority,
		DedupKey:   dedupKey,
		RetryLimit: p.cfg.MaxRetries,
		RetryDelay: p.cfg.RetryDelay,
	})
	if err != nil {
		p.discard(ctx, job.ID)
		if errors.Is(err, queue.ErrDuplicateJob) {
			logger.Warnf("Rejected duplicate submission for user %d (dedup key %s)", ownerID, dedupKey)
			return "", err
		}
		return "", fmt.Errorf("failed to queue job: %w", err)
	}

	if err := p.jobRepo.UpdateFields(ctx, job.ID, map[string]interface{}{
		models.JobStatusField:     models.JobStatusQueued,
		models.JobQueueJobIDField: queueJobID,
	}); err != nil {
		// The queue entry exists; leave the row PENDING and let the consumer
		// claim it anyway.
		logger.Errorf("Failed to mark job %s as queued: %v", job.ID, err)
	}

	logger.Infof("Created job %s for user %d (queue entry %s)", job.ID, ownerID, queueJobID)
	return job.ID, nil
}

// GetStatus returns the owner-scoped status view of a job, with derived
// progress and completion estimates.
func (p *Producer) GetStatus(ctx context.Context, ownerID uint, jobID string) (*JobStatusView, error) {
	job, err := p.jobRepo.GetByID(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	view := p.statusView(job)
	return &view, nil
}

// List returns one page of the owner's jobs, optionally filtered by status
// and type. The has-next-page flag compares the requested window against the
// owner's full unfiltered job count.
func (p *Producer) List(ctx context.Context, ownerID uint, status *models.JobStatus, jobType *models.JobType, page, limit int) (*PagedJobs, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > models.DefaultLimit {
		limit = models.DefaultLimit
	}

	jobs, err := p.jobRepo.List(ctx, ownerID, &models.ListOptions{
		Limit:  limit,
		Offset: (page - 1) * limit,
		Status: status,
		Type:   jobType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	total, err := p.jobRepo.Count(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	views := make([]JobStatusView, len(jobs))
	for i := range jobs {
		views[i] = p.statusView(&jobs[i])
	}

	return &PagedJobs{
		Data:        views,
		HasNextPage: int64(page*limit) < total,
	}, nil
}

// Cancel cancels a job that has not been claimed yet. Cancelling the queue
// entry is best-effort: the consumer independently no-ops on terminal rows,
// so a failed queue-side cancel never blocks marking the row CANCELLED.
func (p *Producer) Cancel(ctx context.Context, ownerID uint, jobID string) (bool, error) {
	job, err := p.jobRepo.GetByID(ctx, ownerID, jobID)
	if err != nil {
		return false, err
	}

	if !job.Status.Cancellable() {
		return false, ErrNotCancellable
	}

	if job.QueueJobID != "" {
		if ok, err := p.engine.Cancel(ctx, job.QueueJobID); err != nil || !ok {
			logger.Warnf("Best-effort queue cancel of entry %s for job %s did not succeed: %v", job.QueueJobID, job.ID, err)
		}
	}

	now := time.Now()
	if err := p.jobRepo.UpdateFields(ctx, job.ID, map[string]interface{}{
		models.JobStatusField:      models.JobStatusCancelled,
		models.JobCompletedAtField: now,
	}); err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	logger.Infof("Cancelled job %s for user %d", jobID, ownerID)
	return true, nil
}

// LatestCompleted returns the completion time of the owner's most recently
// completed job, or nil when none exists.
func (p *Producer) LatestCompleted(ctx context.Context, ownerID uint) (*time.Time, error) {
	job, err := p.jobRepo.FindLatestCompletedByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.CompletedAt == nil {
		return nil, nil
	}
	return job.CompletedAt, nil
}

// dedupKey derives the deterministic deduplication key for a submission:
// user-<id>-<hash of the canonical request payload>. The job id is excluded
// on purpose so two equivalent submissions collide.
func (p *Producer) dedupKey(ownerID uint, req *SubmitRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request for dedup: %w", err)
	}
	sanitized, err := queue.SanitizePayload(raw)
	if err != nil {
		return "", fmt.Errorf("failed to sanitize request: %w", err)
	}
	return fmt.Sprintf("user-%d-%s", ownerID, queue.HashPayload(sanitized)), nil
}

// discard hard-removes a row created by a submission that did not survive
// enqueueing. The row was never visible as anything but PENDING.
func (p *Producer) discard(ctx context.Context, jobID string) {
	if err := p.jobRepo.Remove(ctx, jobID); err != nil {
		logger.Errorf("Failed to remove job %s after enqueue failure: %v", jobID, err)
	}
}

func (p *Producer) statusView(job *models.Job) JobStatusView {
	return JobStatusView{
		ID:                  job.ID,
		Status:              job.Status,
		Progress:            calculateProgress(job),
		Result:              job.ResultData,
		Error:               job.ErrorMessage,
		CreatedAt:           job.CreatedAt,
		StartedAt:           job.StartedAt,
		CompletedAt:         job.CompletedAt,
		EstimatedCompletion: calculateEstimatedCompletion(job),
		CanCancel:           job.Status.Cancellable(),
	}
}

func calculateProgress(job *models.Job) int {
	switch job.Status {
	case models.JobStatusProcessing:
		return processingProgress
	case models.JobStatusCompleted:
		return 100
	default:
		return 0
	}
}

func calculateEstimatedCompletion(job *models.Job) *time.Time {
	if job.Status.IsTerminal() {
		return nil
	}

	if job.Status == models.JobStatusProcessing && job.StartedAt != nil {
		eta := job.StartedAt.Add(estimateProcessingTime(defaultDataSize, job.Type))
		return &eta
	}

	// Pending or queued: assume average turnaround from now.
	eta := time.Now().Add(averageProcessingTime)
	return &eta
}

// estimateProcessingTime scales the base processing time by payload size (per
// MiB) and job type.
func estimateProcessingTime(dataSize int64, jobType models.JobType) time.Duration {
	sizeMultiplier := math.Ceil(float64(dataSize) / float64(defaultDataSize))
	if sizeMultiplier < 1 {
		sizeMultiplier = 1
	}

	typeMultiplier := 1.0
	switch jobType {
	case models.JobTypeRefinement:
		typeMultiplier = 1.5
	case models.JobTypeEmbedding:
		typeMultiplier = 1.2
	case models.JobTypeBoth:
		typeMultiplier = 2.0
	}

	return time.Duration(float64(baseProcessingTime) * sizeMultiplier * typeMultiplier)
}

// marshalPayload builds and sanitizes the queue message for a job row.
func marshalPayload(job *models.Job) ([]byte, error) {
	raw, err := json.Marshal(jobPayload{
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		BlobID:        job.BlobID,
		OnchainFileID: job.OnchainFileID,
		PolicyID:      job.PolicyID,
		Type:          job.Type,
		Priority:      job.Priority,
		Metadata:      job.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	sanitized, err := queue.SanitizePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to sanitize job payload: %w", err)
	}
	return sanitized, nil
}
