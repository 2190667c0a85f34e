// Package services implements the job orchestration business logic: the
// producer, the batch consumer, stuck-job recovery and queue monitoring.
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/refinedata/refinery/internal/db/models"
)

// Service errors surfaced to callers.
var (
	// ErrNotCancellable is returned when a cancel arrives after a worker has
	// already claimed the job.
	ErrNotCancellable = errors.New("job cannot be cancelled in its current status")
)

// Tuning constants carried by the monitoring and estimation logic.
const (
	// averageProcessingTime is the assumed mean turnaround of a single job.
	averageProcessingTime = 3 * time.Minute
	// baseProcessingTime is the floor of the per-job processing estimate.
	baseProcessingTime = 30 * time.Second
	// defaultDataSize is assumed when the payload size is not known.
	defaultDataSize = 1024 * 1024
	// processingProgress is the progress midpoint reported while a job is
	// being processed.
	processingProgress = 50
	// assumedConcurrency is the parallelism assumed when estimating queue
	// wait times.
	assumedConcurrency = 4
	// queueHighWaterMark is the backlog size above which the queue is
	// reported unhealthy.
	queueHighWaterMark = 200
)

// jobPayload is the message stored in the durable queue. The job store row is
// authoritative; the payload only carries what the consumer needs to locate
// the row and invoke the processor.
type jobPayload struct {
	JobID         string          `json:"customJobId"`
	OwnerID       uint            `json:"userId"`
	BlobID        string          `json:"blobId"`
	OnchainFileID string          `json:"onchainFileId"`
	PolicyID      string          `json:"policyId"`
	Type          models.JobType  `json:"jobType"`
	Priority      int             `json:"priority"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// SubmitRequest is a validated processing request.
type SubmitRequest struct {
	Type          models.JobType  `json:"job_type"`
	BlobID        string          `json:"blob_id"`
	OnchainFileID string          `json:"onchain_file_id"`
	PolicyID      string          `json:"policy_id"`
	Priority      int             `json:"priority"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Validate ensures the request is well-formed before anything is persisted.
func (r *SubmitRequest) Validate() error {
	if r.BlobID == "" {
		return fmt.Errorf("blob_id is required")
	}
	if r.OnchainFileID == "" {
		return fmt.Errorf("onchain_file_id is required")
	}
	if r.PolicyID == "" {
		return fmt.Errorf("policy_id is required")
	}
	if r.Priority == 0 {
		r.Priority = models.DefaultPriority
	}
	if r.Priority < 1 || r.Priority > 10 {
		return fmt.Errorf("priority must be between 1 and 10, got %d", r.Priority)
	}
	if r.Type == "" {
		r.Type = models.JobTypeRefinement
	}
	if _, err := models.ParseJobType(string(r.Type)); err != nil {
		return err
	}
	return nil
}

// JobStatusView is the client-facing projection of a job row.
type JobStatusView struct {
	ID                  string           `json:"id"`
	Status              models.JobStatus `json:"status"`
	Progress            int              `json:"progress"`
	Result              json.RawMessage  `json:"result,omitempty"`
	Error               string           `json:"error,omitempty"`
	CreatedAt           time.Time        `json:"created_at"`
	StartedAt           *time.Time       `json:"started_at,omitempty"`
	CompletedAt         *time.Time       `json:"completed_at,omitempty"`
	EstimatedCompletion *time.Time       `json:"estimated_completion,omitempty"`
	CanCancel           bool             `json:"can_cancel"`
}

// PagedJobs is one page of a user's jobs.
type PagedJobs struct {
	Data        []JobStatusView `json:"data"`
	HasNextPage bool            `json:"has_next_page"`
}

// ProcessingStats aggregates terminal-state counts for operational
// visibility.
type ProcessingStats struct {
	TotalProcessed        int64         `json:"total_processed"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	SuccessRate           float64       `json:"success_rate"`
}

// QueueHealth is the combined store + engine view of queue health.
type QueueHealth struct {
	QueueSize             int64         `json:"queue_size"`
	Processing            int64         `json:"processing"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
	EstimatedWaitTime     time.Duration `json:"estimated_wait_time"`
	IsHealthy             bool          `json:"is_healthy"`
	LastUpdated           time.Time     `json:"last_updated"`
}

// RecoveryReport summarizes one manual recovery pass.
type RecoveryReport struct {
	RecoveredCount int `json:"recovered_count"`
	FailedCount    int `json:"failed_count"`
	TotalStuckJobs int `json:"total_stuck_jobs"`
}
