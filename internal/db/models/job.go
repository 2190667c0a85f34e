package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Database field names used by partial updates
const (
	// JobStatusField is the database field name for the job status
	JobStatusField = "status"
	// JobCreatedAtField is the database field name for the job creation timestamp
	JobCreatedAtField = "created_at"
	// JobStartedAtField is the database field name for the processing start timestamp
	JobStartedAtField = "started_at"
	// JobCompletedAtField is the database field name for the completion timestamp
	JobCompletedAtField = "completed_at"
	// JobFailedAtField is the database field name for the failure timestamp
	JobFailedAtField = "failed_at"
	// JobWorkerIDField is the database field name for the processing instance id
	JobWorkerIDField = "worker_id"
	// JobAttemptsField is the database field name for the attempt counter
	JobAttemptsField = "attempts"
	// JobQueueJobIDField is the database field name for the queue correlation id
	JobQueueJobIDField = "queue_job_id"
	// JobErrorMessageField is the database field name for the error message
	JobErrorMessageField = "error_message"
	// JobResultDataField is the database field name for the result payload
	JobResultDataField = "result_data"
)

// Job defaults
const (
	// DefaultMaxAttempts is the number of processing attempts a job gets
	// before it is terminally failed.
	DefaultMaxAttempts = 3
	// DefaultPriority is the queue priority assigned when the caller does not
	// provide one.
	DefaultPriority = 5
)

// JobStatus represents the current state of a job in the system
type JobStatus string

// Job status constants
const (
	// JobStatusUnknown represents an unknown or invalid job status
	JobStatusUnknown JobStatus = "unknown"
	// JobStatusPending indicates the job row exists but has not been enqueued
	JobStatusPending JobStatus = "pending"
	// JobStatusQueued indicates the job is waiting in the durable queue
	JobStatusQueued JobStatus = "queued"
	// JobStatusProcessing indicates a worker has claimed the job
	JobStatusProcessing JobStatus = "processing"
	// JobStatusCompleted indicates the job has finished successfully
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job has failed terminally
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before processing
	JobStatusCancelled JobStatus = "cancelled"
)

// JobType represents the kind of work requested. It is opaque to this
// subsystem beyond being passed to the external processor.
type JobType string

// Job type constants
const (
	// JobTypeRefinement requests data refinement only
	JobTypeRefinement JobType = "refinement"
	// JobTypeEmbedding requests embedding generation only
	JobTypeEmbedding JobType = "embedding"
	// JobTypeBoth requests refinement followed by embedding
	JobTypeBoth JobType = "both"
)

// Job represents an asynchronous processing request. The row is the sole
// source of truth for the status visible to clients; the durable queue's view
// is secondary.
type Job struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	OwnerID       uint            `json:"owner_id" gorm:"not null;index:idx_jobs_owner_status"`
	Type          JobType         `json:"type" gorm:"size:50;not null;default:refinement"`
	Status        JobStatus       `json:"status" gorm:"size:20;not null;index:idx_jobs_owner_status;index:idx_jobs_status_created"`
	BlobID        string          `json:"blob_id" gorm:"size:255;not null"`
	OnchainFileID string          `json:"onchain_file_id" gorm:"size:255;not null"`
	PolicyID      string          `json:"policy_id" gorm:"size:255;not null"`
	Priority      int             `json:"priority" gorm:"not null;default:5"`
	Metadata      json.RawMessage `json:"metadata,omitempty" gorm:"type:jsonb"`
	ResultData    json.RawMessage `json:"result_data,omitempty" gorm:"type:jsonb"`
	ErrorMessage  string          `json:"error_message,omitempty" gorm:"type:text"`
	WorkerID      string          `json:"worker_id,omitempty" gorm:"size:100;index"`
	Attempts      int             `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts   int             `json:"max_attempts" gorm:"not null;default:3"`
	QueueJobID    string          `json:"queue_job_id,omitempty" gorm:"size:100"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index:idx_jobs_status_created"`
	UpdatedAt     time.Time       `json:"updated_at"`
	DeletedAt     gorm.DeletedAt  `json:"-" gorm:"index"`
}

// ParseJobStatus converts a string representation of a job status to JobStatus type
func ParseJobStatus(str string) (JobStatus, error) {
	switch JobStatus(str) {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(str), nil
	case JobStatusUnknown:
		return JobStatusUnknown, nil
	default:
		return JobStatusUnknown, fmt.Errorf("invalid job status: %s", str)
	}
}

// String returns the string representation of the job status
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Cancellable reports whether a job in this status may still be cancelled by
// its owner. Once a worker has claimed the job, cancellation is rejected.
func (s JobStatus) Cancellable() bool {
	return s == JobStatusPending || s == JobStatusQueued
}

// CanTransitionTo reports whether moving from s to next follows a legal edge
// of the job state machine.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusQueued || next == JobStatusCancelled
	case JobStatusQueued:
		return next == JobStatusProcessing || next == JobStatusCancelled
	case JobStatusProcessing:
		// QUEUED is reachable again via recovery-driven requeue.
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusQueued
	default:
		return false
	}
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status, err := ParseJobStatus(str)
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// MarshalJSON implements json.Marshaler for JobStatus
func (s JobStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseJobType converts a string to a JobType
func ParseJobType(str string) (JobType, error) {
	switch JobType(str) {
	case JobTypeRefinement, JobTypeEmbedding, JobTypeBoth:
		return JobType(str), nil
	default:
		return JobTypeRefinement, fmt.Errorf("invalid job type: %s", str)
	}
}

// String returns the string representation of the job type
func (t JobType) String() string {
	return string(t)
}

// Validate ensures that the job data is valid
func (j *Job) Validate() error {
	if j.BlobID == "" {
		return fmt.Errorf("blob id cannot be empty")
	}
	if j.OnchainFileID == "" {
		return fmt.Errorf("onchain file id cannot be empty")
	}
	if j.PolicyID == "" {
		return fmt.Errorf("policy id cannot be empty")
	}
	if j.Priority < 1 || j.Priority > 10 {
		return fmt.Errorf("priority must be between 1 and 10, got %d", j.Priority)
	}
	if _, err := ParseJobType(string(j.Type)); err != nil {
		return err
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new job
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.Type == "" {
		j.Type = JobTypeRefinement
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	return j.Validate()
}
