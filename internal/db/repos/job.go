package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/refinedata/refinery/internal/db/models"
)

// ErrJobNotFound is returned when no job matches the requested id and owner.
var ErrJobNotFound = errors.New("job not found")

// JobRepository provides access to job-related database operations
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new job in the database
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := models.ValidateOwnerID(job.OwnerID); err != nil {
		return fmt.Errorf("invalid owner_id: %w", err)
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// Update updates an existing job in the database
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	if err := models.ValidateOwnerID(job.OwnerID); err != nil {
		return fmt.Errorf("invalid owner_id: %w", err)
	}
	return r.db.WithContext(ctx).Save(job).Error
}

// UpdateFields applies a partial update to a job as a single atomic write
// keyed by id, so status readers can never observe a half-applied transition.
func (r *JobRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ?", id).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update job %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// GetByID retrieves a job by its ID.
// If the ownerID is AdminID, the job is returned regardless of the owner.
func (r *JobRepository) GetByID(ctx context.Context, ownerID uint, id string) (*models.Job, error) {
	if err := models.ValidateOwnerID(ownerID); err != nil {
		return nil, fmt.Errorf("invalid owner_id: %w", err)
	}
	var job models.Job
	qry := r.db.WithContext(ctx).Where("id = ?", id)
	if ownerID != models.AdminID {
		qry = qry.Where("owner_id = ?", ownerID)
	}
	err := qry.First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List returns a page of jobs ordered newest first, filtered by the options'
// status and type when set.
// If the ownerID is AdminID, jobs are returned regardless of the owner.
func (r *JobRepository) List(ctx context.Context, ownerID uint, opts *models.ListOptions) ([]models.Job, error) {
	if err := models.ValidateOwnerID(ownerID); err != nil {
		return nil, fmt.Errorf("invalid owner_id: %w", err)
	}
	var jobs []models.Job

	db := r.db.WithContext(ctx).Model(&models.Job{})
	if ownerID != models.AdminID {
		db = db.Where("owner_id = ?", ownerID)
	}
	if opts.Status != nil {
		db = db.Where(models.JobStatusField+" = ?", *opts.Status)
	}
	if opts.Type != nil {
		db = db.Where("type = ?", *opts.Type)
	}
	if !opts.IncludeDeleted {
		db = db.Unscoped().Where("deleted_at IS NULL")
	}

	err := db.Limit(opts.Limit).Offset(opts.Offset).
		Order(models.JobCreatedAtField + " DESC").
		Find(&jobs).Error
	return jobs, err
}

// Count returns the number of jobs owned by ownerID, unfiltered.
func (r *JobRepository) Count(ctx context.Context, ownerID uint) (int64, error) {
	if err := models.ValidateOwnerID(ownerID); err != nil {
		return 0, fmt.Errorf("invalid owner_id: %w", err)
	}
	var count int64
	db := r.db.WithContext(ctx).Model(&models.Job{})
	if ownerID != models.AdminID {
		db = db.Where("owner_id = ?", ownerID)
	}
	err := db.Count(&count).Error
	return count, err
}

// CountByStatus returns the number of jobs currently in the given status
// across all owners.
func (r *JobRepository) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where(models.JobStatusField+" = ?", status).
		Count(&count).Error
	return count, err
}

// FindByStatus returns all jobs currently in the given status across all
// owners.
func (r *JobRepository) FindByStatus(ctx context.Context, status models.JobStatus) ([]models.Job, error) {
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where(models.JobStatusField+" = ?", status).
		Find(&jobs).Error
	return jobs, err
}

// FindStuckJobs returns jobs that have been in PROCESSING longer than the
// given timeout, candidates for recovery.
func (r *JobRepository) FindStuckJobs(ctx context.Context, timeout time.Duration) ([]models.Job, error) {
	cutoff := time.Now().Add(-timeout)
	var jobs []models.Job
	err := r.db.WithContext(ctx).
		Where(models.JobStatusField+" = ?", models.JobStatusProcessing).
		Where(models.JobStartedAtField+" < ?", cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck jobs: %w", err)
	}
	return jobs, nil
}

// FindLatestCompletedByOwner returns the most recently completed job for the
// owner, or nil when the owner has never completed a job.
func (r *JobRepository) FindLatestCompletedByOwner(ctx context.Context, ownerID uint) (*models.Job, error) {
	if err := models.ValidateOwnerID(ownerID); err != nil {
		return nil, fmt.Errorf("invalid owner_id: %w", err)
	}
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Where(models.JobStatusField+" = ?", models.JobStatusCompleted).
		Order(models.JobCompletedAtField + " DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest completed job: %w", err)
	}
	return &job, nil
}

// Remove hard-deletes a job row by id.
func (r *JobRepository) Remove(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Unscoped().
		Where("id = ?", id).
		Delete(&models.Job{}).Error
}

// RemoveOldCompletedJobs hard-deletes completed jobs whose completion is older
// than the retention window. It returns the number of rows removed.
func (r *JobRepository) RemoveOldCompletedJobs(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays)
	result := r.db.WithContext(ctx).Unscoped().
		Where(models.JobStatusField+" = ?", models.JobStatusCompleted).
		Where(models.JobCompletedAtField+" < ?", cutoff).
		Delete(&models.Job{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to remove old completed jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountCompletedSince returns the number of jobs completed after the cutoff.
func (r *JobRepository) CountCompletedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where(models.JobStatusField+" = ?", models.JobStatusCompleted).
		Where(models.JobCompletedAtField+" > ?", since).
		Count(&count).Error
	return count, err
}

// CountFailedSince returns the number of jobs that failed after the cutoff.
func (r *JobRepository) CountFailedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Job{}).
		Where(models.JobStatusField+" = ?", models.JobStatusFailed).
		Where(models.JobFailedAtField+" > ?", since).
		Count(&count).Error
	return count, err
}
