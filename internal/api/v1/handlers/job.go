// Package handlers implements the HTTP layer over the job services.
package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/refinedata/refinery/internal/db/models"
	"github.com/refinedata/refinery/internal/db/repos"
	"github.com/refinedata/refinery/internal/queue"
	"github.com/refinedata/refinery/internal/services"
)

// JobHandler handles HTTP requests for job operations
type JobHandler struct {
	producer *services.Producer
	monitor  *services.Monitor
	recovery *services.Recovery
}

// NewJobHandler creates a new job handler instance
func NewJobHandler(producer *services.Producer, monitor *services.Monitor, recovery *services.Recovery) *JobHandler {
	return &JobHandler{
		producer: producer,
		monitor:  monitor,
		recovery: recovery,
	}
}

// ownerID extracts the caller identity from the X-User-ID header.
// TODO: replace with the JWT middleware once the auth service ships.
func ownerID(c *fiber.Ctx) (uint, error) {
	raw := c.Get("X-User-ID")
	if raw == "" {
		return 0, errors.New("missing X-User-ID header")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 || uint(id) == models.AdminID {
		return 0, errors.New("invalid X-User-ID header")
	}
	return uint(id), nil
}

// SubmitJob handles the request to submit a new processing job
func (h *JobHandler) SubmitJob(c *fiber.Ctx) error {
	owner, err := ownerID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	var req services.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	jobID, err := h.producer.Submit(c.Context(), owner, &req)
	switch {
	case errors.Is(err, queue.ErrDuplicateJob):
		return c.Status(fiber.StatusConflict).
			JSON(errConflict("an identical job is already queued"))
	case errors.Is(err, repos.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).
			JSON(errNotFound("user not found"))
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.Status(fiber.StatusCreated).JSON(Response{
		Slug: SuccessSlug,
		Data: fiber.Map{"job_id": jobID},
	})
}

// GetJobStatus handles the request to get a job's status
func (h *JobHandler) GetJobStatus(c *fiber.Ctx) error {
	owner, err := ownerID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	jobID := c.Params("id")
	if jobID == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput("invalid job id"))
	}

	status, err := h.producer.GetStatus(c.Context(), owner, jobID)
	if errors.Is(err, repos.ErrJobNotFound) {
		return c.Status(fiber.StatusNotFound).
			JSON(errNotFound("job not found"))
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: status,
	})
}

// ListJobs handles the request to list the caller's jobs
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	owner, err := ownerID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	var (
		page  = c.QueryInt("page", 1)
		limit = c.QueryInt("limit", models.DefaultLimit)
	)

	var status *models.JobStatus
	if raw := c.Query("status"); raw != "" {
		parsed, err := models.ParseJobStatus(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(errInvalidInput("invalid job status"))
		}
		status = &parsed
	}

	var jobType *models.JobType
	if raw := c.Query("type"); raw != "" {
		parsed, err := models.ParseJobType(raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).
				JSON(errInvalidInput("invalid job type"))
		}
		jobType = &parsed
	}

	jobs, err := h.producer.List(c.Context(), owner, status, jobType, page, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: jobs,
	})
}

// CancelJob handles the request to cancel a queued job
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	owner, err := ownerID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	jobID := c.Params("id")
	if jobID == "" {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput("invalid job id"))
	}

	cancelled, err := h.producer.Cancel(c.Context(), owner, jobID)
	switch {
	case errors.Is(err, repos.ErrJobNotFound):
		return c.Status(fiber.StatusNotFound).
			JSON(errNotFound("job not found"))
	case errors.Is(err, services.ErrNotCancellable):
		return c.Status(fiber.StatusConflict).
			JSON(errConflict(err.Error()))
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: fiber.Map{"cancelled": cancelled},
	})
}

// GetLatestCompleted handles the request for the caller's most recent
// completed job timestamp
func (h *JobHandler) GetLatestCompleted(c *fiber.Ctx) error {
	owner, err := ownerID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).
			JSON(errInvalidInput(err.Error()))
	}

	completedAt, err := h.producer.LatestCompleted(c.Context(), owner)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: fiber.Map{"completed_at": completedAt},
	})
}

// GetQueueHealth handles the request for aggregated queue health
func (h *JobHandler) GetQueueHealth(c *fiber.Ctx) error {
	health, err := h.monitor.QueueHealth(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: health,
	})
}

// TriggerRecovery handles the request to run a stuck-job recovery pass
func (h *JobHandler) TriggerRecovery(c *fiber.Ctx) error {
	report, err := h.recovery.TriggerManualRecovery(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			JSON(errServer(err.Error()))
	}

	return c.JSON(Response{
		Slug: SuccessSlug,
		Data: report,
	})
}
