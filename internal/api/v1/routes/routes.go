// Package routes wires the v1 API routes to their handlers.
package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/refinedata/refinery/internal/api/v1/handlers"
)

// SetupRoutes configures all the v1 routes
func SetupRoutes(router fiber.Router, jobs *handlers.JobHandler) {
	group := router.Group("/jobs")

	// Static paths first so they are not captured by the :id routes.
	group.Get("/latest-completed", jobs.GetLatestCompleted)
	group.Get("/queue/health", jobs.GetQueueHealth)
	group.Post("/recover", jobs.TriggerRecovery)

	group.Post("/", jobs.SubmitJob)
	group.Get("/", jobs.ListJobs)
	group.Get("/:id/status", jobs.GetJobStatus)
	group.Delete("/:id", jobs.CancelJob)
}

// Register registers the v1 routes
func Register(app *fiber.App, jobs *handlers.JobHandler) {
	v1Group := app.Group("/api/v1")
	SetupRoutes(v1Group, jobs)
}
