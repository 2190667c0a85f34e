// Package app assembles the HTTP server from the job services.
package app

import (
	"github.com/gofiber/fiber/v2"

	"github.com/refinedata/refinery/internal/api/v1/handlers"
	"github.com/refinedata/refinery/internal/api/v1/routes"
	"github.com/refinedata/refinery/internal/services"
)

// New builds the fiber application with all job routes registered.
func New(producer *services.Producer, monitor *services.Monitor, recovery *services.Recovery) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})

	jobs := handlers.NewJobHandler(producer, monitor, recovery)
	routes.Register(app, jobs)

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
