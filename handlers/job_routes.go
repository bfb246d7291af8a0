// handlers/job_routes.go
package handlers

import (
	"errors"

	"membership-portal/services"

	"github.com/gofiber/fiber/v2"
)

// SetupJobRoutes exposes manual triggers for the scheduled jobs. They go through the same
// job lock as scheduled runs.
func SetupJobRoutes(app *fiber.App, registry *services.JobRegistry) {
	jobs := app.Group("/internal/jobs")

	jobs.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"jobs": registry.Names()})
	})

	jobs.Post("/:name", func(c *fiber.Ctx) error {
		outcome, err := registry.Run(c.UserContext(), c.Params("name"), services.TriggerManual)
		if errors.Is(err, services.ErrUnknownJob) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		if err != nil {
			return internalError(c, "job run failed", err)
		}
		if outcome.Skipped == services.ReasonLocked {
			return c.Status(fiber.StatusConflict).JSON(outcome)
		}
		return c.JSON(outcome)
	})
}
