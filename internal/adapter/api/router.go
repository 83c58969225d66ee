package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"finops-core/internal/config"
)

func SetupRouter(app *fiber.App, handler *AnalysisHandler, server config.ServerConfig) {
	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status":  "healthy",
			"version": server.Version,
			"env":     server.Env,
		})
	})

	// API Versioning
	v1 := app.Group("/v1")
	// Endpoints
	v1.Post("/analysis", handler.HandleAnalyze)
	v1.Post("/analysis/jobs", handler.HandleSubmit)
	v1.Get("/analysis/:id", handler.HandleStatus)
	v1.Get("/analysis/:id/events", handler.HandleEvents)
	v1.Get("/insights", handler.HandleInsights)
	v1.Post("/feedback", handler.HandleFeedback)
	v1.Post("/knowledge/corrections", handler.HandleCorrection)
}
