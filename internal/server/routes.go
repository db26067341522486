package server

import (
	"screenshotter/internal/core/screenshot"
	"screenshotter/internal/health"
	"screenshotter/internal/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// ArtifactsPrefix is where the local artifact store's files are served.
const ArtifactsPrefix = "/files/screenshots"

type Dependencies struct {
	Screenshot *screenshot.Service
	Checks     map[string]health.Check
	// ArtifactsDir, when set, is the local artifact root served under
	// ArtifactsPrefix. Nothing else below DATA_DIR is exposed.
	ArtifactsDir string
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(d.Checks)
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	if d.ArtifactsDir != "" {
		app.Static(ArtifactsPrefix, d.ArtifactsDir)
	}

	api := app.Group("/v1")
	screenshot.NewHandler(d.Screenshot).Register(api)

	return healthHandler
}
