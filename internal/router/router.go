package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/handler"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	QuestionHandler   *handler.QuestionHandler
	SubmissionHandler *handler.SubmissionHandler
	JWTMiddleware     fiber.Handler
	// Languages lists the registered language ids for the health endpoint.
	Languages func() []string
	// SubmitRateLimit caps submissions per user per minute. Zero disables it.
	SubmitRateLimit int
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	// Common v1 group for health & headers
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Languages))
	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	grader := app.Group("/api/v2", jwtMiddleware)

	if deps.QuestionHandler != nil {
		var guards []fiber.Handler
		if deps.SubmitRateLimit > 0 {
			guards = append(guards, middleware.RateLimit("submissions", deps.SubmitRateLimit, time.Minute))
		}
		deps.QuestionHandler.Register(grader.Group("/questions"), guards...)
	}

	if deps.SubmissionHandler != nil {
		deps.SubmissionHandler.Register(grader)
	}
}
