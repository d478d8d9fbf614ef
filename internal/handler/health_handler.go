package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograder/internal/config"
	"github.com/noah-isme/gema-autograder/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Executor    string    `json:"executor"`
	Languages   []string  `json:"languages"`
}

// HealthCheck returns a handler that reports application health information
// along with the sandbox backend and the languages it can grade.
func HealthCheck(cfg config.Config, languages func() []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Executor:    cfg.ExecutorBackend,
			Languages:   []string{},
		}
		if languages != nil {
			payload.Languages = languages()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
