package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/noah-isme/gema-autograder/internal/utils"
)

// RateLimit throttles a route group per authenticated user, falling back to
// the client IP for anonymous callers.
func RateLimit(bucket string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Second
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			return bucket + ":" + rateLimitSubject(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.SendError(c, fiber.StatusTooManyRequests, "too many submissions, slow down")
		},
	})
}

func rateLimitSubject(c *fiber.Ctx) string {
	switch v := c.Locals("user_id").(type) {
	case nil:
	case uint:
		if v != 0 {
			return fmt.Sprintf("user:%d", v)
		}
	default:
		if id := fmt.Sprint(v); id != "" && id != "0" {
			return "user:" + id
		}
	}
	return "ip:" + c.IP()
}
