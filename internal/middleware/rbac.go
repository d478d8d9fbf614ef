package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-autograder/internal/utils"
)

// RequireRole lets the request through only when the role bound by
// JWTProtected is one of roles. Matching ignores case and padding.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := canonicalRole(role); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role := roleOf(c)
		if role == "" {
			return utils.SendError(c, fiber.StatusForbidden, "role required")
		}
		if _, ok := allowed[role]; !ok {
			return utils.SendError(c, fiber.StatusForbidden, "insufficient permissions")
		}
		return c.Next()
	}
}

func roleOf(c *fiber.Ctx) string {
	switch v := c.Locals("user_role").(type) {
	case nil:
		return ""
	case string:
		return canonicalRole(v)
	default:
		return canonicalRole(fmt.Sprint(v))
	}
}

func canonicalRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
