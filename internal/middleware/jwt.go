package middleware

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-autograder/internal/utils"
)

var errInvalidSubject = errors.New("invalid subject")

// JWTProtected validates HS256 bearer tokens and binds the caller to
// user_id and user_role locals.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))
	key := func(*jwt.Token) (any, error) { return []byte(secret), nil }

	return func(c *fiber.Ctx) error {
		authorization := c.Get(fiber.HeaderAuthorization)
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "bearer "
		if len(authorization) < len(bearer) || !strings.EqualFold(authorization[:len(bearer)], bearer) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}
		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, key)
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		if userID, ok := userIDFromClaims(claims); ok {
			c.Locals("user_id", userID)
		}
		if role := roleFromClaims(claims); role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	}
}

func userIDFromClaims(claims jwt.MapClaims) (uint, bool) {
	for _, key := range []string{"sub", "user_id", "id"} {
		if value, ok := claims[key]; ok {
			if id, err := parseUserID(value); err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

func parseUserID(value any) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, errInvalidSubject
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, errInvalidSubject
		}
		return uint(parsed), nil
	default:
		return 0, errInvalidSubject
	}
}

// roleFromClaims reads "role" or the first non-blank entry of "roles".
func roleFromClaims(claims jwt.MapClaims) string {
	if role, ok := claims["role"].(string); ok && canonicalRole(role) != "" {
		return canonicalRole(role)
	}
	switch roles := claims["roles"].(type) {
	case string:
		return canonicalRole(roles)
	case []any:
		for _, item := range roles {
			if role, ok := item.(string); ok && canonicalRole(role) != "" {
				return canonicalRole(role)
			}
		}
	}
	return ""
}
