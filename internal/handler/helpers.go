package handler

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/internal/expansion"
	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/service"
	"github.com/noah-isme/gema-autograder/internal/utils"
)

func parseUintParam(c *fiber.Ctx, key string) (uint, error) {
	value := strings.TrimSpace(c.Params(key))
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid identifier")
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func userRoleFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_role"); v != nil {
		if role, ok := v.(string); ok {
			return strings.ToLower(strings.TrimSpace(role))
		}
	}
	return ""
}

func actorFromContext(c *fiber.Ctx) service.Actor {
	return service.Actor{
		ID:   userIDFromContext(c),
		Role: userRoleFromContext(c),
	}
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

// sendServiceError maps service errors to HTTP responses shared by the
// question and submission endpoints. Expansion diagnostics only reach the
// caller on authoring routes; the grading service already hides them from
// students.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	log := requestLogger(logger, c)

	var expansionErr *expansion.ExpansionError
	var inconsistent *expansion.InconsistentExpansionError
	var templateErr *expansion.TemplateError

	switch {
	case isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, "validation failed", validationDetails(err))
	case errors.Is(err, service.ErrQuestionNotFound),
		errors.Is(err, service.ErrSubmissionNotFound),
		errors.Is(err, service.ErrProgressNotFound):
		return utils.SendError(c, fiber.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrQuestionForbidden),
		errors.Is(err, service.ErrSubmissionForbidden):
		return utils.SendError(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrUnsupportedLanguage),
		errors.Is(err, service.ErrLanguageMismatch):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.As(err, &inconsistent):
		return utils.Fail(c, fiber.StatusUnprocessableEntity, err.Error(), fiber.Map{
			"language_a": inconsistent.LanguageA,
			"language_b": inconsistent.LanguageB,
			"case":       inconsistent.Case + 1,
			"expected":   iospec.Format(iospec.Spec{Cases: []iospec.Case{inconsistent.Expected}}),
			"actual":     iospec.Format(iospec.Spec{Cases: []iospec.Case{inconsistent.Actual}}),
		})
	case errors.As(err, &expansionErr):
		return utils.Fail(c, fiber.StatusUnprocessableEntity, err.Error(), fiber.Map{
			"language": expansionErr.Language,
			"outcome":  string(expansionErr.Outcome),
			"message":  expansionErr.Message,
		})
	case errors.As(err, &templateErr), errors.Is(err, expansion.ErrNoReference):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrInvalidQuestion):
		return utils.SendError(c, fiber.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrGradingUnavailable):
		return utils.SendError(c, fiber.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Msg("grader request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
