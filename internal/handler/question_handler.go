package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/middleware"
	"github.com/noah-isme/gema-autograder/internal/service"
	"github.com/noah-isme/gema-autograder/internal/utils"
)

// QuestionHandler exposes question authoring and answering endpoints.
type QuestionHandler struct {
	questions   service.QuestionService
	submissions service.SubmissionService
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewQuestionHandler constructs the handler.
func NewQuestionHandler(questions service.QuestionService, submissions service.SubmissionService, validator *validator.Validate, logger zerolog.Logger) *QuestionHandler {
	return &QuestionHandler{
		questions:   questions,
		submissions: submissions,
		validator:   validator,
		logger:      logger.With().Str("component", "question_handler").Logger(),
	}
}

// Register wires the handler endpoints into the router group. submitGuards
// run before the submission endpoint, typically a rate limiter.
func (h *QuestionHandler) Register(router fiber.Router, submitGuards ...fiber.Handler) {
	staff := middleware.AuthOptions{Role: middleware.AuthRoleStaff}
	user := middleware.AuthOptions{RequireUser: true}

	router.Post("", middleware.WithAuth(h.create, staff))
	router.Get("/:id", middleware.WithAuth(h.get, user))
	router.Put("/:id", middleware.WithAuth(h.update, staff))
	router.Put("/:id/answer-keys/:language", middleware.WithAuth(h.saveAnswerKey, staff))
	router.Post("/:id/validate", middleware.WithAuth(h.validate, staff))
	router.Post("/:id/regrade", middleware.WithAuth(h.regrade, staff))
	router.Get("/:id/progress", middleware.WithAuth(h.progress, user))

	submit := append(append([]fiber.Handler{}, submitGuards...), middleware.WithAuth(h.submit, user))
	router.Post("/:id/submissions", submit...)
}

func (h *QuestionHandler) create(c *fiber.Ctx) error {
	var payload dto.QuestionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.validator.Struct(payload); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	response, err := h.questions.Create(c.UserContext(), actorFromContext(c), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "question created", response)
}

func (h *QuestionHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.questions.Get(c.UserContext(), actorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "question retrieved", response)
}

func (h *QuestionHandler) update(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.QuestionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.validator.Struct(payload); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	response, err := h.questions.Update(c.UserContext(), actorFromContext(c), id, payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "question updated", response)
}

func (h *QuestionHandler) saveAnswerKey(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.AnswerKeyRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	response, err := h.questions.SaveAnswerKey(c.UserContext(), actorFromContext(c), id, c.Params("language"), payload)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "answer key saved", response)
}

func (h *QuestionHandler) validate(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.questions.Validate(c.UserContext(), actorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "question validated", response)
}

func (h *QuestionHandler) regrade(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.submissions.RegradeQuestion(c.UserContext(), actorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Uint("question_id", id).
		Int("progresses", response.Progresses).
		Int("submissions", response.Submissions).
		Msg("question regraded")

	return utils.SendSuccess(c, "question regraded", response)
}

func (h *QuestionHandler) submit(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.SubmissionRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	if err := h.validator.Struct(payload); err != nil {
		return sendServiceError(c, h.logger, err)
	}

	response, err := h.submissions.Submit(c.UserContext(), actorFromContext(c), id, payload, c.IP())
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	if response.Recycled {
		return utils.SendSuccess(c, "submission recycled", response)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "submission graded", response)
}

func (h *QuestionHandler) progress(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.submissions.GetProgress(c.UserContext(), actorFromContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "progress retrieved", response)
}
