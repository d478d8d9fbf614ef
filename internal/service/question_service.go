package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/expansion"
	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
)

var (
	// ErrInvalidQuestion wraps authoring errors that block saving a question.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrQuestionForbidden indicates the actor may not modify the question.
	ErrQuestionForbidden = errors.New("question belongs to another author")
	// ErrUnsupportedLanguage indicates the language is not in the registry.
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Roles recognised by the grading services.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// Actor identifies the user performing an operation.
type Actor struct {
	ID   uint
	Role string
}

// IsStaff reports whether the actor may author questions.
func (a Actor) IsStaff() bool {
	role := strings.ToLower(strings.TrimSpace(a.Role))
	return role == RoleTeacher || role == RoleAdmin
}

func (a Actor) canManage(question models.Question) bool {
	if strings.EqualFold(strings.TrimSpace(a.Role), RoleAdmin) {
		return true
	}
	return a.IsStaff() && question.OwnerID == a.ID
}

// QuestionService manages question authoring and answer keys.
type QuestionService interface {
	Create(ctx context.Context, actor Actor, payload dto.QuestionRequest) (dto.QuestionResponse, error)
	Update(ctx context.Context, actor Actor, id uint, payload dto.QuestionRequest) (dto.QuestionResponse, error)
	Get(ctx context.Context, actor Actor, id uint) (dto.QuestionResponse, error)
	SaveAnswerKey(ctx context.Context, actor Actor, questionID uint, language string, payload dto.AnswerKeyRequest) (dto.AnswerKeyResponse, error)
	Validate(ctx context.Context, actor Actor, questionID uint) (dto.ValidationResponse, error)
}

type questionService struct {
	questions repository.QuestionRepository
	states    TestStateService
	languages *sandbox.Registry
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewQuestionService constructs a QuestionService.
func NewQuestionService(questions repository.QuestionRepository, states TestStateService, languages *sandbox.Registry, validate *validator.Validate, logger zerolog.Logger) QuestionService {
	return &questionService{
		questions: questions,
		states:    states,
		languages: languages,
		validator: validate,
		logger:    logger.With().Str("component", "question_service").Logger(),
	}
}

func (s *questionService) Create(ctx context.Context, actor Actor, payload dto.QuestionRequest) (dto.QuestionResponse, error) {
	if !actor.IsStaff() {
		return dto.QuestionResponse{}, ErrQuestionForbidden
	}

	question := models.Question{OwnerID: actor.ID}
	if err := s.apply(&question, payload); err != nil {
		return dto.QuestionResponse{}, err
	}

	if err := s.questions.Create(ctx, &question); err != nil {
		return dto.QuestionResponse{}, err
	}

	s.logger.Info().Uint("question_id", question.ID).Str("kind", question.Kind).Msg("question created")
	return dto.NewQuestionResponse(question, true), nil
}

func (s *questionService) Update(ctx context.Context, actor Actor, id uint, payload dto.QuestionRequest) (dto.QuestionResponse, error) {
	question, err := s.load(ctx, id)
	if err != nil {
		return dto.QuestionResponse{}, err
	}
	if !actor.canManage(question) {
		return dto.QuestionResponse{}, ErrQuestionForbidden
	}

	if err := s.apply(&question, payload); err != nil {
		return dto.QuestionResponse{}, err
	}
	if err := s.questions.Update(ctx, &question); err != nil {
		return dto.QuestionResponse{}, err
	}
	s.purge(ctx, question.ID)

	return dto.NewQuestionResponse(question, true), nil
}

func (s *questionService) Get(ctx context.Context, actor Actor, id uint) (dto.QuestionResponse, error) {
	question, err := s.load(ctx, id)
	if err != nil {
		return dto.QuestionResponse{}, err
	}
	return dto.NewQuestionResponse(question, actor.canManage(question)), nil
}

func (s *questionService) SaveAnswerKey(ctx context.Context, actor Actor, questionID uint, language string, payload dto.AnswerKeyRequest) (dto.AnswerKeyResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.AnswerKeyResponse{}, err
	}

	question, err := s.load(ctx, questionID)
	if err != nil {
		return dto.AnswerKeyResponse{}, err
	}
	if !actor.canManage(question) {
		return dto.AnswerKeyResponse{}, ErrQuestionForbidden
	}
	if !question.IsCodingIO() {
		return dto.AnswerKeyResponse{}, fmt.Errorf("%w: %s questions have no answer keys", ErrInvalidQuestion, question.Kind)
	}

	langID, err := s.languages.Resolve(language)
	if err != nil {
		return dto.AnswerKeyResponse{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	key := models.AnswerKey{
		QuestionID:  question.ID,
		Language:    langID,
		Source:      payload.Source,
		Placeholder: payload.Placeholder,
	}
	if err := s.questions.SaveAnswerKey(ctx, &key); err != nil {
		return dto.AnswerKeyResponse{}, err
	}
	s.purge(ctx, question.ID)

	s.logger.Info().
		Uint("question_id", question.ID).
		Str("language", langID).
		Str("source_hash", key.SourceHash).
		Msg("answer key saved")
	return dto.NewAnswerKeyResponse(key), nil
}

// Validate forces the expansion of the question's tests. Expansion and
// inconsistency errors are returned as is so authors can fix their keys.
func (s *questionService) Validate(ctx context.Context, actor Actor, questionID uint) (dto.ValidationResponse, error) {
	question, err := s.load(ctx, questionID)
	if err != nil {
		return dto.ValidationResponse{}, err
	}
	if !actor.canManage(question) {
		return dto.ValidationResponse{}, ErrQuestionForbidden
	}
	if !question.IsCodingIO() {
		return dto.ValidationResponse{}, fmt.Errorf("%w: %s questions have no tests", ErrInvalidQuestion, question.Kind)
	}

	state, err := s.states.GetOrBuild(ctx, questionID)
	if err != nil {
		return dto.ValidationResponse{}, err
	}

	pre, err := ExpectedTests(state, models.FeedbackPhasePre)
	if err != nil {
		return dto.ValidationResponse{}, err
	}
	post, err := ExpectedTests(state, models.FeedbackPhasePost)
	if err != nil {
		return dto.ValidationResponse{}, err
	}

	return dto.ValidationResponse{
		QuestionID:    questionID,
		TestStateHash: state.Hash,
		NumPreTests:   pre.Len(),
		NumPostTests:  post.Len(),
		PreTests:      state.PreTests,
		PostTests:     state.PostTests,
	}, nil
}

func (s *questionService) load(ctx context.Context, id uint) (models.Question, error) {
	question, err := s.questions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Question{}, ErrQuestionNotFound
		}
		return models.Question{}, err
	}
	return question, nil
}

func (s *questionService) purge(ctx context.Context, questionID uint) {
	if _, err := s.states.Purge(ctx, questionID); err != nil {
		s.logger.Warn().Err(err).Uint("question_id", questionID).Msg("failed to purge stale test states")
	}
}

// apply validates the payload and copies it onto the question.
func (s *questionService) apply(question *models.Question, payload dto.QuestionRequest) error {
	if err := s.validator.Struct(payload); err != nil {
		return err
	}

	kind := payload.Kind
	if kind == "" {
		kind = models.QuestionKindCodingIO
	}

	question.Title = strings.TrimSpace(payload.Title)
	question.Statement = payload.Statement
	question.Kind = kind
	question.TimeoutSeconds = payload.TimeoutSeconds
	question.NumPreTests = payload.NumPreTests
	question.NumPostTests = payload.NumPostTests
	question.PreTestsSource = payload.PreTestsSource
	question.PostTestsSource = payload.PostTestsSource
	question.NumericAnswer = payload.NumericAnswer
	question.NumericTolerance = payload.NumericTolerance
	question.TextAnswer = payload.TextAnswer
	question.Language = ""
	question.SetChoices(payload.Choices)
	question.SetCorrectChoices(payload.CorrectChoices)

	switch kind {
	case models.QuestionKindCodingIO:
		if lang := strings.TrimSpace(payload.Language); lang != "" {
			id, err := s.languages.Resolve(lang)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrUnsupportedLanguage, lang)
			}
			question.Language = id
		}
		return checkTemplates(payload.PreTestsSource, payload.PostTestsSource)
	case models.QuestionKindText:
		if strings.TrimSpace(payload.TextAnswer) == "" {
			return fmt.Errorf("%w: text answer is required", ErrInvalidQuestion)
		}
	case models.QuestionKindMultipleChoice:
		if len(payload.Choices) == 0 || len(payload.CorrectChoices) == 0 {
			return fmt.Errorf("%w: choices and correct choices are required", ErrInvalidQuestion)
		}
		for _, index := range payload.CorrectChoices {
			if index >= len(payload.Choices) {
				return fmt.Errorf("%w: correct choice %d is out of range", ErrInvalidQuestion, index)
			}
		}
	}
	return nil
}

func checkTemplates(pre, post string) error {
	for _, template := range []struct {
		name   string
		source string
	}{{"pre-tests", pre}, {"post-tests", post}} {
		spec, err := iospec.Parse(template.source)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidQuestion, template.name, err)
		}
		if err := expansion.ValidateTemplate(spec); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidQuestion, template.name, err)
		}
		if template.name == "pre-tests" && spec.Len() == 0 {
			return fmt.Errorf("%w: pre-tests must contain at least one test case", ErrInvalidQuestion)
		}
	}
	return nil
}
