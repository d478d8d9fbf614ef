package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/expansion"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/observability"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
)

var (
	// ErrSubmissionNotFound indicates a submission could not be found.
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrSubmissionForbidden indicates the viewer may not read the submission.
	ErrSubmissionForbidden = errors.New("submission belongs to another user")
	// ErrProgressNotFound indicates the user has not answered the question yet.
	ErrProgressNotFound = errors.New("progress not found")
	// ErrLanguageMismatch indicates the question pins another language.
	ErrLanguageMismatch = errors.New("question requires a different language")
	// ErrGradingUnavailable hides authoring failures from students.
	ErrGradingUnavailable = errors.New("question cannot be graded right now")
)

// GradeModifier maps the given grade of a submission to its final grade.
type GradeModifier func(question models.Question, given float64) float64

// IdentityModifier keeps the given grade.
func IdentityModifier(_ models.Question, given float64) float64 {
	return given
}

// SubmissionConfig tunes the submission lifecycle.
type SubmissionConfig struct {
	RegradeConcurrency int
	Modifier           GradeModifier
}

// SubmissionService grades answers and maintains progress records.
type SubmissionService interface {
	Submit(ctx context.Context, actor Actor, questionID uint, payload dto.SubmissionRequest, ipAddress string) (dto.SubmissionResponse, error)
	Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error)
	GetProgress(ctx context.Context, actor Actor, questionID uint) (dto.ProgressResponse, error)
	RegradeProgress(ctx context.Context, actor Actor, progressID uint) (dto.ProgressResponse, error)
	RegradeQuestion(ctx context.Context, actor Actor, questionID uint) (dto.RegradeResponse, error)
}

type submissionService struct {
	questions   repository.QuestionRepository
	progress    repository.ProgressRepository
	submissions repository.SubmissionRepository
	graders     AnswerGraders
	languages   *sandbox.Registry
	events      FeedbackPublisher
	validator   *validator.Validate
	cfg         SubmissionConfig
	locks       *keyedMutex[progressKey]
	tracer      trace.Tracer
	logger      zerolog.Logger
}

// NewSubmissionService constructs a SubmissionService. events may be nil.
func NewSubmissionService(
	questions repository.QuestionRepository,
	progress repository.ProgressRepository,
	submissions repository.SubmissionRepository,
	graders AnswerGraders,
	languages *sandbox.Registry,
	events FeedbackPublisher,
	validate *validator.Validate,
	cfg SubmissionConfig,
	logger zerolog.Logger,
) SubmissionService {
	if cfg.RegradeConcurrency <= 0 {
		cfg.RegradeConcurrency = 4
	}
	if cfg.Modifier == nil {
		cfg.Modifier = IdentityModifier
	}
	if events == nil {
		events = noopFeedbackPublisher{}
	}

	return &submissionService{
		questions:   questions,
		progress:    progress,
		submissions: submissions,
		graders:     graders,
		languages:   languages,
		events:      events,
		validator:   validate,
		cfg:         cfg,
		locks:       newKeyedMutex[progressKey](),
		tracer:      otel.Tracer("github.com/noah-isme/gema-autograder/internal/service/submission"),
		logger:      logger.With().Str("component", "submission_service").Logger(),
	}
}

// ContentHash fingerprints a submission for deduplication.
func ContentHash(source, language string) string {
	h := sha256.New()
	h.Write([]byte(language))
	h.Write([]byte{0})
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *submissionService) Submit(ctx context.Context, actor Actor, questionID uint, payload dto.SubmissionRequest, ipAddress string) (dto.SubmissionResponse, error) {
	if err := s.validator.Struct(payload); err != nil {
		return dto.SubmissionResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "submission.submit", trace.WithAttributes(
		attribute.Int64("submission.user_id", int64(actor.ID)),
		attribute.Int64("submission.question_id", int64(questionID)),
	))
	defer span.End()

	question, err := s.loadQuestion(ctx, questionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	language, err := s.submissionLanguage(question, payload.Language)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	hash := ContentHash(payload.Source, language)

	unlock := s.locks.Lock(progressKey{userID: actor.ID, questionID: question.ID})
	defer unlock()

	progress, err := s.progress.Find(ctx, actor.ID, question.ID)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		progress = models.Progress{UserID: actor.ID, QuestionID: question.ID}
	case err != nil:
		return dto.SubmissionResponse{}, err
	}

	var previous []models.Submission
	if progress.ID != 0 {
		previous, err = s.submissions.FindByHash(ctx, progress.ID, hash)
		if err != nil {
			return dto.SubmissionResponse{}, err
		}
	}
	for i := range previous {
		if previous[i].Source != payload.Source || previous[i].Language != language {
			continue
		}
		if err := s.submissions.IncrementRecycles(ctx, &previous[i]); err != nil {
			return dto.SubmissionResponse{}, err
		}
		observability.SubmissionRecycles().Inc()
		s.logger.Debug().Uint("submission_id", previous[i].ID).Msg("submission recycled")

		response := dto.NewSubmissionResponse(previous[i], true)
		response.Recycled = true
		return response, nil
	}

	submission := models.Submission{
		Hash:      hash,
		Source:    payload.Source,
		Language:  language,
		IPAddress: ipAddress,
	}

	outcome, err := s.grade(ctx, question, submission, models.FeedbackPhasePre)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.SubmissionResponse{}, s.studentSafe(question.ID, err)
	}

	feedback := s.feedbackFor(question, outcome, models.FeedbackPhasePre)
	markBest := progress.BestSubmissionID == nil || feedback.FinalGradePC > progress.FinalGradePC
	progress.NumSubmissions++
	progress.GivenGradePC = max(progress.GivenGradePC, feedback.GivenGradePC)
	progress.FinalGradePC = max(progress.FinalGradePC, feedback.FinalGradePC)
	progress.IsCorrect = progress.IsCorrect || feedback.IsCorrect

	if err := s.submissions.SaveGraded(ctx, &submission, &feedback, &progress, markBest); err != nil {
		return dto.SubmissionResponse{}, err
	}

	s.announce(ctx, question, progress, submission, feedback)
	span.SetAttributes(attribute.String("submission.status", feedback.Status))
	s.logger.Info().
		Uint("submission_id", submission.ID).
		Uint("question_id", question.ID).
		Str("status", feedback.Status).
		Float64("grade", feedback.GivenGradePC).
		Msg("submission graded")

	return dto.NewSubmissionResponse(submission, true), nil
}

func (s *submissionService) Get(ctx context.Context, actor Actor, id uint) (dto.SubmissionResponse, error) {
	submission, err := s.submissions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.SubmissionResponse{}, ErrSubmissionNotFound
		}
		return dto.SubmissionResponse{}, err
	}

	progress, err := s.progress.GetByID(ctx, submission.ProgressID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}
	question, err := s.loadQuestion(ctx, progress.QuestionID)
	if err != nil {
		return dto.SubmissionResponse{}, err
	}

	staff := actor.canManage(question)
	if progress.UserID != actor.ID && !staff {
		return dto.SubmissionResponse{}, ErrSubmissionForbidden
	}

	response := dto.NewSubmissionResponse(submission, true)
	if !staff && response.Feedback != nil && response.Feedback.Phase == models.FeedbackPhasePost {
		response.Feedback.Payload = withoutCases(response.Feedback.Payload)
	}
	return response, nil
}

func (s *submissionService) GetProgress(ctx context.Context, actor Actor, questionID uint) (dto.ProgressResponse, error) {
	progress, err := s.progress.Find(ctx, actor.ID, questionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ProgressResponse{}, ErrProgressNotFound
		}
		return dto.ProgressResponse{}, err
	}
	return dto.NewProgressResponse(progress), nil
}

func (s *submissionService) RegradeProgress(ctx context.Context, actor Actor, progressID uint) (dto.ProgressResponse, error) {
	progress, err := s.progress.GetByID(ctx, progressID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ProgressResponse{}, ErrProgressNotFound
		}
		return dto.ProgressResponse{}, err
	}
	question, err := s.loadQuestion(ctx, progress.QuestionID)
	if err != nil {
		return dto.ProgressResponse{}, err
	}
	if !actor.canManage(question) {
		return dto.ProgressResponse{}, ErrQuestionForbidden
	}

	progress, _, err = s.regrade(ctx, question, progress)
	if err != nil {
		return dto.ProgressResponse{}, err
	}
	return dto.NewProgressResponse(progress), nil
}

func (s *submissionService) RegradeQuestion(ctx context.Context, actor Actor, questionID uint) (dto.RegradeResponse, error) {
	question, err := s.loadQuestion(ctx, questionID)
	if err != nil {
		return dto.RegradeResponse{}, err
	}
	if !actor.canManage(question) {
		return dto.RegradeResponse{}, ErrQuestionForbidden
	}

	ctx, span := s.tracer.Start(ctx, "submission.regrade_question", trace.WithAttributes(
		attribute.Int64("submission.question_id", int64(questionID)),
	))
	defer span.End()

	items, err := s.progress.ListByQuestion(ctx, questionID)
	if err != nil {
		return dto.RegradeResponse{}, err
	}

	var graded atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.RegradeConcurrency)
	for _, item := range items {
		progressID := item.ID
		group.Go(func() error {
			_, count, err := s.regrade(groupCtx, question, item)
			if err != nil {
				return fmt.Errorf("regrade progress %d: %w", progressID, err)
			}
			graded.Add(int64(count))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return dto.RegradeResponse{}, err
	}

	s.logger.Info().
		Uint("question_id", questionID).
		Int("progresses", len(items)).
		Int64("submissions", graded.Load()).
		Msg("question regraded")

	return dto.RegradeResponse{
		QuestionID:  questionID,
		Progresses:  len(items),
		Submissions: int(graded.Load()),
	}, nil
}

// regrade grades every submission of a progress against the post-tests and
// recomputes the maxima from scratch. Nothing is written unless every
// submission was graded.
func (s *submissionService) regrade(ctx context.Context, question models.Question, stale models.Progress) (models.Progress, int, error) {
	unlock := s.locks.Lock(progressKey{userID: stale.UserID, questionID: stale.QuestionID})
	defer unlock()

	progress, err := s.progress.GetByID(ctx, stale.ID)
	if err != nil {
		return models.Progress{}, 0, err
	}
	submissions, err := s.submissions.ListByProgress(ctx, progress.ID)
	if err != nil {
		return models.Progress{}, 0, err
	}

	feedback := make([]models.Feedback, 0, len(submissions))
	progress.BestSubmissionID = nil
	progress.GivenGradePC = 0
	progress.FinalGradePC = 0
	progress.IsCorrect = false
	progress.NumSubmissions = len(submissions)

	for _, submission := range submissions {
		outcome, err := s.grade(ctx, question, submission, models.FeedbackPhasePost)
		if err != nil {
			return models.Progress{}, 0, err
		}
		item := s.feedbackFor(question, outcome, models.FeedbackPhasePost)
		item.SubmissionID = submission.ID
		feedback = append(feedback, item)

		if progress.BestSubmissionID == nil || item.FinalGradePC > progress.FinalGradePC {
			id := submission.ID
			progress.BestSubmissionID = &id
		}
		progress.GivenGradePC = max(progress.GivenGradePC, item.GivenGradePC)
		progress.FinalGradePC = max(progress.FinalGradePC, item.FinalGradePC)
		progress.IsCorrect = progress.IsCorrect || item.IsCorrect
	}

	if err := s.submissions.ReplaceFeedback(ctx, feedback, &progress); err != nil {
		return models.Progress{}, 0, err
	}

	for i, submission := range submissions {
		s.announce(ctx, question, progress, submission, feedback[i])
	}
	return progress, len(submissions), nil
}

func (s *submissionService) grade(ctx context.Context, question models.Question, submission models.Submission, phase string) (GradeOutcome, error) {
	grader, err := s.graders.For(question.Kind)
	if err != nil {
		return GradeOutcome{}, err
	}
	return grader.Grade(ctx, question, submission, phase)
}

func (s *submissionService) feedbackFor(question models.Question, outcome GradeOutcome, phase string) models.Feedback {
	return models.Feedback{
		Status:        string(outcome.Status),
		Phase:         phase,
		GivenGradePC:  outcome.Grade,
		FinalGradePC:  s.cfg.Modifier(question, outcome.Grade),
		IsCorrect:     outcome.IsCorrect,
		TestStateHash: outcome.TestStateHash,
		Payload:       outcome.Payload,
	}
}

func (s *submissionService) announce(ctx context.Context, question models.Question, progress models.Progress, submission models.Submission, feedback models.Feedback) {
	kind := question.Kind
	if kind == "" {
		kind = models.QuestionKindCodingIO
	}
	observability.GradingOutcomes().WithLabelValues(kind, feedback.Phase, feedback.Status).Inc()

	s.events.Publish(ctx, FeedbackEvent{
		SubmissionID: submission.ID,
		ProgressID:   progress.ID,
		UserID:       progress.UserID,
		QuestionID:   question.ID,
		Phase:        feedback.Phase,
		Status:       feedback.Status,
		GivenGradePC: feedback.GivenGradePC,
		FinalGradePC: feedback.FinalGradePC,
		IsCorrect:    feedback.IsCorrect,
	})
}

// submissionLanguage resolves the canonical language of a coding answer.
// Other question kinds carry no language.
func (s *submissionService) submissionLanguage(question models.Question, requested string) (string, error) {
	if !question.IsCodingIO() {
		return "", nil
	}
	if requested == "" {
		requested = question.Language
	}
	if requested == "" {
		return "", fmt.Errorf("%w: language is required", ErrUnsupportedLanguage)
	}

	language, err := s.languages.Resolve(requested)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLanguage, requested)
	}
	if question.Language != "" && language != question.Language {
		return "", ErrLanguageMismatch
	}
	return language, nil
}

// studentSafe replaces authoring failures with ErrGradingUnavailable. The
// details are logged for the question's author.
func (s *submissionService) studentSafe(questionID uint, err error) error {
	var (
		expansionErr    *expansion.ExpansionError
		inconsistentErr *expansion.InconsistentExpansionError
		templateErr     *expansion.TemplateError
	)
	switch {
	case errors.As(err, &expansionErr),
		errors.As(err, &inconsistentErr),
		errors.As(err, &templateErr),
		errors.Is(err, expansion.ErrNoReference),
		errors.Is(err, ErrInvalidQuestion):
		s.logger.Error().Err(err).Uint("question_id", questionID).Msg("question tests cannot be expanded")
		return ErrGradingUnavailable
	default:
		return err
	}
}

func (s *submissionService) loadQuestion(ctx context.Context, id uint) (models.Question, error) {
	question, err := s.questions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Question{}, ErrQuestionNotFound
		}
		return models.Question{}, err
	}
	return question, nil
}

// withoutCases drops per-case details from a stored payload.
func withoutCases(raw json.RawMessage) json.RawMessage {
	var payload grading.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	payload.Cases = []grading.CaseReport{}
	payload.FailedCase = nil
	payload.Message = ""
	stripped, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return stripped
}

type progressKey struct {
	userID     uint
	questionID uint
}

// keyedMutex serializes work per key and forgets idle keys.
type keyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyedLock
}

type keyedLock struct {
	mu      sync.Mutex
	waiters int
}

func newKeyedMutex[K comparable]() *keyedMutex[K] {
	return &keyedMutex[K]{locks: make(map[K]*keyedLock)}
}

// Lock blocks until the key is free and returns its unlock function.
func (k *keyedMutex[K]) Lock(key K) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyedLock{}
		k.locks[key] = lock
	}
	lock.waiters++
	k.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		k.mu.Lock()
		lock.waiters--
		if lock.waiters == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
