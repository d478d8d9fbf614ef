package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-autograder/internal/dto"
	"github.com/noah-isme/gema-autograder/internal/expansion"
	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/models"
	"github.com/noah-isme/gema-autograder/internal/repository"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
)

// programRunner emulates the sandbox: every source maps to a Go function
// or a fixed outcome.
type programRunner struct {
	mu       sync.Mutex
	calls    map[string]int
	programs map[string]func(inputs []string) string
	outcomes map[string]sandbox.RunResult
	failures map[string]error
	// before runs ahead of every program when set.
	before func(ctx context.Context, req sandbox.RunRequest) error
}

func newProgramRunner() *programRunner {
	greet := func(inputs []string) string { return "Hello, " + inputs[0] + "!\n" }
	return &programRunner{
		calls: make(map[string]int),
		programs: map[string]func([]string) string{
			"ref":     greet,
			"ref2":    greet,
			"correct": greet,
			"shout":   func(inputs []string) string { return "HELLO, " + strings.ToUpper(inputs[0]) + "!\n" },
			"wrong":   func([]string) string { return "Goodbye\n" },
			"sloppy":  func(inputs []string) string { return "Hello, " + inputs[0] + "!   \r\n\n" },
		},
		outcomes: map[string]sandbox.RunResult{
			"broken": {Outcome: sandbox.OutcomeBuildError, Message: "main.py: SyntaxError", FailedCase: -1},
			"slow":   {Outcome: sandbox.OutcomeTimeout, Message: "time limit of 2s exceeded", FailedCase: -1},
		},
		failures: make(map[string]error),
	}
}

func (r *programRunner) Run(ctx context.Context, req sandbox.RunRequest) (sandbox.RunResult, error) {
	r.mu.Lock()
	r.calls[req.Source]++
	err := r.failures[req.Source]
	before := r.before
	r.mu.Unlock()

	if before != nil {
		if err := before(ctx, req); err != nil {
			return sandbox.RunResult{}, err
		}
	}
	if err != nil {
		return sandbox.RunResult{}, err
	}
	if result, ok := r.outcomes[req.Source]; ok {
		return result, nil
	}
	program, ok := r.programs[req.Source]
	if !ok {
		return sandbox.RunResult{}, fmt.Errorf("no program for source %q", req.Source)
	}
	outputs := make([]string, len(req.Inputs))
	for i, inputs := range req.Inputs {
		outputs[i] = program(inputs)
	}
	return sandbox.RunResult{Outcome: sandbox.OutcomeProduced, Outputs: outputs, FailedCase: -1}, nil
}

func (r *programRunner) Calls(source string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[source]
}

func (r *programRunner) Fail(source string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[source] = err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []FeedbackEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event FeedbackEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Events() []FeedbackEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]FeedbackEvent(nil), p.events...)
}

type gradingFixture struct {
	db          *gorm.DB
	server      *miniredis.Miniredis
	cache       *redis.Client
	runner      *programRunner
	events      *recordingPublisher
	states      TestStateService
	questions   QuestionService
	submissions SubmissionService
	teacher     Actor
	student     Actor
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&models.Question{},
		&models.AnswerKey{},
		&models.TestState{},
		&models.Progress{},
		&models.Submission{},
		&models.Feedback{},
	))
	return db
}

func newGradingFixture(t *testing.T) *gradingFixture {
	t.Helper()

	db := newTestDB(t)

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)
	cache := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	logger := zerolog.Nop()
	runner := newProgramRunner()
	languages := sandbox.DefaultRegistry()
	validate := validator.New()

	questionRepo := repository.NewQuestionRepository(db)
	states, err := NewTestStateService(
		questionRepo,
		repository.NewTestStateRepository(db),
		expansion.NewExpander(runner, logger),
		cache,
		TestStateConfig{},
		logger,
	)
	require.NoError(t, err)

	events := &recordingPublisher{}
	graders := NewAnswerGraders(states, grading.NewEngine(runner, logger))

	return &gradingFixture{
		db:        db,
		server:    server,
		cache:     cache,
		runner:    runner,
		events:    events,
		states:    states,
		questions: NewQuestionService(questionRepo, states, languages, validate, logger),
		submissions: NewSubmissionService(
			questionRepo,
			repository.NewProgressRepository(db),
			repository.NewSubmissionRepository(db),
			graders,
			languages,
			events,
			validate,
			SubmissionConfig{RegradeConcurrency: 2},
			logger,
		),
		teacher: Actor{ID: 1, Role: RoleTeacher},
		student: Actor{ID: 10, Role: RoleStudent},
	}
}

func greeterRequest() dto.QuestionRequest {
	return dto.QuestionRequest{
		Title:           "Greeter",
		Statement:       "Read a name and greet it.",
		TimeoutSeconds:  2,
		PreTestsSource:  "@input $name\n",
		PostTestsSource: "@input $name\n",
		NumPreTests:     3,
		NumPostTests:    2,
	}
}

// createGreeter stores a coding question whose python answer key is source.
func (f *gradingFixture) createGreeter(t *testing.T, source string) uint {
	t.Helper()
	ctx := context.Background()

	question, err := f.questions.Create(ctx, f.teacher, greeterRequest())
	require.NoError(t, err)

	_, err = f.questions.SaveAnswerKey(ctx, f.teacher, question.ID, "python", dto.AnswerKeyRequest{Source: source})
	require.NoError(t, err)
	return question.ID
}

func (f *gradingFixture) submit(t *testing.T, actor Actor, questionID uint, source string) dto.SubmissionResponse {
	t.Helper()
	response, err := f.submissions.Submit(context.Background(), actor, questionID, dto.SubmissionRequest{
		Source:   source,
		Language: "python",
	}, "127.0.0.1")
	require.NoError(t, err)
	return response
}

func (f *gradingFixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var total int64
	require.NoError(t, f.db.Model(model).Count(&total).Error)
	return total
}
