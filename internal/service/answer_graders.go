package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/gema-autograder/internal/grading"
	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/models"
)

// GradeOutcome is the result of grading one answer in one phase.
type GradeOutcome struct {
	Status        grading.Status
	Grade         float64
	IsCorrect     bool
	Payload       []byte
	TestStateHash string
}

// AnswerGrader grades submissions for one question kind.
type AnswerGrader interface {
	Grade(ctx context.Context, question models.Question, submission models.Submission, phase string) (GradeOutcome, error)
}

// SubmissionGrader runs code against expanded tests.
type SubmissionGrader interface {
	Grade(ctx context.Context, sub grading.Submission, expected iospec.Spec, timeout time.Duration) (grading.Result, error)
}

// AnswerGraders dispatches grading by question kind.
type AnswerGraders map[string]AnswerGrader

// NewAnswerGraders registers the grader of every supported question kind.
func NewAnswerGraders(states TestStateService, engine SubmissionGrader) AnswerGraders {
	return AnswerGraders{
		models.QuestionKindCodingIO:       &codingIOGrader{states: states, engine: engine},
		models.QuestionKindNumeric:        numericGrader{},
		models.QuestionKindText:           textGrader{},
		models.QuestionKindMultipleChoice: multipleChoiceGrader{},
	}
}

// For returns the grader of a question kind.
func (g AnswerGraders) For(kind string) (AnswerGrader, error) {
	if kind == "" {
		kind = models.QuestionKindCodingIO
	}
	grader, ok := g[kind]
	if !ok {
		return nil, fmt.Errorf("no grader for question kind %q", kind)
	}
	return grader, nil
}

type codingIOGrader struct {
	states TestStateService
	engine SubmissionGrader
}

func (g *codingIOGrader) Grade(ctx context.Context, question models.Question, submission models.Submission, phase string) (GradeOutcome, error) {
	state, err := g.states.GetOrBuild(ctx, question.ID)
	if err != nil {
		return GradeOutcome{}, err
	}
	expected, err := ExpectedTests(state, phase)
	if err != nil {
		return GradeOutcome{}, err
	}

	result, err := g.engine.Grade(ctx, grading.Submission{
		Source:   submission.Source,
		Language: submission.Language,
	}, expected, question.Timeout())
	if err != nil {
		return GradeOutcome{}, err
	}

	payload, err := result.JSON()
	if err != nil {
		return GradeOutcome{}, fmt.Errorf("encode grading payload: %w", err)
	}
	return GradeOutcome{
		Status:        result.Status,
		Grade:         result.Grade,
		IsCorrect:     result.IsCorrect,
		Payload:       payload,
		TestStateHash: state.Hash,
	}, nil
}

type numericGrader struct{}

func (numericGrader) Grade(_ context.Context, question models.Question, submission models.Submission, _ string) (GradeOutcome, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(submission.Source), 64)
	if err != nil {
		return verdictOutcome(false, "answer is not a number")
	}
	if math.Abs(value-question.NumericAnswer) <= question.NumericTolerance {
		return verdictOutcome(true, "")
	}
	return verdictOutcome(false, "")
}

type textGrader struct{}

func (textGrader) Grade(_ context.Context, question models.Question, submission models.Submission, _ string) (GradeOutcome, error) {
	return verdictOutcome(foldText(submission.Source) == foldText(question.TextAnswer), "")
}

// foldText lowercases the text and collapses runs of whitespace.
func foldText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

type multipleChoiceGrader struct{}

func (multipleChoiceGrader) Grade(_ context.Context, question models.Question, submission models.Submission, _ string) (GradeOutcome, error) {
	var selected []int
	if err := json.Unmarshal([]byte(submission.Source), &selected); err != nil {
		return verdictOutcome(false, "answer must be a JSON list of choice indexes")
	}
	return verdictOutcome(sameSet(selected, question.CorrectChoiceList()), "")
}

func sameSet(a, b []int) bool {
	a = slices.Compact(slices.Sorted(slices.Values(a)))
	b = slices.Compact(slices.Sorted(slices.Values(b)))
	return slices.Equal(a, b)
}

func verdictOutcome(correct bool, message string) (GradeOutcome, error) {
	outcome := GradeOutcome{Status: grading.StatusWrongAnswer}
	if correct {
		outcome = GradeOutcome{Status: grading.StatusCorrect, Grade: 100, IsCorrect: true}
	}
	payload, err := json.Marshal(grading.Payload{
		Status:  outcome.Status,
		Message: message,
		Cases:   []grading.CaseReport{},
	})
	if err != nil {
		return GradeOutcome{}, err
	}
	outcome.Payload = payload
	return outcome, nil
}
