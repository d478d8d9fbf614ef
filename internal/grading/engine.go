// Package grading runs submissions against expanded test specs and turns
// the outcome into a status and a percentage grade.
package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
)

// Status is the terminal classification of a graded submission.
type Status string

const (
	StatusNotGraded         Status = "not-graded"
	StatusCorrect           Status = "correct"
	StatusWrongAnswer       Status = "wrong-answer"
	StatusPresentationError Status = "presentation-error"
	StatusBuildError        Status = "build-error"
	StatusRuntimeError      Status = "runtime-error"
	StatusTimeoutError      Status = "timeout-error"
)

// Submission is the code under test.
type Submission struct {
	Source   string
	Language string
}

// CaseReport describes how one test case compared.
type CaseReport struct {
	Index    int            `json:"index"`
	Verdict  iospec.Verdict `json:"verdict"`
	Expected iospec.Case    `json:"expected"`
	Actual   *iospec.Case   `json:"actual,omitempty"`
}

// Payload is the structured comparison stored with a feedback so it can be
// rendered later.
type Payload struct {
	Status     Status       `json:"status"`
	Message    string       `json:"message,omitempty"`
	FailedCase *int         `json:"failed_case,omitempty"`
	Truncated  bool         `json:"truncated,omitempty"`
	DurationMS int64        `json:"duration_ms"`
	Cases      []CaseReport `json:"cases"`
}

// Result is the outcome of grading one submission.
type Result struct {
	Status    Status
	Grade     float64
	IsCorrect bool
	Payload   Payload
}

// JSON encodes the payload.
func (r Result) JSON() ([]byte, error) {
	return json.Marshal(r.Payload)
}

// Engine grades submissions through a sandbox runner.
type Engine struct {
	runner sandbox.Runner
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewEngine constructs a grading engine.
func NewEngine(runner sandbox.Runner, logger zerolog.Logger) *Engine {
	return &Engine{
		runner: runner,
		tracer: otel.Tracer("github.com/noah-isme/gema-autograder/internal/grading"),
		logger: logger.With().Str("component", "grading_engine").Logger(),
	}
}

// Grade runs the submission with the inputs of expected and classifies the
// result. Execution failures are results, not errors; the error return is
// reserved for infrastructure failures.
func (e *Engine) Grade(ctx context.Context, sub Submission, expected iospec.Spec, timeout time.Duration) (Result, error) {
	if !expected.IsExpanded() {
		return Result{}, fmt.Errorf("expected spec is not expanded")
	}

	ctx, span := e.tracer.Start(ctx, "grading.grade", trace.WithAttributes(
		attribute.String("grading.language", sub.Language),
		attribute.Int("grading.cases", expected.Len()),
	))
	defer span.End()

	inputs := expected.Inputs()
	run, err := e.runner.Run(ctx, sandbox.RunRequest{
		Source:   sub.Source,
		Language: sub.Language,
		Inputs:   inputs,
		Timeout:  timeout,
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("run submission: %w", err)
	}

	result := Evaluate(expected, inputs, run)
	span.SetAttributes(
		attribute.String("grading.status", string(result.Status)),
		attribute.Float64("grading.grade", result.Grade),
	)
	e.logger.Debug().
		Str("language", sub.Language).
		Str("status", string(result.Status)).
		Float64("grade", result.Grade).
		Msg("submission graded")
	return result, nil
}

// Evaluate maps a run result onto a graded result.
func Evaluate(expected iospec.Spec, inputs [][]string, run sandbox.RunResult) Result {
	payload := Payload{
		Message:    run.Message,
		Truncated:  run.Truncated,
		DurationMS: run.Duration.Milliseconds(),
	}

	switch run.Outcome {
	case sandbox.OutcomeBuildError:
		return failed(StatusBuildError, payload)
	case sandbox.OutcomeTimeout:
		return failed(StatusTimeoutError, payload)
	case sandbox.OutcomeRuntimeError:
		if run.FailedCase >= 0 {
			idx := run.FailedCase
			payload.FailedCase = &idx
		}
		return failed(StatusRuntimeError, payload)
	}

	actual := run.Spec(inputs)
	total := expected.Len()
	exact, presentable := 0, 0
	payload.Cases = make([]CaseReport, total)
	for i, want := range expected.Cases {
		report := CaseReport{Index: i, Expected: want, Verdict: iospec.VerdictMismatch}
		if i < actual.Len() {
			got := actual.Cases[i]
			report.Actual = &got
			report.Verdict = iospec.CompareCase(want, got)
		}
		switch report.Verdict {
		case iospec.VerdictMatch:
			exact++
			presentable++
		case iospec.VerdictPresentation:
			presentable++
		}
		payload.Cases[i] = report
	}

	var result Result
	switch {
	case total == 0:
		// An empty spec checks nothing.
		result = Result{Status: StatusWrongAnswer, Grade: 0}
		if payload.Message == "" {
			payload.Message = "no test cases to grade against"
		}
	case exact == total:
		result = Result{Status: StatusCorrect, Grade: 100, IsCorrect: true}
	case presentable == total:
		result = Result{Status: StatusPresentationError, Grade: percent(presentable, total)}
	default:
		result = Result{Status: StatusWrongAnswer, Grade: percent(exact, total)}
	}
	payload.Status = result.Status
	result.Payload = payload
	return result
}

func failed(status Status, payload Payload) Result {
	payload.Status = status
	payload.Cases = []CaseReport{}
	return Result{Status: status, Grade: 0, Payload: payload}
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(10000*float64(n)/float64(total)) / 100
}
