package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/pkg/executor"
)

// Outcome classifies a run.
type Outcome string

const (
	OutcomeProduced     Outcome = "produced"
	OutcomeBuildError   Outcome = "build-error"
	OutcomeRuntimeError Outcome = "runtime-error"
	OutcomeTimeout      Outcome = "timeout-error"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20
	maxMessageBytes       = 4096
)

// RunRequest describes one program executed against a batch of inputs.
type RunRequest struct {
	Source   string
	Language string
	// Inputs holds the input values of every case, one value per line.
	Inputs  [][]string
	Timeout time.Duration
}

// RunResult reports what a program did. Outputs is only filled for
// OutcomeProduced and holds the stdout of every case in order.
type RunResult struct {
	Outcome    Outcome
	Outputs    []string
	Message    string
	FailedCase int
	Duration   time.Duration
	Truncated  bool
}

// Spec rebuilds the produced trace as concrete cases.
func (r RunResult) Spec(inputs [][]string) iospec.Spec {
	cases := make([]iospec.Case, len(r.Outputs))
	for i, output := range r.Outputs {
		var values []string
		if i < len(inputs) {
			values = inputs[i]
		}
		atoms := make([]iospec.Atom, 0, len(values)+1)
		for _, value := range values {
			atoms = append(atoms, iospec.Input(value))
		}
		atoms = append(atoms, iospec.Output(output))
		c := iospec.NewCase(atoms...)
		if len(c.Atoms) == 0 {
			c = iospec.EmptyCase()
		}
		cases[i] = c
	}
	return iospec.NewSpec(cases...)
}

// Runner executes untrusted programs. Implementations must be safe for
// concurrent use; the error return is reserved for infrastructure failures.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// Config groups sandbox limits.
type Config struct {
	WorkspaceRoot  string
	MemoryLimitMB  int64
	CPUShares      int64
	PidsLimit      int64
	MaxOutputBytes int64
	DefaultTimeout time.Duration
}

// ExecRunner runs programs through an executor backend.
type ExecRunner struct {
	exec      executor.Executor
	languages *Registry
	cfg       Config
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewRunner constructs a runner on top of an executor.
func NewRunner(exec executor.Executor, languages *Registry, cfg Config, logger zerolog.Logger) *ExecRunner {
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	return &ExecRunner{
		exec:      exec,
		languages: languages,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/noah-isme/gema-autograder/internal/sandbox"),
		logger:    logger.With().Str("component", "sandbox_runner").Logger(),
	}
}

// Run builds the source, feeds every input case to it and classifies the
// result. The deadline covers the whole batch plus the language build grace.
func (r *ExecRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	lang, err := r.languages.Get(req.Language)
	if err != nil {
		return RunResult{}, err
	}

	ctx, span := r.tracer.Start(ctx, "sandbox.run", trace.WithAttributes(
		attribute.String("sandbox.language", lang.ID),
		attribute.Int("sandbox.cases", len(req.Inputs)),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	workspace, err := os.MkdirTemp(r.cfg.WorkspaceRoot, "gema-run-")
	if err != nil {
		span.RecordError(err)
		return RunResult{}, fmt.Errorf("create workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workspace); err != nil {
			r.logger.Warn().Err(err).Str("workspace", workspace).Msg("failed to remove workspace")
		}
	}()

	if err := prepareWorkspace(workspace, lang, req.Source, req.Inputs); err != nil {
		span.RecordError(err)
		return RunResult{}, err
	}

	execResult, execErr := r.exec.Run(ctx, executor.ExecutionRequest{
		Image:           lang.Image,
		Cmd:             []string{"sh", driverPath},
		Env:             lang.Env,
		Timeout:         timeout + lang.BuildGrace,
		Workspace:       workspace,
		MemoryLimitMB:   r.cfg.MemoryLimitMB,
		CPUShares:       r.cfg.CPUShares,
		PidsLimit:       r.cfg.PidsLimit,
		NetworkDisabled: true,
		ReadOnlyFS:      true,
	})

	if execResult.TimedOut {
		span.SetAttributes(attribute.String("sandbox.outcome", string(OutcomeTimeout)))
		return RunResult{
			Outcome:    OutcomeTimeout,
			Message:    fmt.Sprintf("time limit of %s exceeded", timeout),
			Duration:   execResult.Duration,
			FailedCase: -1,
		}, nil
	}
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, execErr.Error())
		return RunResult{}, fmt.Errorf("execute %s program: %w", lang.ID, execErr)
	}

	result, err := r.collect(workspace, len(req.Inputs), execResult)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, err
	}
	span.SetAttributes(attribute.String("sandbox.outcome", string(result.Outcome)))
	return result, nil
}

func (r *ExecRunner) collect(workspace string, cases int, execResult executor.ExecutionResult) (RunResult, error) {
	result := RunResult{Duration: execResult.Duration, FailedCase: -1}

	buildStatus, ok, err := readStatus(filepath.Join(workspace, buildStatusPath))
	if err != nil {
		return RunResult{}, err
	}
	if !ok {
		return RunResult{}, fmt.Errorf("sandbox driver did not run (exit %d): %s", execResult.ExitCode, tail(execResult.Stderr, maxMessageBytes))
	}
	if buildStatus != 0 {
		log, _ := readLimited(filepath.Join(workspace, buildLogPath), maxMessageBytes*4)
		result.Outcome = OutcomeBuildError
		result.Message = tail(log, maxMessageBytes)
		return result, nil
	}

	budget := r.cfg.MaxOutputBytes
	outputs := make([]string, 0, cases)
	for i := 0; i < cases; i++ {
		status, ok, err := readStatus(filepath.Join(workspace, casePath("status", i)))
		if err != nil {
			return RunResult{}, err
		}
		if !ok {
			return RunResult{}, fmt.Errorf("sandbox driver stopped before case %d", i)
		}
		if status != 0 {
			stderr, _ := readLimited(filepath.Join(workspace, casePath("err", i)), maxMessageBytes*4)
			result.Outcome = OutcomeRuntimeError
			result.FailedCase = i
			result.Message = runtimeMessage(status, stderr)
			return result, nil
		}

		out, err := readLimited(filepath.Join(workspace, casePath("out", i)), budget+1)
		if err != nil {
			return RunResult{}, err
		}
		if int64(len(out)) > budget {
			out = out[:budget]
			result.Truncated = true
		}
		budget -= int64(len(out))
		outputs = append(outputs, out)
	}

	if result.Truncated {
		r.logger.Debug().Int64("limit", r.cfg.MaxOutputBytes).Msg("program output truncated")
	}
	result.Outcome = OutcomeProduced
	result.Outputs = outputs
	return result, nil
}

func readStatus(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read status: %w", err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("parse status %q: %w", path, err)
	}
	return code, true, nil
}

func readLimited(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}

func runtimeMessage(status int, stderr string) string {
	msg := tail(stderr, maxMessageBytes)
	if status > 128 {
		signal := fmt.Sprintf("program terminated by signal %d", status-128)
		if msg == "" {
			return signal
		}
		return signal + "\n" + msg
	}
	if msg == "" {
		return fmt.Sprintf("program exited with status %d", status)
	}
	return msg
}

func tail(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	return "..." + text[len(text)-limit:]
}

var _ Runner = (*ExecRunner)(nil)
