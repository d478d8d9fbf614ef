package sandbox_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/iospec"
	"github.com/noah-isme/gema-autograder/internal/sandbox"
	"github.com/noah-isme/gema-autograder/pkg/executor"
)

// scriptedExecutor emulates the driver script against the workspace.
type scriptedExecutor struct {
	buildStatus int
	buildLog    string
	program     func(stdin string) (stdout, stderr string, status int)
	timedOut    bool
	err         error

	requests []executor.ExecutionRequest
	sources  []string
}

func (e *scriptedExecutor) Run(_ context.Context, req executor.ExecutionRequest) (executor.ExecutionResult, error) {
	e.requests = append(e.requests, req)
	if e.timedOut {
		return executor.ExecutionResult{TimedOut: true, Duration: req.Timeout}, errors.New("execution timed out")
	}
	if e.err != nil {
		return executor.ExecutionResult{}, e.err
	}

	ws := req.Workspace
	entries, err := os.ReadDir(ws)
	if err != nil {
		return executor.ExecutionResult{}, err
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "main.") {
			data, _ := os.ReadFile(filepath.Join(ws, entry.Name()))
			e.sources = append(e.sources, string(data))
		}
	}

	write := func(rel, content string) {
		if err := os.WriteFile(filepath.Join(ws, ".grader", rel), []byte(content), 0o666); err != nil {
			panic(err)
		}
	}
	write("build.status", strconv.Itoa(e.buildStatus)+"\n")
	if e.buildStatus != 0 {
		write("build.log", e.buildLog)
		return executor.ExecutionResult{}, nil
	}

	inputs, err := os.ReadDir(filepath.Join(ws, ".grader", "in"))
	if err != nil {
		return executor.ExecutionResult{}, err
	}
	for i := 0; i < len(inputs); i++ {
		stdin, err := os.ReadFile(filepath.Join(ws, ".grader", "in", strconv.Itoa(i)))
		if err != nil {
			return executor.ExecutionResult{}, err
		}
		stdout, stderr, status := e.program(string(stdin))
		write(filepath.Join("out", strconv.Itoa(i)), stdout)
		write(filepath.Join("err", strconv.Itoa(i)), stderr)
		write(filepath.Join("status", strconv.Itoa(i)), strconv.Itoa(status)+"\n")
		if status != 0 {
			break
		}
	}
	return executor.ExecutionResult{}, nil
}

func greeter(stdin string) (string, string, int) {
	name := strings.TrimSuffix(stdin, "\n")
	return "x: Hello, " + name + "!\n", "", 0
}

func newTestRunner(t *testing.T, exec executor.Executor, cfg sandbox.Config) *sandbox.ExecRunner {
	t.Helper()
	cfg.WorkspaceRoot = t.TempDir()
	return sandbox.NewRunner(exec, sandbox.DefaultRegistry(), cfg, zerolog.Nop())
}

func TestRunnerProducesOutputs(t *testing.T) {
	exec := &scriptedExecutor{program: greeter}
	runner := newTestRunner(t, exec, sandbox.Config{})

	inputs := [][]string{{"Ann"}, {"Bob"}}
	result, err := runner.Run(context.Background(), sandbox.RunRequest{
		Source:   `print("x: Hello, " + input() + "!")`,
		Language: "py",
		Inputs:   inputs,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeProduced, result.Outcome)
	require.Equal(t, []string{"x: Hello, Ann!\n", "x: Hello, Bob!\n"}, result.Outputs)
	require.False(t, result.Truncated)

	require.Len(t, exec.requests, 1)
	req := exec.requests[0]
	require.Equal(t, "python:3.11-alpine", req.Image)
	require.Equal(t, []string{"sh", ".grader/run.sh"}, req.Cmd)
	require.True(t, req.NetworkDisabled)
	require.Equal(t, 2*time.Second, req.Timeout)
	require.Equal(t, []string{`print("x: Hello, " + input() + "!")`}, exec.sources)

	spec := result.Spec(inputs)
	require.Equal(t, 2, spec.Len())
	require.Equal(t, []string{"Ann"}, spec.Cases[0].Inputs())
	require.Equal(t, "x: Hello, Ann!\n", spec.Cases[0].Output())
}

func TestRunnerAddsBuildGraceForCompiledLanguages(t *testing.T) {
	exec := &scriptedExecutor{program: greeter}
	runner := newTestRunner(t, exec, sandbox.Config{})

	_, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "int main(){}", Language: "c", Inputs: [][]string{{"x"}}, Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, 11*time.Second, exec.requests[0].Timeout)
}

func TestRunnerClassifiesBuildError(t *testing.T) {
	exec := &scriptedExecutor{buildStatus: 1, buildLog: "  File \"main.py\", line 1\nSyntaxError: invalid syntax\n"}
	runner := newTestRunner(t, exec, sandbox.Config{})

	result, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "print(", Language: "python", Inputs: [][]string{{"Ann"}}})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeBuildError, result.Outcome)
	require.Contains(t, result.Message, "SyntaxError")
	require.Empty(t, result.Outputs)
}

func TestRunnerClassifiesRuntimeError(t *testing.T) {
	calls := 0
	exec := &scriptedExecutor{program: func(stdin string) (string, string, int) {
		calls++
		if calls == 2 {
			return "", "ZeroDivisionError: division by zero\n", 1
		}
		return "ok\n", "", 0
	}}
	runner := newTestRunner(t, exec, sandbox.Config{})

	result, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "x", Language: "python", Inputs: [][]string{{"1"}, {"0"}, {"2"}}})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeRuntimeError, result.Outcome)
	require.Equal(t, 1, result.FailedCase)
	require.Equal(t, "ZeroDivisionError: division by zero", result.Message)
	require.Equal(t, 2, calls)
}

func TestRunnerReportsSignals(t *testing.T) {
	exec := &scriptedExecutor{program: func(string) (string, string, int) { return "", "", 137 }}
	runner := newTestRunner(t, exec, sandbox.Config{})

	result, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "x", Language: "c", Inputs: [][]string{{}}})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeRuntimeError, result.Outcome)
	require.Equal(t, "program terminated by signal 9", result.Message)
}

func TestRunnerClassifiesTimeout(t *testing.T) {
	exec := &scriptedExecutor{timedOut: true}
	runner := newTestRunner(t, exec, sandbox.Config{})

	result, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "while True: pass", Language: "python", Inputs: [][]string{{}}, Timeout: time.Second})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeTimeout, result.Outcome)
	require.Empty(t, result.Outputs)
	require.Equal(t, -1, result.FailedCase)
}

func TestRunnerSurfacesInfrastructureErrors(t *testing.T) {
	exec := &scriptedExecutor{err: errors.New("docker daemon unavailable")}
	runner := newTestRunner(t, exec, sandbox.Config{})

	_, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "x", Language: "python", Inputs: [][]string{{}}})
	require.ErrorContains(t, err, "docker daemon unavailable")
}

func TestRunnerRejectsUnknownLanguage(t *testing.T) {
	runner := newTestRunner(t, &scriptedExecutor{program: greeter}, sandbox.Config{})

	_, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "x", Language: "cobol"})
	require.ErrorIs(t, err, sandbox.ErrUnknownLanguage)
}

func TestRunnerTruncatesLargeOutput(t *testing.T) {
	exec := &scriptedExecutor{program: func(string) (string, string, int) {
		return strings.Repeat("a", 10), "", 0
	}}
	runner := newTestRunner(t, exec, sandbox.Config{MaxOutputBytes: 15})

	result, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "x", Language: "python", Inputs: [][]string{{}, {}}})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeProduced, result.Outcome)
	require.True(t, result.Truncated)
	require.Equal(t, []string{"aaaaaaaaaa", "aaaaa"}, result.Outputs)
}

func TestRunnerRemovesWorkspace(t *testing.T) {
	root := t.TempDir()
	exec := &scriptedExecutor{program: greeter}
	runner := sandbox.NewRunner(exec, sandbox.DefaultRegistry(), sandbox.Config{WorkspaceRoot: root}, zerolog.Nop())

	_, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "x", Language: "python", Inputs: [][]string{{"a"}}})
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestResultSpecMarksSilentCasesEmpty(t *testing.T) {
	result := sandbox.RunResult{Outcome: sandbox.OutcomeProduced, Outputs: []string{""}}
	spec := result.Spec([][]string{nil})
	require.Equal(t, iospec.EmptyCase(), spec.Cases[0])
	require.True(t, spec.IsExpanded())
}
