//go:build linux

package sandbox_test

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/internal/sandbox"
	"github.com/noah-isme/gema-autograder/pkg/executor"
)

func newProcessRunner(t *testing.T) *sandbox.ExecRunner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh is not available")
	}
	backend := executor.NewProcessExecutor(executor.ProcessConfig{Logger: zerolog.Nop()})
	return sandbox.NewRunner(backend, sandbox.DefaultRegistry(), sandbox.Config{WorkspaceRoot: t.TempDir()}, zerolog.Nop())
}

func TestProcessRunnerEndToEnd(t *testing.T) {
	runner := newProcessRunner(t)
	source := "printf 'x: '\nread name\necho \"Hello, $name!\"\n"

	result, err := runner.Run(context.Background(), sandbox.RunRequest{
		Source:   source,
		Language: "sh",
		Inputs:   [][]string{{"Ann"}, {"Bob"}},
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeProduced, result.Outcome)
	require.Equal(t, []string{"x: Hello, Ann!\n", "x: Hello, Bob!\n"}, result.Outputs)
}

func TestProcessRunnerBuildAndRuntimeErrors(t *testing.T) {
	runner := newProcessRunner(t)

	result, err := runner.Run(context.Background(), sandbox.RunRequest{Source: "if then fi (\n", Language: "sh", Inputs: [][]string{{}}})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeBuildError, result.Outcome)
	require.NotEmpty(t, result.Message)

	result, err = runner.Run(context.Background(), sandbox.RunRequest{Source: "echo boom >&2\nexit 3\n", Language: "sh", Inputs: [][]string{{}}})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeRuntimeError, result.Outcome)
	require.Equal(t, "boom", result.Message)
}

func TestProcessRunnerKillsOnTimeout(t *testing.T) {
	runner := newProcessRunner(t)

	start := time.Now()
	result, err := runner.Run(context.Background(), sandbox.RunRequest{
		Source:   "sleep 30\n",
		Language: "sh",
		Inputs:   [][]string{{}},
		Timeout:  300 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, sandbox.OutcomeTimeout, result.Outcome)
	require.Less(t, time.Since(start), 5*time.Second)
}
