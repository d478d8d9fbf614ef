//go:build linux

package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-autograder/pkg/executor"
)

func TestProcessExecutorCapturesOutputAndExitCode(t *testing.T) {
	exec := executor.NewProcessExecutor(executor.ProcessConfig{Logger: zerolog.Nop()})

	result, err := exec.Run(context.Background(), executor.ExecutionRequest{
		Cmd:       []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
		Workspace: t.TempDir(),
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)
	require.False(t, result.TimedOut)
	require.Equal(t, 3, result.ExitCode)
	require.Equal(t, "out\n", result.Stdout)
	require.Equal(t, "err\n", result.Stderr)
}

func TestProcessExecutorKillsProcessGroupOnTimeout(t *testing.T) {
	exec := executor.NewProcessExecutor(executor.ProcessConfig{Logger: zerolog.Nop()})

	start := time.Now()
	result, err := exec.Run(context.Background(), executor.ExecutionRequest{
		Cmd:       []string{"sh", "-c", "sleep 30 & sleep 30; wait"},
		Workspace: t.TempDir(),
		Timeout:   200 * time.Millisecond,
	})
	require.Error(t, err)
	require.True(t, result.TimedOut)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessExecutorHonoursCancellation(t *testing.T) {
	exec := executor.NewProcessExecutor(executor.ProcessConfig{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result, err := exec.Run(ctx, executor.ExecutionRequest{
		Cmd:       []string{"sh", "-c", "sleep 30"},
		Workspace: t.TempDir(),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, result.TimedOut)
}

func TestProcessExecutorValidatesRequest(t *testing.T) {
	exec := executor.NewProcessExecutor(executor.ProcessConfig{Logger: zerolog.Nop()})

	_, err := exec.Run(context.Background(), executor.ExecutionRequest{Workspace: t.TempDir()})
	require.Error(t, err)

	_, err = exec.Run(context.Background(), executor.ExecutionRequest{Cmd: []string{"true"}})
	require.Error(t, err)
}
