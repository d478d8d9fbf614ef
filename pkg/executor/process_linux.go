//go:build linux

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"
)

const processBackend = "process"

// ProcessConfig groups local process executor configuration values.
type ProcessConfig struct {
	Timeout time.Duration
	// Path is the PATH handed to child processes.
	Path   string
	Logger zerolog.Logger
}

// ProcessExecutor runs requests as local processes in their own process
// group. The workspace is the only isolation it provides, so it must only
// execute trusted code (development setups and tests).
type ProcessExecutor struct {
	cfg    ProcessConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewProcessExecutor constructs a process backed executor.
func NewProcessExecutor(cfg ProcessConfig) *ProcessExecutor {
	if cfg.Path == "" {
		cfg.Path = "/usr/local/bin:/usr/bin:/bin"
	}
	return &ProcessExecutor{
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-autograder/pkg/executor"),
		logger: cfg.Logger.With().Str("component", "process_executor").Logger(),
	}
}

// Run starts the command with the workspace as working directory and kills
// the whole process group once the deadline expires.
func (e *ProcessExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if len(req.Cmd) == 0 {
		return ExecutionResult{}, errors.New("command is required")
	}
	if req.Workspace == "" {
		return ExecutionResult{}, errors.New("workspace is required")
	}

	ctx, span := e.tracer.Start(parent, "executor.process.run", trace.WithAttributes(
		attribute.String("process.command", req.Cmd[0]),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(req.Cmd[0], req.Cmd[1:]...)
	cmd.Dir = req.Workspace
	cmd.Env = append([]string{"PATH=" + e.cfg.Path, "HOME=" + req.Workspace}, req.Env...)
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	result := ExecutionResult{}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		execFailures.WithLabelValues(processBackend).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("start process: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		e.killGroup(cmd.Process.Pid)
		<-done
		waitErr = ctx.Err()
	}

	result.Duration = time.Since(start)
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	execDuration.WithLabelValues(processBackend).Observe(result.Duration.Seconds())

	if state := cmd.ProcessState; state != nil {
		result.ExitCode = state.ExitCode()
		if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
			result.MemoryUsageBytes = usage.Maxrss * 1024
			cpu := time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
			result.CPUUsageNanosec = uint64(cpu)
		}
	}

	switch {
	case errors.Is(waitErr, context.DeadlineExceeded):
		result.TimedOut = true
		execTimeouts.WithLabelValues(processBackend).Inc()
		span.SetStatus(codes.Error, "execution timed out")
		return result, fmt.Errorf("execution timed out after %s", timeout)
	case errors.Is(waitErr, context.Canceled):
		span.RecordError(waitErr)
		return result, waitErr
	}

	// The group may still hold stray children after the leader exited.
	e.killGroup(cmd.Process.Pid)

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		execFailures.WithLabelValues(processBackend).Inc()
		span.RecordError(waitErr)
		return result, fmt.Errorf("wait process: %w", waitErr)
	}

	span.SetAttributes(attribute.Int("executor.exit_code", result.ExitCode))
	return result, nil
}

func (e *ProcessExecutor) killGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		e.logger.Warn().Err(err).Int("pid", pid).Msg("failed to kill process group")
	}
}

var _ Executor = (*ProcessExecutor)(nil)
