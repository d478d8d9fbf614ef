//go:build !linux

package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ProcessConfig groups local process executor configuration values.
type ProcessConfig struct {
	Timeout time.Duration
	Path    string
	Logger  zerolog.Logger
}

// ProcessExecutor is only available on linux.
type ProcessExecutor struct{}

// NewProcessExecutor constructs a process executor stub.
func NewProcessExecutor(cfg ProcessConfig) *ProcessExecutor {
	return &ProcessExecutor{}
}

// Run always fails outside linux.
func (e *ProcessExecutor) Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	return ExecutionResult{}, errors.New("process executor requires linux")
}
