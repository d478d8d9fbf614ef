// Package executor runs sandboxed commands against a prepared workspace,
// either inside Docker containers or as local process groups.
package executor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "executor",
		Name:      "execution_duration_seconds",
		Help:      "Duration of sandboxed executions",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})

	execTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "executor",
		Name:      "execution_timeouts_total",
		Help:      "Number of executions that hit the timeout",
	}, []string{"backend"})

	execFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "executor",
		Name:      "execution_failures_total",
		Help:      "Number of executions that resulted in an infrastructure error",
	}, []string{"backend"})
)

// Executor defines the behaviour for running a command inside a sandbox.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes the instruction to run a command against a workspace.
type ExecutionRequest struct {
	Image           string
	Cmd             []string
	Env             []string
	Timeout         time.Duration
	Workspace       string
	WorkingDir      string
	MemoryLimitMB   int64
	CPUShares       int64
	PidsLimit       int64
	NetworkDisabled bool
	ReadOnlyFS      bool
}

// ExecutionResult summarises the outcome of an execution.
// TimedOut is set together with a non-nil error when the deadline expired.
type ExecutionResult struct {
	Stdout           string
	Stderr           string
	ExitCode         int
	Duration         time.Duration
	TimedOut         bool
	MemoryUsageBytes int64
	CPUUsageNanosec  uint64
}
