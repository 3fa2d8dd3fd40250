// Package bridge invokes composed scripts through the automation bridge and
// classifies what comes back.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/engine"
)

// RunOutput is what a transport observed from one bridge process.
type RunOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner starts one bridge process per call, feeds it the script and waits
// for it to exit. Implementations must stop the process when ctx is done.
type Runner interface {
	Run(ctx context.Context, script string) (*RunOutput, error)
}

// Executor enforces size and time limits around a Runner.
type Executor struct {
	runner Runner
	logger zerolog.Logger
}

// NewExecutor creates an executor over a transport.
func NewExecutor(runner Runner, logger zerolog.Logger) *Executor {
	return &Executor{
		runner: runner,
		logger: logger.With().Str("component", "bridge").Logger(),
	}
}

// Run executes the artifact. Oversized scripts are rejected before any
// process is spawned. A run whose elapsed time exceeds the timeout is
// reported as a timeout even when output arrived, since the process may
// have been killed part way through writing it.
func (e *Executor) Run(ctx context.Context, artifact *engine.ScriptArtifact, limits engine.RunLimits) (*engine.ExecutionResult, *engine.BridgeFailure) {
	if artifact.Size > limits.MaxScriptSize {
		return nil, &engine.BridgeFailure{
			Kind:    engine.FailureOversizedScript,
			Message: fmt.Sprintf("script is %d bytes, limit is %d", artifact.Size, limits.MaxScriptSize),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, &engine.BridgeFailure{Kind: engine.FailureCancelled, Message: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	started := time.Now()
	out, err := e.runner.Run(runCtx, artifact.Source)
	elapsed := time.Since(started)

	e.logger.Debug().
		Int("script_size", artifact.Size).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("bridge process finished")

	switch {
	case ctx.Err() != nil:
		return nil, &engine.BridgeFailure{
			Kind:    engine.FailureCancelled,
			Message: fmt.Sprintf("cancelled after %s: %v", elapsed.Round(time.Millisecond), ctx.Err()),
		}
	case elapsed > limits.Timeout || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, &engine.BridgeFailure{
			Kind:    engine.FailureTimeout,
			Message: fmt.Sprintf("bridge did not finish within %s", limits.Timeout),
		}
	case err != nil:
		return nil, &engine.BridgeFailure{
			Kind:    engine.FailureRuntime,
			Message: fmt.Sprintf("bridge process failed: %v", err),
		}
	case out == nil:
		return nil, &engine.BridgeFailure{Kind: engine.FailureRuntime, Message: "bridge produced no result"}
	}

	return &engine.ExecutionResult{
		ExitCode:  out.ExitCode,
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
		StartedAt: started,
		Elapsed:   elapsed,
	}, nil
}
