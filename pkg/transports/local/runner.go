// Package local runs bridge scripts on this machine.
package local

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/focusbridge/pkg/bridge"
)

const (
	// DefaultCommand is the primary automation bridge.
	DefaultCommand = "osascript"

	// DefaultKillGrace is how long a process has to exit after SIGTERM
	// before it is killed.
	DefaultKillGrace = 100 * time.Millisecond
)

// DefaultArgs select the JavaScript dialect; the script is read from stdin.
var DefaultArgs = []string{"-l", "JavaScript"}

// Runner spawns one bridge process per script.
type Runner struct {
	command   string
	args      []string
	killGrace time.Duration
	logger    zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithCommand replaces the bridge command and its arguments.
func WithCommand(command string, args ...string) Option {
	return func(r *Runner) {
		r.command = command
		r.args = args
	}
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) {
		r.killGrace = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a local runner for osascript.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		command:   DefaultCommand,
		args:      append([]string(nil), DefaultArgs...),
		killGrace: DefaultKillGrace,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run feeds script to a fresh bridge process on stdin. When ctx is done the
// process receives SIGTERM, then SIGKILL once the grace period elapses.
func (r *Runner) Run(ctx context.Context, script string) (*bridge.RunOutput, error) {
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Stdin = strings.NewReader(script)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.killGrace

	r.logger.Debug().
		Str("command", r.command).
		Int("script_size", len(script)).
		Msg("spawning bridge process")

	err := cmd.Run()
	out := &bridge.RunOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return out, err
}
