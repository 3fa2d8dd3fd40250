package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/focusbridge/pkg/bridge"
)

// Runner executes bridge scripts on the remote host. It implements
// bridge.Runner; every call spawns exactly one remote bridge process.
type Runner struct {
	client *Client
}

// NewRunner creates a remote runner over an SSH client.
func NewRunner(client *Client) *Runner {
	return &Runner{client: client}
}

// Run uploads the script, executes it and removes it, whatever the outcome.
func (r *Runner) Run(ctx context.Context, script string) (*bridge.RunOutput, error) {
	conn, err := r.client.conn(ctx)
	if err != nil {
		return nil, err
	}

	sc, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp", Err: err, IsTemporary: true}
	}
	defer sc.Close()

	remotePath := path.Join(r.client.config.RemoteDir, "focusbridge-"+uuid.New().String()+".js")
	if err := upload(sc, remotePath, script); err != nil {
		return nil, err
	}
	defer func() {
		if err := sc.Remove(remotePath); err != nil {
			r.client.logger.Warn().Err(err).Str("path", remotePath).Msg("failed to remove script")
		}
	}()

	return r.exec(ctx, conn, r.command(remotePath))
}

func upload(sc *sftp.Client, remotePath, script string) error {
	f, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("open %s: %w", remotePath, err), IsTemporary: true}
	}
	if _, err := f.Write([]byte(script)); err != nil {
		_ = f.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return &TransportError{Op: "upload", Err: err}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	return nil
}

func (r *Runner) command(remotePath string) string {
	parts := make([]string, 0, len(r.client.config.Args)+2)
	parts = append(parts, shellQuote(r.client.config.Command))
	for _, a := range r.client.config.Args {
		parts = append(parts, shellQuote(a))
	}
	parts = append(parts, shellQuote(remotePath))
	return strings.Join(parts, " ")
}

func (r *Runner) exec(ctx context.Context, conn *ssh.Client, cmd string) (*bridge.RunOutput, error) {
	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		select {
		case <-done:
		case <-time.After(r.client.config.KillGrace):
			_ = session.Signal(ssh.SIGKILL)
		}
		// The session may still be writing; its output is not read.
		return &bridge.RunOutput{ExitCode: -1}, ctx.Err()
	case runErr = <-done:
	}

	out := &bridge.RunOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return out, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}
	return out, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
