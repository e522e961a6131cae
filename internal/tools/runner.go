package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
)

var (
	// ErrSignaled marks a process that was terminated by a signal instead of exiting.
	ErrSignaled = errors.New("tools: process terminated by signal")
	// ErrNotStarted marks a command that never began executing.
	ErrNotStarted = errors.New("tools: process not started")
)

// Shell-compatible exit codes for commands that never started.
const (
	ExitNotExecutable int32 = 126
	ExitNotRunnable   int32 = 127
)

// CommandRunner abstracts command execution for provisioning smoke tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// Run executes name with args, capturing stdout and stderr separately.
// A non-zero exit returns the *exec.ExitError; a signal kill is wrapped in ErrSignaled
// and a command that could not be started is wrapped in ErrNotStarted.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("%w: %v", ctxErr, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == -1 {
			return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("%w: %s", ErrSignaled, exitErr.ProcessState.String())
		}
		return stdout.Bytes(), stderr.Bytes(), int32(code), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	switch {
	case errors.Is(err, fs.ErrPermission):
		exitCode = ExitNotExecutable
	case errors.As(err, &execErr), errors.Is(err, fs.ErrNotExist):
		exitCode = ExitNotRunnable
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, fmt.Errorf("%w: %w", ErrNotStarted, err)
}
