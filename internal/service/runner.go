package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes one external command and returns the full log
// block for it. The log is returned even when the command fails so the
// caller can persist it before handling the error.
type CommandRunner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error)
}

type ExecRunner struct {
	// Timeout bounds a single command. Zero means the caller's context
	// is the only bound.
	Timeout time.Duration
}

func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(
	ctx context.Context,
	dir string,
	env []string,
	name string,
	args ...string,
) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	display := strings.Join(append([]string{name}, args...), " ")

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	sb := new(strings.Builder)
	fmt.Fprintf(sb, "Running command '%s' in directory '%s'\n", display, dir)
	// capture sections appear only when the command produced output
	if stdout.Len() > 0 {
		sb.WriteString("--- STDOUT ---\n")
		sb.WriteString(stdout.String())
		if !strings.HasSuffix(stdout.String(), "\n") {
			sb.WriteString("\n")
		}
	}
	if stderr.Len() > 0 {
		sb.WriteString("--- STDERR ---\n")
		sb.WriteString(stderr.String())
		if !strings.HasSuffix(stderr.String(), "\n") {
			sb.WriteString("\n")
		}
	}

	switch {
	case runErr == nil:
		sb.WriteString("Command succeeded\n")
		return sb.String(), nil
	case ctx.Err() != nil:
		fmt.Fprintf(sb, "Command timed out: %v\n", ctx.Err())
		return sb.String(), &CommandError{Command: display, ExitCode: -1, Err: ctx.Err()}
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			fmt.Fprintf(sb, "Command failed with exit code %d\n", exitErr.ExitCode())
			return sb.String(), &CommandError{
				Command:  display,
				ExitCode: exitErr.ExitCode(),
				Err:      runErr,
			}
		}
		if errors.Is(runErr, exec.ErrNotFound) {
			fmt.Fprintf(sb, "Command not found: %s\n", name)
			return sb.String(), &CommandError{Command: display, ExitCode: -1, Err: runErr}
		}
		fmt.Fprintf(sb, "Command failed to start: %v\n", runErr)
		return sb.String(), &CommandError{Command: display, ExitCode: -1, Err: runErr}
	}
}
