package service

import "fmt"

// CommandError is returned when a pipeline step command fails. ExitCode is
// -1 when the command never started or was killed before exiting.
type CommandError struct {
	Command  string
	ExitCode int
	Err      error
}

func (ce *CommandError) Error() string {
	if ce.ExitCode >= 0 {
		return fmt.Sprintf("command '%s' exited with code %d", ce.Command, ce.ExitCode)
	}
	return fmt.Sprintf("command '%s' failed: %v", ce.Command, ce.Err)
}

func (ce *CommandError) Unwrap() error {
	return ce.Err
}

// ScreenError is returned when the content screen blocks a build.
type ScreenError struct {
	Violations []string
}

func (se *ScreenError) Error() string {
	return fmt.Sprintf("build blocked by content screen: %d violation(s)", len(se.Violations))
}

// TransitionError is returned for a status change the pipeline state
// machine does not allow.
type TransitionError struct {
	From, To string
}

func (te *TransitionError) Error() string {
	return fmt.Sprintf("illegal pipeline status transition %s -> %s", te.From, te.To)
}
