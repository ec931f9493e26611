package action

import (
	"errors"
	"fmt"
	"strings"
)

// Action errors.
var (
	// ErrSubprocessFailure is matched by every *SubprocessError.
	ErrSubprocessFailure = errors.New("subprocess failed")

	// ErrEmptyCommand is returned when Run is called without arguments.
	ErrEmptyCommand = errors.New("empty command")
)

// SubprocessError is returned by Context.Run when a command exits non-zero,
// cannot be started, or exceeds its timeout.
type SubprocessError struct {
	// Args is the command line that was executed
	Args []string

	// ExitCode is the process exit code, -1 if it never ran to completion
	ExitCode int

	// Stdout contains the command's output (including stderr when merged)
	Stdout string

	// Stderr contains stderr when it was kept separate
	Stderr string

	// TimedOut is set when the command was killed by its timeout
	TimedOut bool

	// Err is the underlying error
	Err error
}

// Error implements the error interface.
func (e *SubprocessError) Error() string {
	cmd := strings.Join(e.Args, " ")
	if e.TimedOut {
		return fmt.Sprintf("command %q timed out", cmd)
	}
	if e.ExitCode < 0 && e.Err != nil {
		return fmt.Sprintf("command %q failed: %v", cmd, e.Err)
	}
	if e.Stderr != "" {
		return fmt.Sprintf("command %q failed (exit %d): %s", cmd, e.ExitCode, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("command %q failed with exit code %d", cmd, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *SubprocessError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrSubprocessFailure) succeed.
func (e *SubprocessError) Is(target error) bool {
	return target == ErrSubprocessFailure
}

// AsSubprocessError extracts a *SubprocessError from err.
func AsSubprocessError(err error) (*SubprocessError, bool) {
	var subErr *SubprocessError
	if errors.As(err, &subErr) {
		return subErr, true
	}
	return nil, false
}

// Error is returned by Run when the action body fails. It carries the output
// collected up to the failure so diagnostics are not lost.
type Error struct {
	Action string
	ID     string
	Stdout string
	Stderr string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

// Unwrap returns the body's error.
func (e *Error) Unwrap() error {
	return e.Err
}
