package lvm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidReport indicates report output that could not be decoded
	ErrInvalidReport = errors.New("invalid lvm report")

	// ErrInvalidArgument indicates a request the command layer refuses to build
	ErrInvalidArgument = errors.New("invalid argument")
)

// CommandError represents a non-zero exit of the lvm binary
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("Exit code %d, stderr = %s", e.ExitCode, e.Stderr)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Command returns the failed command line
func (e *CommandError) Command() string {
	return strings.Join(e.Args, " ")
}

// NewCommandError creates a new command error
func NewCommandError(args []string, exitCode int, stderr string, err error) *CommandError {
	return &CommandError{
		Args:     args,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Err:      err,
	}
}

// IsCommandError checks if an error is a failed lvm invocation
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}
