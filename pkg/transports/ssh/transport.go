// Package ssh provides the SSH-based remote execution transport used to
// bootstrap and exercise the package stack on a freshly provisioned
// instance.
package ssh

import (
	"context"
	"time"
)

// Executor runs commands on a remote host. The harness treats a non-zero
// exit status as data, not as a transport failure: installation output is
// inspected even when the command fails.
type Executor interface {
	// Run executes a command on the remote host and returns its combined
	// stdout+stderr and exit status. The returned error is non-nil only
	// when the command could not be run at all (connection refused,
	// session failure); a command that ran and exited non-zero returns
	// nil error.
	Run(ctx context.Context, cmd string) (CommandResult, error)

	// WriteFile writes the given content to a file on the remote host via
	// SFTP with the given permissions.
	WriteFile(ctx context.Context, remotePath string, content []byte, mode uint32) error
}

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	// Output is the combined stdout and stderr, trailing whitespace
	// trimmed.
	Output string

	// ExitStatus is the command's exit code. Only meaningful when the
	// command actually ran.
	ExitStatus int

	// Duration is the total execution time.
	Duration time.Duration
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
