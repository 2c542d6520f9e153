package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run executes a command on the remote host and captures its combined
// stdout+stderr along with the exit status. A non-zero exit status is
// returned in the result with a nil error; installation diagnostics are
// worth inspecting even when the command fails.
func (c *Client) Run(ctx context.Context, cmd string) (CommandResult, error) {
	startTime := time.Now()

	log.Debug().Str("command", cmd).Msg("executing remote command")

	sshClient, err := c.sshClient()
	if err != nil {
		return CommandResult{}, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return CommandResult{}, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	// Combined capture: install tools interleave diagnostics across both
	// streams and the classification pipeline wants one transcript.
	var outputBuf bytes.Buffer
	session.Stdout = &outputBuf
	session.Stderr = &outputBuf

	if c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-doneChan:
	}

	duration := time.Since(startTime)
	output := strings.TrimRight(outputBuf.String(), " \t\n")

	exitStatus := 0
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			// The command ran and exited non-zero. That is data for the
			// caller, not a transport failure.
			exitStatus = exitErr.ExitStatus()
			runErr = nil
		}
	}

	if c.metrics != nil {
		status := "success"
		if runErr != nil || exitStatus != 0 {
			status = "failure"
		}
		c.metrics.RecordRemoteCommand(status, duration)
	}

	log.Debug().
		Str("command", cmd).
		Int("exit_status", exitStatus).
		Int("output_len", len(output)).
		Dur("duration", duration).
		Msg("remote command finished")

	if runErr != nil {
		return CommandResult{}, &TransportError{
			Op:          "execute",
			Err:         runErr,
			IsTemporary: true,
		}
	}

	return CommandResult{
		Output:     output,
		ExitStatus: exitStatus,
		Duration:   duration,
	}, nil
}
