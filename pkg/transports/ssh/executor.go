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

// ExecuteCommand runs a single command on the remote host and returns its
// trimmed output.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	startTime := time.Now()

	log.Debug().Str("command", cmd).Str("host", c.config.Host).Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return "", "", err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return "", "", &TransportError{
			Op:            "execute",
			Err:           fmt.Errorf("failed to create session: %w", err),
			IsTemporary:   true,
			IsUnreachable: IsUnreachable(err),
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if _, ok := ctx.Deadline(); !ok && c.config.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	stdout = strings.TrimSpace(stdoutBuf.String())
	stderr = strings.TrimSpace(stderrBuf.String())

	log.Debug().
		Str("command", cmd).
		Int("stdout_len", len(stdout)).
		Int("stderr_len", len(stderr)).
		Dur("duration", time.Since(startTime)).
		Err(execErr).
		Msg("command completed")

	if execErr == nil {
		return stdout, stderr, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		return stdout, stderr, &TransportError{
			Op:  "execute",
			Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), stderr),
		}
	}

	return stdout, stderr, &TransportError{
		Op:            "execute",
		Err:           execErr,
		IsTemporary:   true,
		IsUnreachable: errors.Is(execErr, context.DeadlineExceeded) || IsUnreachable(execErr),
	}
}

// OpenSubsystem starts the named SSH subsystem on a fresh session.
func (c *SSHClient) OpenSubsystem(ctx context.Context, name string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "subsystem", Err: err}
	}

	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:            "subsystem",
			Err:           fmt.Errorf("failed to create session: %w", err),
			IsTemporary:   true,
			IsUnreachable: IsUnreachable(err),
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "subsystem", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "subsystem", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}

	if err := session.RequestSubsystem(name); err != nil {
		_ = session.Close()
		return nil, &TransportError{
			Op:            "subsystem",
			Err:           fmt.Errorf("subsystem %q refused: %w", name, err),
			IsUnreachable: IsUnreachable(err),
		}
	}

	log.Debug().Str("subsystem", name).Str("host", c.config.Host).Msg("subsystem started")

	return &Stream{
		Writer: stdin,
		Reader: stdout,
		closeFn: func() error {
			_ = stdin.Close()
			err := session.Close()
			// A second close or a dropped peer both report io.EOF
			if err != nil && IsUnreachable(err) {
				return nil
			}
			return err
		},
	}, nil
}
