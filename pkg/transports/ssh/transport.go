// Package ssh provides the SSH transport used to reach managed devices.
package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"
)

// Transport defines the SSH capabilities the device layer relies on.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection. Safe to call more than once.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// ExecuteCommand runs a single command on the remote host.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// OpenSubsystem starts a named subsystem (e.g. "netconf") and returns its
	// stdin/stdout pipes and a function closing the underlying session.
	OpenSubsystem(ctx context.Context, name string) (*Stream, error)

	// UploadFile copies a local file to the remote host via SFTP.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) (*FileTransferResult, error)

	// RemoteFileSize stats a remote file via SFTP.
	RemoteFileSize(ctx context.Context, remotePath string) (int64, error)

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// Stream is a bidirectional byte stream over one SSH session.
type Stream struct {
	io.Writer
	io.Reader

	closeFn func() error
}

// Close tears down the session backing the stream.
func (s *Stream) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// FileTransferResult represents the result of a file transfer operation.
type FileTransferResult struct {
	// BytesTransferred is the number of bytes transferred
	BytesTransferred int64

	// Duration is the time taken for the transfer
	Duration time.Duration

	// RemotePath is where the file ended up
	RemotePath string
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

	// IsUnreachable marks errors where the peer could not be reached or the
	// connection dropped underneath an operation
	IsUnreachable bool
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

// IsUnreachable reports whether err means the device could not be reached or
// the connection was lost mid-operation.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) && te.IsUnreachable {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	// x/crypto/ssh reports a dropped transport as plain strings
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}

// IsAuthFailure reports whether err is an authentication rejection.
func IsAuthFailure(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsAuthError
	}
	return false
}
