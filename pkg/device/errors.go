package device

import (
	"errors"
	"fmt"
)

// Kind classifies device failures.
type Kind string

const (
	// KindConnection means the session could not be established.
	KindConnection Kind = "connection"

	// KindUnreachable means the peer went away during an operation.
	KindUnreachable Kind = "unreachable"

	// KindLoad means the device rejected staged commands.
	KindLoad Kind = "load"

	// KindValidation means the device refused to commit the candidate.
	KindValidation Kind = "validation"

	// KindTransfer covers firmware upload failures.
	KindTransfer Kind = "transfer"

	// KindInstall covers package install failures.
	KindInstall Kind = "install"

	// KindOperation is any other rejected RPC.
	KindOperation Kind = "operation"
)

// Error is a classified device failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsUnreachable reports whether err means the device dropped away mid-operation.
func IsUnreachable(err error) bool {
	return KindOf(err) == KindUnreachable
}

// IsConnection reports whether err means a session could not be opened.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}
