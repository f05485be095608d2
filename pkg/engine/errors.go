package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/srxops/srxops/pkg/device"
)

// ErrorKind classifies orchestration failures for reporting and retry decisions.
type ErrorKind string

const (
	// KindConnection indicates the device session could not be established.
	// Examples: refused TCP connection, SSH authentication failure.
	KindConnection ErrorKind = "connection"

	// KindUnreachable indicates an established session stopped responding.
	// This is the expected outcome while a device is rebooting.
	KindUnreachable ErrorKind = "unreachable"

	// KindLoad indicates the device rejected the candidate configuration.
	KindLoad ErrorKind = "load"

	// KindValidation indicates a commit check or policy gate rejected the change.
	KindValidation ErrorKind = "validation"

	// KindTransfer indicates a firmware upload failed or was truncated.
	KindTransfer ErrorKind = "transfer"

	// KindInstall indicates the device refused to install a package.
	KindInstall ErrorKind = "install"

	// KindUpgradeTimeout indicates the device never came back after a reboot
	// within the configured reconnection attempts.
	KindUpgradeTimeout ErrorKind = "upgrade_timeout"

	// KindAdvisory indicates the readiness assessment said no.
	KindAdvisory ErrorKind = "advisory"

	// KindTimeout indicates the job exceeded its hard time budget.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled indicates the operator cancelled the job at a phase boundary.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal covers store, artifact and programming errors.
	KindInternal ErrorKind = "internal"
)

// ErrLeaseHeld is returned by LeaseManager.Acquire when another live owner
// holds the device lease.
var ErrLeaseHeld = errors.New("device lease held by another owner")

// OrchestrationError is the single error type returned by the orchestrators.
// nolint:revive // the package name alone does not say what failed
type OrchestrationError struct {
	// Kind is the failure classification.
	Kind ErrorKind `json:"kind"`

	// Phase is the state or phase name in which the failure occurred.
	Phase string `json:"phase,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Mutated reports whether the device may have been changed before the failure.
	Mutated bool `json:"mutated"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Phase, e.Detail())
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Detail())
}

// Detail returns the message and cause without kind or phase, as shown to
// operators in job results.
func (e *OrchestrationError) Detail() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches another OrchestrationError of the same kind.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether the reconnection loop may try again after this error.
// Only lost or refused connections qualify.
func (e *OrchestrationError) Retryable() bool {
	return e.Kind == KindUnreachable || e.Kind == KindConnection
}

// WithPhase sets the phase and returns the error for chaining.
func (e *OrchestrationError) WithPhase(phase string) *OrchestrationError {
	e.Phase = phase
	return e
}

// WithMutated marks the error as having happened after a device mutation.
func (e *OrchestrationError) WithMutated(mutated bool) *OrchestrationError {
	e.Mutated = mutated
	return e
}

func newError(kind ErrorKind, message string, err error) *OrchestrationError {
	return &OrchestrationError{Kind: kind, Message: message, Err: err}
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, err error) *OrchestrationError {
	return newError(KindConnection, message, err)
}

// NewUnreachableError creates a new unreachable error.
func NewUnreachableError(message string, err error) *OrchestrationError {
	return newError(KindUnreachable, message, err)
}

// NewLoadError creates a new load error.
func NewLoadError(message string, err error) *OrchestrationError {
	return newError(KindLoad, message, err)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *OrchestrationError {
	return newError(KindValidation, message, err)
}

// NewTransferError creates a new transfer error.
func NewTransferError(message string, err error) *OrchestrationError {
	return newError(KindTransfer, message, err)
}

// NewInstallError creates a new install error.
func NewInstallError(message string, err error) *OrchestrationError {
	return newError(KindInstall, message, err)
}

// NewUpgradeTimeoutError creates a new upgrade timeout error.
func NewUpgradeTimeoutError(message string, err error) *OrchestrationError {
	return newError(KindUpgradeTimeout, message, err)
}

// NewAdvisoryError creates a new advisory error.
func NewAdvisoryError(message string, err error) *OrchestrationError {
	return newError(KindAdvisory, message, err)
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *OrchestrationError {
	return newError(KindTimeout, message, err)
}

// NewCancelledError creates a new cancelled error.
func NewCancelledError(message string) *OrchestrationError {
	return newError(KindCancelled, message, nil)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *OrchestrationError {
	return newError(KindInternal, message, err)
}

// KindOf extracts the kind of err. Device errors map to the matching
// orchestration kind; an expired context maps to KindTimeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe.Kind
	}

	switch device.KindOf(err) {
	case device.KindConnection:
		return KindConnection
	case device.KindUnreachable:
		return KindUnreachable
	case device.KindLoad:
		return KindLoad
	case device.KindValidation:
		return KindValidation
	case device.KindTransfer:
		return KindTransfer
	case device.KindInstall:
		return KindInstall
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// FromDeviceError wraps a device or store error as an OrchestrationError
// keeping its kind. OrchestrationErrors pass through unchanged.
func FromDeviceError(message string, err error) *OrchestrationError {
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		return oe
	}
	return newError(KindOf(err), message, err)
}

// IsRetryable reports whether err is a lost or refused connection.
func IsRetryable(err error) bool {
	kind := KindOf(err)
	return kind == KindUnreachable || kind == KindConnection
}

// IsUnreachable returns true if err is an unreachable error.
func IsUnreachable(err error) bool {
	return KindOf(err) == KindUnreachable
}

// IsConnection returns true if err is a connection error.
func IsConnection(err error) bool {
	return KindOf(err) == KindConnection
}

// IsUpgradeTimeout returns true if err is an upgrade timeout error.
func IsUpgradeTimeout(err error) bool {
	return KindOf(err) == KindUpgradeTimeout
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsCancelled returns true if err is a cancelled error.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}
