// Package errors provides the standardized error taxonomy used across the
// acquisition system. Errors are classified as fatal (abort the session or
// pipeline), recoverable (pause and retry with operator involvement), or
// skippable (exclude the offending item and continue). Helper functions wrap
// errors with consistent context and classification.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class represents the handling classification of an error.
type Class int

const (
	// ClassFatal represents unrecoverable errors that abort the current
	// session or pipeline invocation.
	ClassFatal Class = iota
	// ClassRecoverable represents faults that pause the runtime and are
	// retried, automatically or after operator confirmation.
	ClassRecoverable
	// ClassSkip represents per-item faults where the item is excluded and
	// processing continues.
	ClassSkip
)

// String returns the string representation of the error class.
func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassRecoverable:
		return "recoverable"
	case ClassSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Standard error variables for known failure conditions.
var (
	// Runtime setup and state machine errors.
	ErrInsufficientCores  = errors.New("insufficient logical CPU cores")
	ErrAlreadyStarted     = errors.New("runtime already started")
	ErrNotStarted         = errors.New("runtime not started")
	ErrHeartbeatLost      = errors.New("imaging device heartbeat lost")
	ErrRendererTerminated = errors.New("task renderer terminated unexpectedly")
	ErrCueRequestTimeout  = errors.New("cue sequence request timed out")
	ErrUndecomposableCues = errors.New("cue sequence cannot be decomposed into trials")
	ErrRuntimeAborted     = errors.New("runtime aborted by operator")

	// Hardware communication errors.
	ErrModuleUnavailable = errors.New("hardware module unavailable")
	ErrCommandRejected   = errors.New("hardware command rejected")

	// Data integrity and lifecycle errors.
	ErrChecksumMismatch  = errors.New("checksum mismatch after transfer")
	ErrMixedLogDirectory = errors.New("log directory mixes compacted and raw entries")
	ErrNotStack          = errors.New("file is not a multi-page image stack")
	ErrVerificationOff   = errors.New("verification disabled for destination")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsFatal reports whether an error must abort the session or pipeline.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassFatal
	}
	return errors.Is(err, ErrInsufficientCores) ||
		errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrUndecomposableCues) ||
		errors.Is(err, ErrMixedLogDirectory) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrRuntimeAborted)
}

// IsRecoverable reports whether an error should pause the runtime and be
// retried rather than abort it.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassRecoverable
	}
	return errors.Is(err, ErrHeartbeatLost) ||
		errors.Is(err, ErrRendererTerminated) ||
		errors.Is(err, ErrCueRequestTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsSkip reports whether the offending item should be excluded and
// processing should continue.
func IsSkip(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassSkip
	}
	return errors.Is(err, ErrNotStack)
}

// Classify returns the handling class for an error. Unknown errors default
// to fatal: in a data-integrity pipeline, silently continuing past an
// unclassified fault risks data loss.
func Classify(err error) Class {
	switch {
	case IsRecoverable(err):
		return ClassRecoverable
	case IsSkip(err):
		return ClassSkip
	default:
		return ClassFatal
	}
}

// Wrap creates a standardized error with context following the pattern
// "component.operation: action failed: %w".
func Wrap(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, operation, action, err)
}

func newClassified(class Class, err error, component, operation, action string) error {
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, operation, action),
		Component: component,
		Operation: operation,
	}
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassFatal, err, component, operation, action)
}

// WrapRecoverable wraps an error as recoverable with context.
func WrapRecoverable(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassRecoverable, err, component, operation, action)
}

// WrapSkip wraps an error as skippable with context.
func WrapSkip(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return newClassified(ClassSkip, err, component, operation, action)
}
