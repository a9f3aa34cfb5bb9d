// Package errs implements the error taxonomy from spec.md §7. Each kind is
// a distinguishable sentinel-wrapped error, following the teacher's style
// of plain fmt.Errorf wrapping (see primitives.StateConfig.Validate) rather
// than a custom error framework.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a taxonomy entry without binding to an error message.
type Kind string

const (
	KindAssertionFailure   Kind = "AssertionFailure"
	KindTransitionMisuse   Kind = "TransitionMisuse"
	KindDuplicateMachineID Kind = "DuplicateMachineId"
	KindEventTypeMismatch  Kind = "EventTypeMismatch"
	KindUnhandledEvent     Kind = "UnhandledEvent"
	KindMustHandleViolation Kind = "MustHandleViolation"
	KindLivenessViolation  Kind = "LivenessViolation"
	KindExecutionCanceled  Kind = "ExecutionCanceled"
)

// Error is the taxonomy's concrete error type. Machine/monitor ids are
// carried as strings (already formatted via MachineID.String()) to keep
// this package free of a dependency on the event package.
type Error struct {
	Kind        Kind
	Message     string
	MachineID   string
	TraceOffset int
	Cause       error
}

func (e *Error) Error() string {
	if e.MachineID != "" {
		return fmt.Sprintf("%s: %s (machine=%s)", e.Kind, e.Message, e.MachineID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, machineID string, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), MachineID: machineID}
}

func AssertionFailure(machineID, format string, args ...any) *Error {
	return newErr(KindAssertionFailure, machineID, format, args...)
}

func TransitionMisuse(machineID, format string, args ...any) *Error {
	return newErr(KindTransitionMisuse, machineID, format, args...)
}

func DuplicateMachineID(machineID, format string, args ...any) *Error {
	return newErr(KindDuplicateMachineID, machineID, format, args...)
}

func EventTypeMismatch(machineID, format string, args ...any) *Error {
	return newErr(KindEventTypeMismatch, machineID, format, args...)
}

func UnhandledEvent(machineID, format string, args ...any) *Error {
	return newErr(KindUnhandledEvent, machineID, format, args...)
}

func MustHandleViolation(machineID, format string, args ...any) *Error {
	return newErr(KindMustHandleViolation, machineID, format, args...)
}

func LivenessViolation(machineID, format string, args ...any) *Error {
	return newErr(KindLivenessViolation, machineID, format, args...)
}

// ExecutionCanceled is the one kind that must never be surfaced as a bug;
// callers that see it must propagate it, not catch it as a user error.
func ExecutionCanceled() *Error {
	return &Error{Kind: KindExecutionCanceled, Message: "execution canceled"}
}

// IsKind reports whether err (or something it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
