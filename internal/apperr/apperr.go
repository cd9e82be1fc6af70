// Package apperr provides the daemon's closed error taxonomy. Every
// fallible operation returns either a value or an *Error carrying one of
// a fixed set of codes; no component panics across a package boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a closed enumeration of error kinds. New kinds must not be
// added without updating every switch that exhaustively matches Code.
type Code string

const (
	TaskNotFound            Code = "TaskNotFound"
	InvalidOperation        Code = "InvalidOperation"
	TaskCannotCancel        Code = "TaskCannotCancel"
	QueueFull               Code = "QueueFull"
	WorkerNotFound          Code = "WorkerNotFound"
	WorkerSpawnFailed       Code = "WorkerSpawnFailed"
	ProcessKillFailed       Code = "ProcessKillFailed"
	InsufficientResources   Code = "InsufficientResources"
	TaskTimeout             Code = "TaskTimeout"
	SystemError             Code = "SystemError"
	ResourceMonitoringFailed Code = "ResourceMonitoringFailed"
)

// Error is the structured error carried across the event bus and
// repository boundaries. It never wraps a panic; lower-layer exceptions
// are converted to one of these at the boundary that observes them.
type Error struct {
	Code    Code
	Message string
	Context map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with no context.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap converts a lower-layer error into an *Error of the given code,
// preserving it as the unwrap cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithContext returns a copy of e carrying the given key-value context.
func (e *Error) WithContext(kv map[string]any) *Error {
	cp := *e
	cp.Context = kv
	return &cp
}

// Is reports whether target is an *Error with the same Code, satisfying
// errors.Is semantics for code-based comparisons.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error,
// defaulting to SystemError for anything unclassified.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return SystemError
}

// AsSystemError converts any error without an existing Code into a
// SystemError, leaving already-classified errors untouched. Boundaries
// (repository methods, handler entry points) use this as the last
// line of defense against an unclassified exception escaping.
func AsSystemError(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(SystemError, err.Error(), err)
}
