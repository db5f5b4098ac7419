// Package apierr defines the error taxonomy shared by the session core and
// the HTTP surface, and maps each kind to a status code and machine code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NotFoundError reports an unknown or expired session.
type NotFoundError struct {
	SessionID string
	Expired   bool
}

func (e *NotFoundError) Error() string {
	if e.Expired {
		return fmt.Sprintf("session %s expired or does not exist", e.SessionID)
	}
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// BusyError reports that another turn holds the session lock.
type BusyError struct {
	SessionID  string
	RetryAfter time.Duration
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("session %s is busy, retry after %s", e.SessionID, e.RetryAfter)
}

// PersistenceError wraps a disk or object-store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// ExecutionFault wraps a failure raised by the execution engine.
type ExecutionFault struct {
	Err error
}

func (e *ExecutionFault) Error() string { return fmt.Sprintf("execution fault: %v", e.Err) }
func (e *ExecutionFault) Unwrap() error { return e.Err }

func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func NotFound(sessionID string) error {
	return &NotFoundError{SessionID: sessionID}
}

func Expired(sessionID string) error {
	return &NotFoundError{SessionID: sessionID, Expired: true}
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	var (
		ve *ValidationError
		nf *NotFoundError
		be *BusyError
	)

	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &be):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// Code maps err to a stable machine-readable code.
func Code(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		be *BusyError
		pe *PersistenceError
		ef *ExecutionFault
	)

	switch {
	case errors.As(err, &ve):
		return "invalid_request"
	case errors.As(err, &nf):
		if nf.Expired {
			return "session_expired"
		}
		return "session_not_found"
	case errors.As(err, &be):
		return "session_busy"
	case errors.As(err, &pe):
		return "persistence_error"
	case errors.As(err, &ef):
		return "execution_error"
	default:
		return "internal_error"
	}
}

// Type returns the taxonomy name reported in error bodies.
func Type(err error) string {
	var (
		ve *ValidationError
		nf *NotFoundError
		be *BusyError
		pe *PersistenceError
		ef *ExecutionFault
	)

	switch {
	case errors.As(err, &ve):
		return "ValidationError"
	case errors.As(err, &nf):
		return "NotFoundError"
	case errors.As(err, &be):
		return "BusyError"
	case errors.As(err, &pe):
		return "PersistenceError"
	case errors.As(err, &ef):
		return "ExecutionError"
	default:
		return "InternalError"
	}
}
