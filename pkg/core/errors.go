// Package core provides the shared types of the fleetwise optimization
// engine: persisted entities, lifecycle states, scope clauses, classified
// errors, and the notification contract.
package core

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on
	// retry. Examples: datasource timeouts, stale cluster model, DB busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by an external API.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, e.g. a concurrent
	// claim of the same audit by another decision-engine worker.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid audit parameters, unloadable plugin.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassCancelled marks a cooperative cancellation signal. It is
	// not a failure; it propagates through the workflow engine and ends in
	// the CANCELLED state rather than FAILED.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Error is a classified error with optional entity context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the UUID of the audit, plan, or action involved, if any.
	Entity string `json:"entity,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("[%s] %s (entity=%s): %s", e.Class, e.Message, e.Entity, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewCancelledError creates the cooperative cancellation signal.
func NewCancelledError(message string) *Error {
	return &Error{Class: ErrorClassCancelled, Message: message, Code: ErrCodePlanCancelled}
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithEntity adds the UUID of the entity involved.
func (e *Error) WithEntity(uuid string) *Error {
	e.Entity = uuid
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsCancelled reports whether err is the cooperative cancellation signal.
func IsCancelled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassCancelled
	}
	return false
}

// IsRetryable reports whether the operation that produced err may be
// retried. Cancellation is never retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient || e.Class == ErrorClassThrottled ||
			e.Class == ErrorClassConflict
	}
	return false
}

// Error codes used across the engine.
const (
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeClusterStateAbsent = "CLUSTER_STATE_NOT_DEFINED"
	ErrCodeClusterStateStale  = "CLUSTER_STATE_STALE"
	ErrCodeParameterInvalid   = "AUDIT_PARAMETER_INVALID"
	ErrCodePlanCancelled      = "ACTION_PLAN_CANCELLED"
	ErrCodeActionExecution    = "ACTION_EXECUTION_FAILURE"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodePersistence        = "PERSISTENCE_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeJobExists          = "JOB_ALREADY_EXISTS"
	ErrCodeInternal           = "INTERNAL_ERROR"
)
