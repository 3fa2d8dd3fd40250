// Package engine provides the core types, query planner, and execution pipeline
// for the focusbridge automation engine.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a caller or programmer error that will fail
	// the same way on every attempt.
	// Examples: unserializable parameters, invalid operations, policy denials.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// These errors never reach the bridge; outcomes of a bridge call are
// reported through TypedResult instead.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Entity is the entity class of the failing operation, if applicable.
	Entity EntityClass `json:"entity,omitempty"`

	// Operation is the ID of the operation being executed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Entity != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (entity=%s, operation=%s)", msg, e.Entity, e.Operation)
	} else if e.Entity != "" {
		msg = fmt.Sprintf("%s (entity=%s)", msg, e.Entity)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// NewCompositionError reports a parameter that cannot be safely written
// into the target script's literal syntax.
func NewCompositionError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeComposition)
}

// WithEntity adds entity class context to an error.
func (e *EngineError) WithEntity(entity EntityClass) *EngineError {
	e.Entity = entity
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operationID string) *EngineError {
	e.Operation = operationID
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// HasCode reports whether err is an EngineError carrying code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeComposition  = "COMPOSITION_ERROR"
	ErrCodePolicyDenied = "POLICY_DENIED"
	ErrCodeInternal     = "INTERNAL_ERROR"
)
