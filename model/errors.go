package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrUnauthorized      = "UNAUTHORIZED"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrPersistence       = "PERSISTENCE_ERROR"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Workflow- and approval-specific error codes.
const (
	ErrAlreadyExpired = "ALREADY_EXPIRED"
	ErrNotPaused      = "NOT_PAUSED"
	ErrStageProcessor = "STAGE_PROCESSOR_ERROR"
)

// ErrorEnvelope is the standard typed error returned by cadence operations.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsCode reports whether err is an *ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee.Code == code
	}
	return false
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidTransition, Message: msg}
}

// NewPersistenceError returns a PERSISTENCE_ERROR wrapping a store failure.
func NewPersistenceError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPersistence, Message: msg}
}

// NewAlreadyExpiredError returns an ALREADY_EXPIRED error. It covers any
// decision attempted against a non-pending or past-deadline approval request.
func NewAlreadyExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAlreadyExpired, Message: msg}
}

// NewNotPausedError returns a NOT_PAUSED error.
func NewNotPausedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotPaused, Message: msg}
}

// NewStageProcessorError returns a STAGE_PROCESSOR_ERROR wrapping a failure
// surfaced by the external stage processor.
func NewStageProcessorError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrStageProcessor, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
