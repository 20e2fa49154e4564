package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates malformed input, reported before any I/O
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates a conflict with existing data or an
	// action that is not valid for the current visit status
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeAuthorizationRefused indicates the insurer returned a
	// non-allowed authorization status
	ErrorTypeAuthorizationRefused ErrorType = "AUTHORIZATION_REFUSED"

	// ErrorTypeAuthorizationUnavailable indicates the insurer could not be
	// reached, timed out, or a token could not be obtained
	ErrorTypeAuthorizationUnavailable ErrorType = "AUTHORIZATION_UNAVAILABLE"

	// ErrorTypePersistence indicates the record store failed to commit
	ErrorTypePersistence ErrorType = "PERSISTENCE"

	// ErrorTypeInvariantViolation indicates a programming or data error such
	// as a transition out of a terminal state
	ErrorTypeInvariantViolation ErrorType = "INVARIANT_VIOLATION"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeExternal indicates an error from external service
	ErrorTypeExternal ErrorType = "EXTERNAL"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	// Details carries caller-visible context, e.g. the authorization status
	// and responder remarks of a refusal.
	Details map[string]string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a caller-visible detail and returns the same error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewAuthorizationRefusedError creates an error for a non-allowed insurer verdict
func NewAuthorizationRefusedError(message, status, remarks string) *AppError {
	err := &AppError{
		Type:    ErrorTypeAuthorizationRefused,
		Message: message,
	}
	err.WithDetail("status", status)
	if remarks != "" {
		err.WithDetail("remarks", remarks)
	}
	return err
}

// NewAuthorizationUnavailableError creates an error for insurer connectivity failures
func NewAuthorizationUnavailableError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeAuthorizationUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewPersistenceError creates an error for a failed store commit
func NewPersistenceError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypePersistence,
		Message: message,
		Err:     err,
	}
}

// NewInvariantViolationError creates an invariant violation error
func NewInvariantViolationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInvariantViolation,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Message: message,
		Err:     err,
	}
}

// TypeOf returns the ErrorType of the first AppError in err's chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType reports whether err carries an AppError of the given type
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Type == t
}

// As returns the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}
