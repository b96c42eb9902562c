package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrInternal                = errors.New("internal error")
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrInvalidToken            = errors.New("invalid token")
	ErrInvalidPassword         = errors.New("invalid password")
)

// AppError represents an application error with a wire-stable code
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Common error constructors

// Internal marks an unspecified internal failure.
func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// InternalWrap attaches a cause to an internal failure.
func InternalWrap(err error, message string) *AppError {
	return &AppError{
		Err:        fmt.Errorf("%w: %w", ErrInternal, err),
		Code:       "ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// InvalidArgument marks malformed input or a reference to an unknown entity.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Err:        ErrInvalidArgument,
		Code:       "INVALID_ARGUMENT",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// InsufficientPermissions marks an authorization gate denial.
func InsufficientPermissions(message string) *AppError {
	return &AppError{
		Err:        ErrInsufficientPermissions,
		Code:       "INSUFFICIENT_PERMISSIONS",
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

// InvalidToken marks an absent or expired bearer token.
func InvalidToken() *AppError {
	return &AppError{
		Err:        ErrInvalidToken,
		Code:       "INVALID_TOKEN",
		Message:    "token is missing or expired",
		StatusCode: http.StatusUnauthorized,
	}
}

// InvalidPassword marks a rejected authentication attempt.
func InvalidPassword() *AppError {
	return &AppError{
		Err:        ErrInvalidPassword,
		Code:       "INVALID_PASSWORD",
		Message:    "invalid user or password",
		StatusCode: http.StatusUnauthorized,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
