// Package apperrors defines the error taxonomy shared by the service layer
// and the HTTP handlers. Every kind maps to one HTTP status.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel kinds.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrProvider        = errors.New("provider error")
	ErrTransient       = errors.New("transient failure")
	ErrInternal        = errors.New("internal error")
)

// AppError carries an error kind, a merchant-safe message, and the HTTP
// status it surfaces as.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target matches this error's kind.
func (e *AppError) Is(target error) bool {
	if t, ok := target.(*AppError); ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// InvalidInput creates a 400 error for malformed or unacceptable input.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:       "INVALID_INPUT",
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        ErrInvalidInput,
	}
}

// Unauthenticated creates a 401 error for missing or invalid credentials.
func Unauthenticated(message string) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return &AppError{
		Code:       "UNAUTHENTICATED",
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Err:        ErrUnauthenticated,
	}
}

// Forbidden creates a 403 error for tenancy mismatches.
func Forbidden(message string) *AppError {
	if message == "" {
		message = "access denied"
	}
	return &AppError{
		Code:       "FORBIDDEN",
		Message:    message,
		StatusCode: http.StatusForbidden,
		Err:        ErrForbidden,
	}
}

// NotFound creates a 404 error for an unknown token or provider.
func NotFound(resource string) *AppError {
	return &AppError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}

// Provider creates a 502 error for a failed or malformed provider response.
func Provider(message string, err error) *AppError {
	return &AppError{
		Code:       "PROVIDER_ERROR",
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Err:        errors.Join(ErrProvider, err),
	}
}

// Transient creates a 503 error for retryable infrastructure failures.
func Transient(message string, err error) *AppError {
	if message == "" {
		message = "service temporarily unavailable"
	}
	return &AppError{
		Code:       "TRANSIENT",
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        errors.Join(ErrTransient, err),
	}
}

// Internal creates a 500 error for unexpected failures.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        errors.Join(ErrInternal, err),
	}
}

// GetStatusCode returns the HTTP status for an error, defaulting to 500.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GetCode returns the taxonomy code for an error, defaulting to
// INTERNAL_ERROR.
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsProvider checks if the error is a provider error.
func IsProvider(err error) bool {
	return errors.Is(err, ErrProvider)
}
