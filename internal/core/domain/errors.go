// Package domain provides the manifest, configuration and error types shared
// by the runtime.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates a missing or insufficient identity.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict indicates a precondition or state conflict.
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrNotFound is returned by stores and registries for missing entries.
var ErrNotFound = errors.New("not found")

// APIError is an error that carries the HTTP status it should surface as.
type APIError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeConflict:
		return http.StatusConflict
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Is lets errors.Is(err, ErrNotFound) match not-found API errors.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Type == ErrorTypeNotFound
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{Type: errType, Message: message}
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(format string, args ...any) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, fmt.Sprintf(format, args...))
}

// ErrUnauthorized creates an authentication error.
func ErrUnauthorized(format string, args ...any) *APIError {
	return NewAPIError(ErrorTypeAuthentication, fmt.Sprintf(format, args...))
}

// NotFound creates a not found error.
func NotFound(format string, args ...any) *APIError {
	return NewAPIError(ErrorTypeNotFound, fmt.Sprintf(format, args...))
}

// ConfigError is a fatal problem in a tenant's configuration or in a
// manifest it references. It fails the tenant load.
type ConfigError struct {
	// Source is the config location or manifest source at fault.
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error in %s: %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err as a configuration error for source.
func NewConfigError(source string, format string, args ...any) *ConfigError {
	return &ConfigError{Source: source, Err: fmt.Errorf(format, args...)}
}

// IsNotFound reports whether err means "not found".
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfigError reports whether err is a configuration error.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// StatusForError maps an error to the HTTP status a client sees. Anything
// unclassified is a 500.
func StatusForError(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode()
	}
	if IsNotFound(err) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
