// Package errors provides the service error type shared by handlers and
// middleware. A ServiceError carries a stable code, a user-facing message and
// the HTTP status it maps to.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine readable error identifier.
type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeValidation   ErrorCode = "VALIDATION_ERROR"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeForbidden    ErrorCode = "FORBIDDEN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeRateLimited  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeTooLarge     ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeUpstream     ErrorCode = "UPSTREAM_ERROR"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error with an HTTP mapping.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns a copy of e with key set in Details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	clone := *e
	clone.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// BadRequest reports a malformed request.
func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, message, nil)
}

// Validation reports a field that failed validation.
func Validation(field, message string) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, nil).WithDetails("field", field)
}

// Unauthorized reports a missing or unusable session.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "unauthorized"
	}
	return newError(CodeUnauthorized, http.StatusUnauthorized, message, nil)
}

// InvalidToken reports an access token that failed verification.
func InvalidToken(err error) *ServiceError {
	return newError(CodeInvalidToken, http.StatusUnauthorized, "invalid or expired token", err)
}

// Forbidden reports an authenticated caller without access.
func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *ServiceError {
	msg := resource + " not found"
	if id != "" {
		msg = fmt.Sprintf("%s %q not found", resource, id)
	}
	return newError(CodeNotFound, http.StatusNotFound, msg, nil)
}

// Conflict reports a resource that already exists.
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, nil)
}

// RateLimitExceeded reports a throttled client.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// TooLarge reports a request body over the configured limit.
func TooLarge(limit int64) *ServiceError {
	return newError(CodeTooLarge, http.StatusRequestEntityTooLarge, "payload too large", nil).
		WithDetails("limit_bytes", limit)
}

// Upstream reports a failure of the hosted platform.
func Upstream(message string, err error) *ServiceError {
	return newError(CodeUpstream, http.StatusBadGateway, message, err)
}

// Internal reports an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus returns the status err maps to, defaulting to 500.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is reports whether err is a ServiceError with the given code.
func Is(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}
