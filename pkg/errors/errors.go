package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// Presence and mesh codes.
	ErrCodeAlreadyInRoom         ErrorCode = "ALREADY_IN_ROOM"
	ErrCodeNotInRoom             ErrorCode = "NOT_IN_ROOM"
	ErrCodeNegotiationFailed     ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeMediaUnavailable      ErrorCode = "MEDIA_UNAVAILABLE"
	ErrCodeTransportDisconnected ErrorCode = "TRANSPORT_DISCONNECTED"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Recoverable reports whether the caller may retry or ignore the error
// without tearing anything down.
func (e *AppError) Recoverable() bool {
	switch e.Code {
	case ErrCodeAlreadyInRoom, ErrCodeNotInRoom, ErrCodeInvalidInput, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeRateLimit:
		return true
	}
	return false
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// StatusForCode is the HTTP status an error code is served with.
func StatusForCode(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeConflict, ErrCodeAlreadyInRoom, ErrCodeNotInRoom:
		return http.StatusConflict
	case ErrCodeRateLimit:
		return http.StatusTooManyRequests
	case ErrCodeNegotiationFailed:
		return http.StatusBadGateway
	case ErrCodeServiceUnavailable, ErrCodeMediaUnavailable, ErrCodeTransportDisconnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromCode rebuilds an error received as a code and message, such as a
// signaling error envelope.
func FromCode(code ErrorCode, message string) *AppError {
	return NewAppError(code, message, StatusForCode(code))
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return NewAppError(ErrCodeConflict, message, http.StatusConflict)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

func NewAlreadyInRoomError(cause error) *AppError {
	return WrapError(cause, ErrCodeAlreadyInRoom, "connection is already in a room", http.StatusConflict)
}

func NewNotInRoomError(cause error) *AppError {
	return WrapError(cause, ErrCodeNotInRoom, "connection is not in a room", http.StatusConflict)
}

func NewNegotiationFailedError(cause error) *AppError {
	return WrapError(cause, ErrCodeNegotiationFailed, "media negotiation failed", http.StatusBadGateway)
}

func NewMediaUnavailableError(cause error) *AppError {
	return WrapError(cause, ErrCodeMediaUnavailable, "local media is unavailable", http.StatusServiceUnavailable)
}

func NewTransportDisconnectedError(cause error) *AppError {
	return WrapError(cause, ErrCodeTransportDisconnected, "signaling transport disconnected", http.StatusServiceUnavailable)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
