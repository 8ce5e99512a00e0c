package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers
// while keeping the underlying cause for diagnostics.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Field      string `json:"field,omitempty"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// Is matches AppErrors by code so wrapped copies compare equal to their sentinel.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a caller-facing message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// WithField returns a copy of the AppError scoped to a specific input field.
func (e *AppError) WithField(field string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Field = field
	return &cpy
}

// Remote-call error classes. TransientNetwork and Timeout are the only classes the
// resilient caller retries; everything else propagates to the caller unchanged.
var (
	ErrTransientNetwork = &AppError{
		Code:       "TRANSIENT_NETWORK_ERROR",
		Message:    "A network problem interrupted the request",
		StatusCode: http.StatusBadGateway,
	}

	ErrTimeout = &AppError{
		Code:       "TIMEOUT",
		Message:    "The request took too long to complete",
		StatusCode: http.StatusGatewayTimeout,
	}

	ErrAuth = &AppError{
		Code:       "AUTH_ERROR",
		Message:    "Authentication with the remote service failed",
		StatusCode: http.StatusUnauthorized,
	}

	ErrValidation = &AppError{
		Code:       "VALIDATION_ERROR",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	// ErrInconsistentState marks the known two-step registration gap: credentials
	// were created but the voter record was not. There is no automatic
	// compensation; the caller is told to retry completing registration.
	ErrInconsistentState = &AppError{
		Code:       "INCONSISTENT_STATE",
		Message:    "Your account was created but registration did not finish. Please retry completing your registration; do not create a new account.",
		StatusCode: http.StatusConflict,
	}

	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimit = &AppError{
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "Too many requests, please slow down",
		StatusCode: http.StatusTooManyRequests,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewValidation reports a field-scoped local precondition failure.
func NewValidation(field, message string) *AppError {
	return &AppError{
		Code:       ErrValidation.Code,
		Message:    message,
		StatusCode: ErrValidation.StatusCode,
		Field:      field,
	}
}

// FromStatus classifies an HTTP response status into the remote error taxonomy.
func FromStatus(status int, message string) *AppError {
	base := classify(status)
	if message == "" {
		return base
	}
	return base.WithMessage(message)
}

func classify(status int) *AppError {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		return ErrTransientNetwork
	}
}

// IsRetryable reports whether a remote call that produced err is worth repeating.
// Authentication and validation failures never are; everything else (network,
// timeout, server-side 5xx) is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if !errors.As(err, &appErr) {
		return true
	}

	switch appErr.Code {
	case ErrAuth.Code, ErrUnauthorized.Code, ErrValidation.Code, ErrBadRequest.Code:
		return false
	}
	return true
}
