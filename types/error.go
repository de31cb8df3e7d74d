package types

import "fmt"

// ErrorSource attributes an error to the party responsible for it.
type ErrorSource string

const (
	SourceClient   ErrorSource = "client"
	SourceUpstream ErrorSource = "upstream"
	SourceGateway  ErrorSource = "gateway"
	SourcePolicy   ErrorSource = "policy"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Client error codes
const (
	ErrBadRequest      ErrorCode = "BAD_REQUEST"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrForbidden       ErrorCode = "FORBIDDEN"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrRequestTooLarge ErrorCode = "REQUEST_TOO_LARGE"
)

// Policy error codes
const (
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	ErrIPNotAllowed    ErrorCode = "IP_NOT_ALLOWED"
	ErrModelNotAllowed ErrorCode = "MODEL_NOT_ALLOWED"
)

// Upstream error codes
const (
	ErrUpstreamTimeout          ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstream4xx              ErrorCode = "UPSTREAM_4XX"
	ErrUpstream5xx              ErrorCode = "UPSTREAM_5XX"
	ErrUpstreamStreamBroken     ErrorCode = "UPSTREAM_STREAM_BROKEN"
	ErrUpstreamCircuitOpen      ErrorCode = "UPSTREAM_CIRCUIT_OPEN"
	ErrUpstreamDomainNotAllowed ErrorCode = "UPSTREAM_DOMAIN_NOT_ALLOWED"
)

// Gateway error codes
const (
	ErrNoAvailableUpstream  ErrorCode = "NO_AVAILABLE_UPSTREAM"
	ErrTemplateRenderFailed ErrorCode = "TEMPLATE_RENDER_FAILED"
	ErrStepTimeout          ErrorCode = "STEP_TIMEOUT"
	ErrInternal             ErrorCode = "INTERNAL"
)

// Error represents a structured gateway error with source attribution.
type Error struct {
	Source     ErrorSource `json:"source"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	HTTPStatus int         `json:"http_status,omitempty"`
	Retryable  bool        `json:"retryable"`
	RetryAfter int         `json:"retry_after,omitempty"`
	Cause      error       `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Source, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Source, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given source, code and message.
func NewError(source ErrorSource, code ErrorCode, message string) *Error {
	return &Error{Source: source, Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets the retry-after hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// HTTPStatusFor maps a canonical error code to its HTTP status.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrBadRequest, ErrRequestTooLarge:
		return 400
	case ErrUnauthorized:
		return 401
	case ErrForbidden, ErrIPNotAllowed, ErrModelNotAllowed, ErrQuotaExceeded:
		return 403
	case ErrNotFound:
		return 404
	case ErrRateLimited:
		return 429
	case ErrUpstream4xx, ErrUpstream5xx, ErrUpstreamStreamBroken,
		ErrUpstreamCircuitOpen, ErrUpstreamDomainNotAllowed, ErrNoAvailableUpstream:
		return 502
	case ErrUpstreamTimeout, ErrStepTimeout:
		return 504
	default:
		return 500
	}
}
