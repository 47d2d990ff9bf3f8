package types

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes pool and upstream errors.
type ErrorCode string

const (
	ErrCodeUnknown             ErrorCode = "unknown"
	ErrCodeNotFound            ErrorCode = "not_found"
	ErrCodeInvalidRequest      ErrorCode = "invalid_request"
	ErrCodeTruncatedCredential ErrorCode = "truncated_credential"
	ErrCodeNoUsableCredential  ErrorCode = "no_usable_credential"
	ErrCodeAllDisabled         ErrorCode = "all_disabled"
	ErrCodeCredentialExpired   ErrorCode = "credential_expired"
	ErrCodePermissionDenied    ErrorCode = "permission_denied"
	ErrCodeRateLimited         ErrorCode = "rate_limited"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeRefreshFailed       ErrorCode = "refresh_failed"
	ErrCodeStillExpired        ErrorCode = "still_expired_after_refresh"
	ErrCodeNetwork             ErrorCode = "network"
	ErrCodeStore               ErrorCode = "store"
)

// PoolError is the standardized error raised by the credential pool core.
type PoolError struct {
	Code        ErrorCode // Categorized error code
	Message     string    // Human-readable message
	StatusCode  int       // Upstream HTTP status code (0 if not applicable)
	Operation   string    // What operation failed (e.g. "refresh", "usage_limits")
	OriginalErr error     // Wrapped original error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status=%d, code=%s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("%s (code=%s)", e.Message, e.Code)
}

// Unwrap returns the original error for errors.Is/As.
func (e *PoolError) Unwrap() error {
	return e.OriginalErr
}

// IsUpstream reports whether the error originated from an upstream call
// (refresh or usage endpoint) rather than from local state or validation.
func (e *PoolError) IsUpstream() bool {
	switch e.Code {
	case ErrCodeCredentialExpired, ErrCodePermissionDenied, ErrCodeRateLimited,
		ErrCodeUpstreamUnavailable, ErrCodeRefreshFailed, ErrCodeNetwork:
		return true
	}
	return false
}

// IsRetryable reports whether the error is potentially recoverable by
// trying another credential or retrying later.
func (e *PoolError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimited, ErrCodeUpstreamUnavailable, ErrCodeNetwork, ErrCodeStillExpired:
		return true
	}
	return false
}

// WithOperation sets the operation field and returns the error for chaining.
func (e *PoolError) WithOperation(operation string) *PoolError {
	e.Operation = operation
	return e
}

// WithStatusCode sets the status code field and returns the error for chaining.
func (e *PoolError) WithStatusCode(statusCode int) *PoolError {
	e.StatusCode = statusCode
	return e
}

// WithOriginalErr sets the original error field and returns the error for chaining.
func (e *PoolError) WithOriginalErr(err error) *PoolError {
	e.OriginalErr = err
	return e
}

// NewPoolError creates a new PoolError.
func NewPoolError(code ErrorCode, message string) *PoolError {
	return &PoolError{Code: code, Message: message}
}

// NewNotFoundError creates an error for an unknown credential id.
func NewNotFoundError(id int64) *PoolError {
	return &PoolError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("credential #%d not found", id),
	}
}

// NewInvalidRequestError creates a validation error.
func NewInvalidRequestError(message string) *PoolError {
	return &PoolError{Code: ErrCodeInvalidRequest, Message: message}
}

// NewStoreError wraps a persistence failure.
func NewStoreError(operation string, err error) *PoolError {
	return &PoolError{
		Code:        ErrCodeStore,
		Message:     fmt.Sprintf("store %s failed", operation),
		Operation:   operation,
		OriginalErr: err,
	}
}

// NewNetworkError wraps a transport-level upstream failure.
func NewNetworkError(operation string, err error) *PoolError {
	return &PoolError{
		Code:        ErrCodeNetwork,
		Message:     "network error calling upstream",
		Operation:   operation,
		OriginalErr: err,
	}
}

// ClassifyRefreshStatus maps an upstream HTTP status to an error code,
// for refresh and usage-limits calls alike.
func ClassifyRefreshStatus(statusCode int) ErrorCode {
	switch {
	case statusCode == 401:
		return ErrCodeCredentialExpired
	case statusCode == 403:
		return ErrCodePermissionDenied
	case statusCode == 429:
		return ErrCodeRateLimited
	case statusCode >= 500 && statusCode <= 599:
		return ErrCodeUpstreamUnavailable
	default:
		return ErrCodeRefreshFailed
	}
}

// ErrCode extracts the ErrorCode from any error, unwrapping as needed.
// Returns ErrCodeUnknown for non-pool errors.
func ErrCode(err error) ErrorCode {
	var pe *PoolError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeUnknown
}
