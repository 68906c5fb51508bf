package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents an attrscope error code.
type ErrorCode string

const (
	ErrInvalidRequest   ErrorCode = "INVALID_REQUEST"   // 400
	ErrNotFound         ErrorCode = "NOT_FOUND"         // 404
	ErrFileNotFound     ErrorCode = "FILE_NOT_FOUND"    // 404
	ErrConflict         ErrorCode = "CONFLICT"          // 409
	ErrCaptureTooLarge  ErrorCode = "CAPTURE_TOO_LARGE" // 413
	ErrReconcileTimeout ErrorCode = "RECONCILE_TIMEOUT" // 504
	ErrInternal         ErrorCode = "INTERNAL"          // 500
)

// ScopeError represents a structured error with code, status, and details.
type ScopeError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *ScopeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ScopeError {
	return &ScopeError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing session resource.
func NewNotFound(identifier string) *ScopeError {
	return &ScopeError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewFileNotFound creates a 404 error for a capture file that does not exist.
func NewFileNotFound(path string) *ScopeError {
	return &ScopeError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("capture file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewCaptureTooLarge creates a 413 error when a capture file exceeds the configured size.
func NewCaptureTooLarge(max, actual int64) *ScopeError {
	return &ScopeError{
		Code:    ErrCaptureTooLarge,
		Status:  413,
		Message: fmt.Sprintf("capture exceeds maximum size: %d bytes (max %d)", actual, max),
		Details: map[string]any{"max_bytes": max, "actual_bytes": actual},
	}
}

// NewReconcileTimeout creates a 504 error when an explicit pass did not finish in time.
func NewReconcileTimeout(err error) *ScopeError {
	return &ScopeError{
		Code:    ErrReconcileTimeout,
		Status:  504,
		Message: fmt.Sprintf("reconciliation did not complete: %v", err),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *ScopeError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &ScopeError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a ScopeError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *ScopeError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// As returns the ScopeError in err's chain, if any.
func As(err error) (*ScopeError, bool) {
	var sErr *ScopeError
	if stderrors.As(err, &sErr) {
		return sErr, true
	}
	return nil, false
}
