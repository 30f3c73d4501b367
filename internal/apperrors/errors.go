package apperrors

import (
	"errors"
	"fmt"
)

// Machine-readable error codes persisted on failed scans and surfaced in
// API responses.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeScanNotFound    = "SCAN_NOT_FOUND"
	CodeDuplicate       = "DUPLICATE_SCAN"
	CodeTimeout         = "TIMEOUT"
	CodeImageNotFound   = "IMAGE_NOT_FOUND"
	CodeInvalidImage    = "INVALID_IMAGE"
	CodePullFailed      = "PULL_FAILED"
	CodeAuthFailed      = "AUTH_FAILED"
	CodeTrivyError      = "TRIVY_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
	CodeDatabase        = "DATABASE_ERROR"
	CodeDatabaseTx      = "DATABASE_TRANSACTION_ERROR"
	CodeRateLimited     = "RATE_LIMIT_EXCEEDED"
)

// permanentCodes never become retry-eligible. PULL_FAILED stays out even for
// auth-flavored pull failures, matching the retry-candidate query.
var permanentCodes = map[string]bool{
	CodeImageNotFound: true,
	CodeInvalidImage:  true,
	CodeAuthFailed:    true,
}

// IsPermanent reports whether a failure with this code must never be retried.
func IsPermanent(code string) bool {
	return permanentCodes[code]
}

// Error is the domain error carried across service, worker and API layers.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a domain error with the given code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error wrapping an underlying cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail attaches a context value and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the domain code from an error chain, defaulting to
// INTERNAL_ERROR for unclassified errors.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Validation is a convenience constructor for client input errors.
func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// NotFound is a convenience constructor for lookup misses.
func NotFound(scanID string) *Error {
	return New(CodeScanNotFound, fmt.Sprintf("scan %s not found", scanID)).WithDetail("scan_id", scanID)
}
