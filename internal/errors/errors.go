package errors

import (
	"errors"
	"fmt"
	"time"
)

// RecallError is the structured error type for chatrecall.
// It provides rich context for error handling, logging, and degradation
// decisions (retry vs. degrade vs. abort).
type RecallError struct {
	// Code is the unique error code (e.g., "ERR_301_RATE_LIMITED").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Provider, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *RecallError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *RecallError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *RecallError) Is(target error) bool {
	if t, ok := target.(*RecallError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new RecallError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *RecallError {
	return &RecallError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a RecallError from an existing error.
// The error's message becomes the RecallError message.
func Wrap(code string, err error) *RecallError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *RecallError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// CapabilityError creates a fatal missing-capability wiring error.
// Raised at startup only, never per-request.
func CapabilityError(message string) *RecallError {
	return New(ErrCodeCapabilityMissing, message, nil)
}

// StorageError creates a message-store or index persistence error.
func StorageError(message string, cause error) *RecallError {
	return New(ErrCodeStoreIO, message, cause)
}

// MalformedResponseError creates an error for unparseable provider output.
// Callers must degrade to a safe default rather than fail.
func MalformedResponseError(message string, cause error) *RecallError {
	return New(ErrCodeMalformedResponse, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *RecallError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *RecallError {
	return New(ErrCodeInternal, message, cause)
}

// RateLimitError signals that a provider rejected a call due to rate
// limiting. RetryAfter carries the provider-suggested pause, or zero if
// the provider gave none.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("[%s] %s rate limited, retry after %s", ErrCodeRateLimited, e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("[%s] %s rate limited", ErrCodeRateLimited, e.Provider)
}

// Unwrap returns the underlying cause.
func (e *RateLimitError) Unwrap() error {
	return e.Cause
}

// AsRateLimit extracts a RateLimitError from an error chain.
func AsRateLimit(err error) (*RateLimitError, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
// Rate-limit errors are always retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsRateLimit(err); ok {
		return true
	}
	var re *RecallError
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var re *RecallError
	if errors.As(err, &re) {
		return re.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a RecallError.
// Returns empty string if not a RecallError.
func GetCode(err error) string {
	var re *RecallError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
