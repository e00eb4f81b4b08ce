// Package errors provides structured error handling for chatrecall.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (SQLite, vector index)
//   - 3XX: Provider errors (embedder, judge, vector store backends)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates message store and index persistence errors.
	CategoryStorage Category = "STORAGE"
	// CategoryProvider indicates embedder/judge/vector-backend errors.
	CategoryProvider Category = "PROVIDER"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound    = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid     = "ERR_102_CONFIG_INVALID"
	ErrCodeCapabilityMissing = "ERR_103_CAPABILITY_MISSING"

	// Storage errors (200-299)
	ErrCodeStoreIO      = "ERR_201_STORE_IO"
	ErrCodeCorruptIndex = "ERR_202_CORRUPT_INDEX"
	ErrCodeCursorState  = "ERR_203_CURSOR_STATE"

	// Provider errors (300-399)
	ErrCodeRateLimited         = "ERR_301_RATE_LIMITED"
	ErrCodeProviderTimeout     = "ERR_302_PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable = "ERR_303_PROVIDER_UNAVAILABLE"
	ErrCodeMalformedResponse   = "ERR_304_MALFORMED_RESPONSE"

	// Validation errors (400-499)
	ErrCodeInvalidInput        = "ERR_401_INVALID_INPUT"
	ErrCodeDimensionMismatch   = "ERR_402_DIMENSION_MISMATCH"
	ErrCodeQueryEmpty          = "ERR_403_QUERY_EMPTY"
	ErrCodeConversationUnknown = "ERR_404_CONVERSATION_UNKNOWN"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeRetrievalFailed = "ERR_503_RETRIEVAL_FAILED"
	ErrCodeIndexingFailed  = "ERR_504_INDEXING_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryProvider
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCapabilityMissing, ErrCodeCorruptIndex:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimited, ErrCodeProviderTimeout, ErrCodeProviderUnavailable:
		return true
	default:
		return false
	}
}
