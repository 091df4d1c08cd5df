package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: backend unreachable, connect refused, timeouts.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed service URL, registry closed.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for registry failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Backend temporarily unavailable
	ErrCodeConnect     ErrorCode = "CONNECT"     // Connecting to the backend failed
	ErrCodeTask        ErrorCode = "TASK"        // Register/subscribe backend call failed
	ErrCodeBackupIO    ErrorCode = "BACKUP_IO"   // Backup or restore I/O failed

	// Permanent errors
	ErrCodeClosed         ErrorCode = "CLOSED"          // Registry closed or closing
	ErrCodeInvalidURL     ErrorCode = "INVALID_URL"     // Malformed service URL
	ErrCodeInvalidConfig  ErrorCode = "INVALID_CONFIG"  // Configuration rejected
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED" // Retry budget used up
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"       // Nothing stored under the name
	ErrCodeCanceled       ErrorCode = "CANCELED"        // Operation was canceled
	ErrCodeNotSubscribed  ErrorCode = "NOT_SUBSCRIBED"  // Backend has no such subscription
	ErrCodeNotRegistered  ErrorCode = "NOT_REGISTERED"  // Backend has no such registration

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConnect, ErrCodeTask, ErrCodeBackupIO:
		return CategoryTransient

	case ErrCodeClosed, ErrCodeInvalidURL, ErrCodeInvalidConfig, ErrCodeRetryExhausted,
		ErrCodeNotFound, ErrCodeCanceled, ErrCodeNotSubscribed, ErrCodeNotRegistered:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:        "operation timed out",
	ErrCodeUnavailable:    "backend temporarily unavailable",
	ErrCodeConnect:        "failed to connect to backend",
	ErrCodeTask:           "backend task failed",
	ErrCodeBackupIO:       "backup i/o failed",
	ErrCodeClosed:         "registry is closed",
	ErrCodeInvalidURL:     "invalid service url",
	ErrCodeInvalidConfig:  "invalid configuration",
	ErrCodeRetryExhausted: "retry budget exhausted",
	ErrCodeNotFound:       "not found",
	ErrCodeCanceled:       "operation canceled",
	ErrCodeNotSubscribed:  "not subscribed",
	ErrCodeNotRegistered:  "not registered",
	ErrCodeInternal:       "internal error",
	ErrCodePanic:          "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
