package errors

import (
	"errors"
	"fmt"
	"time"
)

// RegistryError is the interface for all structured errors in regsync.
// It extends the standard error interface with the context the registry
// needs to decide between retrying, dropping and surfacing a failure.
type RegistryError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of RegistryError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	key       string // canonical key, if applicable
	op        string // registry operation, if applicable
}

var _ RegistryError = (*Error)(nil)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is an *Error with the same code. This lets
// package-level sentinels such as registry.ErrClosed match any error of
// that kind through errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.code == e.code
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Key returns the canonical key the error relates to, if set.
func (e *Error) Key() string {
	return e.key
}

// Op returns the registry operation that failed, if set.
func (e *Error) Op() string {
	return e.op
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithKey sets the canonical key.
func WithKey(key string) Option {
	return func(e *Error) {
		e.key = key
	}
}

// WithOp sets the registry operation.
func WithOp(op string) Option {
	return func(e *Error) {
		e.op = op
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Closed creates a registry-closed error for the given operation.
func Closed(op string, opts ...Option) *Error {
	opts = append([]Option{WithOp(op)}, opts...)
	return New(ErrCodeClosed, "registry is closed", opts...)
}

// ConnectFailed wraps a backend connect failure.
func ConnectFailed(cause error, attempt int) *Error {
	return New(ErrCodeConnect, fmt.Sprintf("connect attempt %d failed", attempt),
		WithCause(cause), WithOp("connect"))
}

// TaskFailed wraps a backend failure for a register/deregister/subscribe/unsubscribe task.
func TaskFailed(op, key string, cause error) *Error {
	return New(ErrCodeTask, fmt.Sprintf("%s %s failed", op, key),
		WithCause(cause), WithOp(op), WithKey(key))
}

// RetryExhausted reports that a bounded retry budget was used up. The last
// failure is kept as the cause.
func RetryExhausted(op, key string, attempts int, last error) *Error {
	return New(ErrCodeRetryExhausted, fmt.Sprintf("%s %s gave up after %d attempts", op, key, attempts),
		WithCause(last), WithOp(op), WithKey(key))
}

// BackupIO wraps a backup or restore failure.
func BackupIO(op, name string, cause error) *Error {
	return New(ErrCodeBackupIO, fmt.Sprintf("%s %s", op, name),
		WithCause(cause), WithOp(op), WithMetadata("name", name))
}

// InvalidURL creates an invalid service url error.
func InvalidURL(raw string, cause error) *Error {
	return New(ErrCodeInvalidURL, fmt.Sprintf("invalid service url %q", raw), WithCause(cause))
}

// InvalidConfig creates an invalid configuration error.
func InvalidConfig(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidConfig, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
