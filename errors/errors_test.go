package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeTask, "register failed", WithKey("grpc://svc?alias="), WithOp("register"))

	assert.Equal(t, ErrCodeTask, err.Code())
	assert.Equal(t, CategoryTransient, err.Category())
	assert.True(t, err.Retryable())
	assert.Equal(t, "grpc://svc?alias=", err.Key())
	assert.Equal(t, "register", err.Op())
	assert.False(t, err.Timestamp().IsZero())
	assert.Equal(t, "register failed", err.Error())
}

func TestDefaultCategory(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeConnect, CategoryTransient},
		{ErrCodeTask, CategoryTransient},
		{ErrCodeBackupIO, CategoryTransient},
		{ErrCodeClosed, CategoryPermanent},
		{ErrCodeRetryExhausted, CategoryPermanent},
		{ErrCodeInvalidURL, CategoryPermanent},
		{ErrCodePanic, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.DefaultCategory())
		})
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeBackupIO, "write", WithMetadata("name", "a"))
	md := err.Metadata()
	md["name"] = "b"
	assert.Equal(t, "a", err.Metadata()["name"])
}

func TestStdlibIsMatchesByCode(t *testing.T) {
	sentinel := FromCode(ErrCodeClosed)
	err := fmt.Errorf("outer: %w", Closed("register"))

	assert.True(t, errors.Is(err, sentinel))
	assert.False(t, errors.Is(err, FromCode(ErrCodeTask)))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "nothing"))

	base := TaskFailed("subscribe", "k", errors.New("io"))
	wrapped := Wrap(base, "recover")
	assert.Equal(t, ErrCodeTask, wrapped.Code())
	assert.Equal(t, "k", wrapped.Key())
	assert.True(t, errors.Is(wrapped, base))

	timeout := Wrap(context.DeadlineExceeded, "connect")
	assert.Equal(t, ErrCodeTimeout, timeout.Code())

	canceled := Wrap(context.Canceled, "connect")
	assert.Equal(t, ErrCodeCanceled, canceled.Code())

	plain := Wrap(errors.New("x"), "y")
	assert.Equal(t, ErrCodeInternal, plain.Code())
	assert.Equal(t, "y: x", plain.Error())
}

func TestIsWalksNestedCodes(t *testing.T) {
	inner := ConnectFailed(errors.New("refused"), 3)
	outer := WrapWithCode(inner, ErrCodeRetryExhausted, "open")

	assert.True(t, Is(outer, ErrCodeRetryExhausted))
	assert.True(t, Is(outer, ErrCodeConnect))
	assert.False(t, Is(outer, ErrCodeClosed))
	assert.False(t, Is(errors.New("plain"), ErrCodeClosed))
}

func TestRetryExhaustedKeepsLastError(t *testing.T) {
	last := errors.New("third failure")
	err := RetryExhausted("deregister", "k", 3, last)

	assert.ErrorIs(t, err, last)
	assert.Same(t, last, err.Unwrap())
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestStdlibAsFindsError(t *testing.T) {
	var regErr *Error
	require.False(t, errors.As(errors.New("plain"), &regErr))

	require.True(t, errors.As(fmt.Errorf("wrap: %w", BackupIO("backup", "default", errors.New("disk"))), &regErr))
	assert.Equal(t, ErrCodeBackupIO, regErr.Code())
	assert.Equal(t, "default", regErr.Metadata()["name"])
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("boom")
	assert.Equal(t, ErrCodePanic, err.Code())
	assert.Equal(t, "boom", err.Error())
	assert.Equal(t, "string", err.Metadata()["panic_value"])

	err = RecoverPanic(errors.New("bad"))
	assert.Equal(t, "bad", err.Error())
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "registry is closed", ErrCodeClosed.Description())
	assert.Equal(t, "unknown error", ErrorCode("NOPE").Description())
}
