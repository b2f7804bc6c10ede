package prep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownProviderCodesHaveMessages(t *testing.T) {
	codes := KnownProviderCodes()
	require.NotEmpty(t, codes)

	for _, code := range codes {
		t.Run(code, func(t *testing.T) {
			f := FailureForCode(code)
			assert.NotEmpty(t, f.Message)
			assert.NotEqual(t, KindUnknown, f.Kind)
			assert.Equal(t, code, f.Code)
		})
	}
}

func TestFailureForUnknownCode(t *testing.T) {
	f := FailureForCode("auth/some-new-code")
	assert.Equal(t, KindUnknown, f.Kind)
	assert.Equal(t, "auth/some-new-code", f.Code)
	assert.Equal(t, "Something went wrong. Please try again.", f.Message)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		wantKind ErrorKind
	}{
		{
			name:     "provider error",
			err:      NewProviderError("auth/wrong-password", "INVALID_PASSWORD", 400, nil),
			wantCode: "auth/wrong-password",
			wantKind: KindInvalidCredentials,
		},
		{
			name:     "wrapped provider error",
			err:      fmt.Errorf("sign in: %w", NewProviderError("auth/too-many-requests", "", 429, nil)),
			wantCode: "auth/too-many-requests",
			wantKind: KindRateLimited,
		},
		{
			name:     "network error",
			err:      &net.OpError{Op: "dial", Err: timeoutErr{}},
			wantCode: CodeNetworkRequestFailed,
			wantKind: KindNetwork,
		},
		{
			name:     "deadline",
			err:      fmt.Errorf("call: %w", context.DeadlineExceeded),
			wantCode: CodeTimeout,
			wantKind: KindNetwork,
		},
		{
			name:     "no session",
			err:      ErrNoSession,
			wantCode: CodeUserSignedOut,
			wantKind: KindInvalidCredentials,
		},
		{
			name:     "startup timeout",
			err:      ErrStartupTimeout,
			wantCode: CodeTimeout,
			wantKind: KindNetwork,
		},
		{
			name:     "anything else",
			err:      errors.New("boom"),
			wantCode: CodeUnknown,
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := MapError(tt.err)
			require.NotNil(t, f)
			assert.Equal(t, tt.wantCode, f.Code)
			assert.Equal(t, tt.wantKind, f.Kind)
			assert.NotEmpty(t, f.Message)
			assert.ErrorIs(t, f, tt.err)
		})
	}
}

func TestMapErrorNil(t *testing.T) {
	assert.Nil(t, MapError(nil))
}

func TestMapErrorKeepsFailure(t *testing.T) {
	f := FailureForCode("auth/user-disabled")
	assert.Same(t, f, MapError(fmt.Errorf("wrapped: %w", f)))
}

func TestFailureRich(t *testing.T) {
	tests := []struct {
		code     string
		wantCode int
	}{
		{"auth/wrong-password", http.StatusUnauthorized},
		{"auth/user-not-found", http.StatusNotFound},
		{"auth/user-disabled", http.StatusForbidden},
		{"permission-denied", http.StatusForbidden},
		{"auth/too-many-requests", http.StatusTooManyRequests},
		{"auth/popup-closed-by-user", http.StatusBadRequest},
		{"auth/network-request-failed", http.StatusServiceUnavailable},
		{"something-else", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rich := FailureForCode(tt.code).Rich()
			assert.Equal(t, tt.wantCode, rich.Code)
			assert.Equal(t, tt.code, rich.TextCode)
			assert.Equal(t, FailureForCode(tt.code).Message, rich.Message)
		})
	}
}

func TestFailureRichKeepsCause(t *testing.T) {
	cause := NewProviderError("unavailable", "UNAVAILABLE", 503, nil)
	rich := MapError(cause).Rich()
	assert.Equal(t, cause, rich.Source)
}

func TestIsProfileNotFound(t *testing.T) {
	assert.True(t, IsProfileNotFound(ErrProfileNotFound))
	assert.True(t, IsProfileNotFound(fmt.Errorf("get: %w", ErrProfileNotFound)))
	assert.True(t, IsProfileNotFound(
		goerrors.New("missing", goerrors.CategoryNotFound).WithTextCode(TextCodeProfileNotFound),
	))
	assert.False(t, IsProfileNotFound(nil))
	assert.False(t, IsProfileNotFound(errors.New("not found")))
	assert.False(t, IsProfileNotFound(NewProviderError("unavailable", "", 503, nil)))
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindRateLimited.Retryable())
	assert.False(t, KindInvalidCredentials.Retryable())
	assert.False(t, KindPopupCancelled.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestProviderErrorString(t *testing.T) {
	assert.Equal(t, "auth/wrong-password: INVALID_PASSWORD", NewProviderError("auth/wrong-password", "INVALID_PASSWORD", 400, nil).Error())
	assert.Equal(t, "unavailable", NewProviderError("unavailable", "", 503, nil).Error())

	cause := errors.New("dial tcp")
	assert.ErrorIs(t, NewProviderError(CodeNetworkRequestFailed, "", 0, cause), cause)
}
