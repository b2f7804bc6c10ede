package prep

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind is the closed set of failure kinds surfaced to pages
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "invalid_credentials"
	KindAccountNotFound    ErrorKind = "account_not_found"
	KindAccountDisabled    ErrorKind = "account_disabled"
	KindRateLimited        ErrorKind = "rate_limited"
	KindPopupCancelled     ErrorKind = "popup_cancelled"
	KindNetwork            ErrorKind = "network"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindUnknown            ErrorKind = "unknown"
)

// Retryable reports whether the page should offer "try again" rather
// than asking the user to fix their input.
func (k ErrorKind) Retryable() bool {
	return k == KindNetwork || k == KindRateLimited
}

const (
	TextCodeProfileNotFound = "PROFILE_NOT_FOUND"
	TextCodeNoSession       = "NO_SESSION"
	TextCodeBridgeClosed    = "BRIDGE_CLOSED"
	TextCodeStartupTimeout  = "STARTUP_TIMEOUT"
)

// ErrProfileNotFound is returned by stores when a uid has no document
var ErrProfileNotFound = goerrors.New("profile document not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeProfileNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrNoSession is returned when an operation needs a signed in user
var ErrNoSession = goerrors.New("no user is signed in", goerrors.CategoryAuth).
	WithTextCode(TextCodeNoSession).
	WithCode(goerrors.CodeUnauthorized)

// ErrBridgeClosed is returned for calls made after Close
var ErrBridgeClosed = goerrors.New("session bridge is closed", goerrors.CategoryOperation).
	WithTextCode(TextCodeBridgeClosed).
	WithCode(goerrors.CodeInternal)

// ErrStartupTimeout marks a bridge that never heard from the identity client
var ErrStartupTimeout = goerrors.New("identity client did not respond in time", goerrors.CategoryOperation).
	WithTextCode(TextCodeStartupTimeout).
	WithCode(http.StatusServiceUnavailable)

// ProviderError is a vendor error normalized to a provider code such as
// "auth/wrong-password". Identity and document clients return it.
type ProviderError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProviderError builds a ProviderError for code
func NewProviderError(code, message string, status int, err error) *ProviderError {
	return &ProviderError{Code: code, Message: message, Status: status, Err: err}
}

const (
	CodeNetworkRequestFailed = "auth/network-request-failed"
	CodePopupClosedByUser    = "auth/popup-closed-by-user"
	CodeUserSignedOut        = "auth/user-signed-out"
	CodeTimeout              = "auth/timeout"
	CodeUnknown              = "unknown"
)

type failureSpec struct {
	kind    ErrorKind
	message string
}

var unknownFailure = failureSpec{
	kind:    KindUnknown,
	message: "Something went wrong. Please try again.",
}

// providerErrorTable maps every known provider code to a kind and a stable
// message. Anything missing resolves to unknownFailure.
var providerErrorTable = map[string]failureSpec{
	"auth/invalid-credential":         {KindInvalidCredentials, "Invalid email or password."},
	"auth/wrong-password":             {KindInvalidCredentials, "Incorrect password. Please try again."},
	"auth/invalid-email":              {KindInvalidCredentials, "Please enter a valid email address."},
	"auth/email-already-in-use":       {KindInvalidCredentials, "An account with this email already exists."},
	"auth/weak-password":              {KindInvalidCredentials, "Password is too weak. Use at least 8 characters with upper and lower case letters and a number."},
	"auth/missing-password":           {KindInvalidCredentials, "Please enter your password."},
	"auth/requires-recent-login":      {KindInvalidCredentials, "Please sign in again to continue."},
	"auth/user-token-expired":         {KindInvalidCredentials, "Your session has expired. Please sign in again."},
	"auth/invalid-user-token":         {KindInvalidCredentials, "Your session is no longer valid. Please sign in again."},
	"auth/user-signed-out":            {KindInvalidCredentials, "Please sign in to continue."},
	"auth/user-not-found":             {KindAccountNotFound, "No account found with this email."},
	"auth/user-disabled":              {KindAccountDisabled, "This account has been disabled. Contact support for help."},
	"auth/too-many-requests":          {KindRateLimited, "Too many attempts. Please wait a moment and try again."},
	"auth/quota-exceeded":             {KindRateLimited, "The service is busy right now. Please try again later."},
	"auth/popup-closed-by-user":       {KindPopupCancelled, "Sign-in was cancelled before it finished."},
	"auth/cancelled-popup-request":    {KindPopupCancelled, "Sign-in was cancelled before it finished."},
	"auth/popup-blocked":              {KindPopupCancelled, "The sign-in window was blocked. Allow pop-ups and try again."},
	"auth/network-request-failed":     {KindNetwork, "We could not reach the server. Check your connection and try again."},
	"auth/timeout":                    {KindNetwork, "The server took too long to respond. Please try again."},
	"unavailable":                     {KindNetwork, "The service is temporarily unavailable. Please try again."},
	"deadline-exceeded":               {KindNetwork, "The server took too long to respond. Please try again."},
	"permission-denied":               {KindPermissionDenied, "You do not have permission to do that."},
	"auth/operation-not-allowed":      {KindPermissionDenied, "This sign-in method is not enabled."},
	"auth/unauthorized-domain":        {KindPermissionDenied, "This site is not allowed to sign you in."},
	"auth/admin-restricted-operation": {KindPermissionDenied, "This operation is restricted."},
}

// KnownProviderCodes lists the codes in the mapping table
func KnownProviderCodes() []string {
	codes := make([]string, 0, len(providerErrorTable))
	for code := range providerErrorTable {
		codes = append(codes, code)
	}
	return codes
}

// Failure is what a page renders when a bridge operation does not succeed
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	cause   error
}

func (f *Failure) Error() string {
	return f.Message
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// Rich converts the failure into a go-errors value for logging and status codes
func (f *Failure) Rich() *goerrors.Error {
	var rich *goerrors.Error
	switch f.Kind {
	case KindInvalidCredentials:
		rich = goerrors.New(f.Message, goerrors.CategoryAuth).WithCode(goerrors.CodeUnauthorized)
	case KindAccountNotFound:
		rich = goerrors.New(f.Message, goerrors.CategoryNotFound).WithCode(goerrors.CodeNotFound)
	case KindAccountDisabled, KindPermissionDenied:
		rich = goerrors.New(f.Message, goerrors.CategoryAuthz).WithCode(goerrors.CodeForbidden)
	case KindRateLimited:
		rich = goerrors.New(f.Message, goerrors.CategoryRateLimit).WithCode(http.StatusTooManyRequests)
	case KindPopupCancelled:
		rich = goerrors.New(f.Message, goerrors.CategoryBadInput).WithCode(goerrors.CodeBadRequest)
	case KindNetwork:
		rich = goerrors.New(f.Message, goerrors.CategoryOperation).WithCode(http.StatusServiceUnavailable)
	default:
		rich = goerrors.New(f.Message, goerrors.CategoryInternal).WithCode(goerrors.CodeInternal)
	}

	rich = rich.WithTextCode(f.Code).WithMetadata(map[string]any{"kind": string(f.Kind)})
	if f.cause != nil {
		rich.Source = f.cause
	}
	return rich
}

// FailureForCode resolves a provider code through the table
func FailureForCode(code string) *Failure {
	entry, ok := providerErrorTable[code]
	if !ok {
		return &Failure{Kind: unknownFailure.kind, Code: code, Message: unknownFailure.message}
	}
	return &Failure{Kind: entry.kind, Code: code, Message: entry.message}
}

// MapError converts any error coming back from a client into a Failure
func MapError(err error) *Failure {
	if err == nil {
		return nil
	}

	var failure *Failure
	if errors.As(err, &failure) {
		return failure
	}

	f := FailureForCode(ProviderCode(err))
	f.cause = err
	return f
}

// ProviderCode extracts the provider code carried by err
func ProviderCode(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Code != "" {
		return perr.Code
	}

	if errors.Is(err, ErrNoSession) {
		return CodeUserSignedOut
	}

	if errors.Is(err, ErrStartupTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetworkRequestFailed
	}

	return CodeUnknown
}

// IsProfileNotFound reports whether err means the store has no document
func IsProfileNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrProfileNotFound) {
		return true
	}
	var rich *goerrors.Error
	return goerrors.As(err, &rich) && rich.TextCode == TextCodeProfileNotFound
}
