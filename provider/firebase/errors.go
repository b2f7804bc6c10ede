package firebase

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	prep "github.com/goliatone/go-prep"
	"github.com/tidwall/gjson"
)

// restCodes maps Identity Toolkit REST error messages to the codes the
// browser SDK reports, which is what the failure table understands.
var restCodes = map[string]string{
	"EMAIL_NOT_FOUND":                "auth/user-not-found",
	"USER_NOT_FOUND":                 "auth/user-not-found",
	"INVALID_PASSWORD":               "auth/wrong-password",
	"INVALID_LOGIN_CREDENTIALS":      "auth/invalid-credential",
	"INVALID_IDP_RESPONSE":           "auth/invalid-credential",
	"INVALID_EMAIL":                  "auth/invalid-email",
	"MISSING_EMAIL":                  "auth/invalid-email",
	"MISSING_PASSWORD":               "auth/missing-password",
	"EMAIL_EXISTS":                   "auth/email-already-in-use",
	"WEAK_PASSWORD":                  "auth/weak-password",
	"USER_DISABLED":                  "auth/user-disabled",
	"TOO_MANY_ATTEMPTS_TRY_LATER":    "auth/too-many-requests",
	"QUOTA_EXCEEDED":                 "auth/quota-exceeded",
	"OPERATION_NOT_ALLOWED":          "auth/operation-not-allowed",
	"PASSWORD_LOGIN_DISABLED":        "auth/operation-not-allowed",
	"ADMIN_ONLY_OPERATION":           "auth/admin-restricted-operation",
	"UNAUTHORIZED_DOMAIN":            "auth/unauthorized-domain",
	"TOKEN_EXPIRED":                  "auth/user-token-expired",
	"INVALID_ID_TOKEN":               "auth/invalid-user-token",
	"INVALID_REFRESH_TOKEN":          "auth/invalid-user-token",
	"CREDENTIAL_TOO_OLD_LOGIN_AGAIN": "auth/requires-recent-login",
}

// SDKCode converts a REST error message such as
// "WEAK_PASSWORD : Password should be at least 6 characters" into a
// provider code. Unmapped messages resolve to prep.CodeUnknown.
func SDKCode(message string) string {
	key := strings.TrimSpace(message)
	if i := strings.Index(key, " "); i > 0 {
		key = key[:i]
	}
	if code, ok := restCodes[key]; ok {
		return code
	}
	return prep.CodeUnknown
}

// responseError builds a provider error from a failed REST response.
// Both services use {"error": {"message": ...}}, the token service may
// also answer with {"error": "invalid_grant", "error_description": ...}.
func responseError(resp *resty.Response) error {
	body := resp.String()
	status := resp.StatusCode()

	message := gjson.Get(body, "error.message").String()
	if message == "" {
		message = gjson.Get(body, "error_description").String()
	}
	if message == "" {
		message = gjson.Get(body, "error").String()
	}

	code := SDKCode(message)
	if code == prep.CodeUnknown {
		switch {
		case status == http.StatusTooManyRequests:
			code = "auth/too-many-requests"
		case status >= http.StatusInternalServerError:
			code = "unavailable"
		}
	}

	if message == "" {
		message = http.StatusText(status)
	}
	return prep.NewProviderError(code, message, status, nil)
}

// transportError wraps errors where no response came back at all
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return prep.NewProviderError(prep.CodeTimeout, "request timed out", 0, err)
	}
	return prep.NewProviderError(prep.CodeNetworkRequestFailed, "request failed", 0, err)
}
