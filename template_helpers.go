package prep

import (
	"maps"

	"github.com/goliatone/go-prep/middleware/csrf"
	"github.com/goliatone/go-router"
)

var TemplateUserKey = "current_user"

// TemplateHelpers returns functions registered on the view engine.
//
// In templates:
//
//	{% if is_authenticated(current_user) %}
//	{% if has_role(current_user, "interviewer") %}
//	<a href="{{ role_home(current_user) }}">Dashboard</a>
func TemplateHelpers() map[string]any {
	return map[string]any{
		"is_authenticated": isAuthenticated,
		"has_role":         hasRole,
		"role_home":        roleHome,
		"is_retryable":     isRetryable,
		"roles": map[string]string{
			"interviewee": string(RoleInterviewee),
			"interviewer": string(RoleInterviewer),
		},
	}
}

// MergeTemplateData adds the current user, the session state and the CSRF
// helpers to data
func MergeTemplateData(ctx router.Context, data router.ViewContext) router.ViewContext {
	out := router.ViewContext{}

	if b, ok := requestBridge(ctx); ok {
		snap := b.Snapshot()
		out[TemplateUserKey] = snap.User
		out["session_state"] = string(snap.State)
	}

	maps.Copy(out, csrf.TemplateData(ctx))
	maps.Copy(out, data)

	return out
}

func requestBridge(ctx router.Context) (*Bridge, bool) {
	if b, ok := BridgeFromRouter(ctx); ok {
		return b, true
	}
	s, ok := SessionFromRouter(ctx)
	if !ok {
		return nil, false
	}
	b, err := s.Bridge(ctx)
	return b, err == nil
}

func isAuthenticated(user any) bool {
	switch u := user.(type) {
	case *User:
		return u != nil && u.UID != ""
	case User:
		return u.UID != ""
	default:
		return false
	}
}

func hasRole(user any, role string) bool {
	switch u := user.(type) {
	case *User:
		return u != nil && u.Role == NormalizeRole(role)
	case User:
		return u.Role == NormalizeRole(role)
	default:
		return false
	}
}

func roleHome(user any) string {
	switch u := user.(type) {
	case *User:
		return u.HomePath()
	case User:
		return u.HomePath()
	default:
		return "/"
	}
}

func isRetryable(f any) bool {
	switch v := f.(type) {
	case *Failure:
		return v != nil && v.Kind.Retryable()
	case Failure:
		return v.Kind.Retryable()
	default:
		return false
	}
}
