package prep

import (
	"net/http"

	"github.com/goliatone/go-router"
)

// GuardAction is what a guard decided to do with a request
type GuardAction int

const (
	GuardRender GuardAction = iota
	GuardRedirect
	GuardOffline
)

// GuardDecision is the outcome of a guard predicate
type GuardDecision struct {
	Action   GuardAction
	Location string
}

// RestrictedPublicDecision lets only visitors without a session through.
// Signed in users go to their role home. An errored bridge still renders
// the page so the visitor can sign in and recover.
func RestrictedPublicDecision(snap Snapshot) GuardDecision {
	if snap.Authenticated() {
		return GuardDecision{Action: GuardRedirect, Location: snap.User.HomePath()}
	}
	return GuardDecision{Action: GuardRender}
}

// ProtectedDecision lets only signed in users through
func ProtectedDecision(snap Snapshot, loginPath string) GuardDecision {
	switch {
	case snap.Authenticated():
		return GuardDecision{Action: GuardRender}
	case snap.State == StateError:
		return GuardDecision{Action: GuardOffline}
	default:
		return GuardDecision{Action: GuardRedirect, Location: loginPath}
	}
}

// RestrictedPublic guards login, signup and forgot password pages
func (s *SessionHandler) RestrictedPublic() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			snap, err := s.Resolve(ctx)
			if err != nil {
				return s.ErrorHandler(ctx, err)
			}

			decision := RestrictedPublicDecision(snap)
			if decision.Action == GuardRedirect {
				s.Logger.Debug("signed in user on public only page", "path", ctx.OriginalURL(), "redirect", decision.Location)
				return ctx.Redirect(decision.Location, redirectStatus(ctx))
			}

			return next(ctx)
		}
	}
}

// Protected guards pages that need a signed in user. Anonymous visitors
// are sent to login with the attempted location remembered.
func (s *SessionHandler) Protected() router.MiddlewareFunc {
	return func(next router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			snap, err := s.Resolve(ctx)
			if err != nil {
				return s.ErrorHandler(ctx, err)
			}

			switch decision := ProtectedDecision(snap, s.loginPath); decision.Action {
			case GuardRedirect:
				s.Logger.Info("no session, redirecting to login", "path", ctx.OriginalURL())
				s.SetRedirect(ctx)
				return ctx.Redirect(decision.Location, redirectStatus(ctx))
			case GuardOffline:
				return s.renderOffline(ctx, snap)
			}

			return next(ctx)
		}
	}
}

func (s *SessionHandler) renderOffline(ctx router.Context, snap Snapshot) error {
	failure := snap.Failure
	if failure == nil {
		failure = MapError(ErrStartupTimeout)
	}

	return ctx.Status(http.StatusServiceUnavailable).Render(s.offlineView, router.ViewContext{
		"failure":   failure,
		"retry_url": ctx.OriginalURL(),
	})
}
