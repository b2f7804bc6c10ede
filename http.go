package prep

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"
)

const (
	DefaultDeviceCookie   = "prep_device"
	DefaultRedirectCookie = "prep_redirect"
	DefaultLoginPath      = "/login"
	DefaultOfflineView    = "offline"
	DefaultAssetsPrefix   = "/assets/"
)

// SessionHandler ties requests to their device bridge and provides the
// route guards that gate pages on session state.
type SessionHandler struct {
	manager        *BridgeManager
	skip           []string
	deviceCookie   string
	redirectCookie string
	loginPath      string
	offlineView    string
	deviceTTL      time.Duration
	waitTimeout    time.Duration
	secure         bool
	Logger         Logger
	ErrorHandler   func(c router.Context, err error) error
}

// SessionOption configures a SessionHandler
type SessionOption func(*SessionHandler) *SessionHandler

// WithSecureCookies sets the Secure flag on every cookie we write
func WithSecureCookies(secure bool) SessionOption {
	return func(s *SessionHandler) *SessionHandler {
		s.secure = secure
		return s
	}
}

// WithLoginPath sets where the protected guard sends anonymous visitors
func WithLoginPath(path string) SessionOption {
	return func(s *SessionHandler) *SessionHandler {
		if path != "" {
			s.loginPath = path
		}
		return s
	}
}

// WithDeviceCookie sets the device cookie name
func WithDeviceCookie(name string) SessionOption {
	return func(s *SessionHandler) *SessionHandler {
		if name != "" {
			s.deviceCookie = name
		}
		return s
	}
}

// WithSkipPrefixes replaces the path prefixes the middleware ignores
func WithSkipPrefixes(prefixes ...string) SessionOption {
	return func(s *SessionHandler) *SessionHandler {
		s.skip = prefixes
		return s
	}
}

// WithGuardWait bounds how long a guard waits for the bridge to resolve
func WithGuardWait(d time.Duration) SessionOption {
	return func(s *SessionHandler) *SessionHandler {
		if d > 0 {
			s.waitTimeout = d
		}
		return s
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger Logger) SessionOption {
	return func(s *SessionHandler) *SessionHandler {
		if logger != nil {
			s.Logger = logger
		}
		return s
	}
}

// NewSessionHandler creates a handler over manager
func NewSessionHandler(manager *BridgeManager, opts ...SessionOption) *SessionHandler {
	s := &SessionHandler{
		manager:        manager,
		skip:           []string{DefaultAssetsPrefix},
		deviceCookie:   DefaultDeviceCookie,
		redirectCookie: DefaultRedirectCookie,
		loginPath:      DefaultLoginPath,
		offlineView:    DefaultOfflineView,
		deviceTTL:      365 * 24 * time.Hour,
		waitTimeout:    DefaultStartupTimeout + time.Second,
		secure:         true,
		Logger:         defLogger{},
	}

	s.ErrorHandler = s.defaultErrHandler

	for _, opt := range opts {
		s = opt(s)
	}

	return s
}

// Middleware resolves the device id cookie, issuing one when missing, and
// stores it in the request locals. The bridge itself is created by Bridge
// the first time a handler needs it.
func (s *SessionHandler) Middleware() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if s.skipped(ctx.Path()) {
				return ctx.Next()
			}

			device := ctx.Cookies(s.deviceCookie)
			if _, err := uuid.Parse(device); err != nil {
				device = uuid.NewString()
				s.setCookie(ctx, s.deviceCookie, device, time.Now().Add(s.deviceTTL))
			}

			ctx.Locals(LocalsDeviceKey, device)
			ctx.Locals(LocalsSessionKey, s)

			return ctx.Next()
		}
	}
}

// Bridge returns the request bridge, getting it from the manager on first
// use. It fails when the middleware did not run.
func (s *SessionHandler) Bridge(ctx router.Context) (*Bridge, error) {
	if b, ok := BridgeFromRouter(ctx); ok {
		return b, nil
	}

	device := DeviceFromRouter(ctx)
	if device == "" {
		return nil, errors.New("session bridge missing from request", errors.CategoryInternal).
			WithTextCode("BRIDGE_MISSING").
			WithCode(errors.CodeInternal)
	}

	b, err := s.manager.Get(ctx.Context(), device)
	if err != nil {
		return nil, err
	}
	ctx.Locals(LocalsBridgeKey, b)
	return b, nil
}

func (s *SessionHandler) skipped(path string) bool {
	for _, prefix := range s.skip {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Retry replaces an errored bridge for the request device
func (s *SessionHandler) Retry(ctx router.Context) (*Bridge, error) {
	device := DeviceFromRouter(ctx)
	if device == "" {
		return s.Bridge(ctx)
	}

	b, err := s.manager.Retry(ctx.Context(), device)
	if err != nil {
		return nil, err
	}
	ctx.Locals(LocalsBridgeKey, b)
	return b, nil
}

// Resolve waits for the bridge to leave loading
func (s *SessionHandler) Resolve(ctx router.Context) (Snapshot, error) {
	b, err := s.Bridge(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx.Context(), s.waitTimeout)
	defer cancel()

	snap, err := b.Wait(waitCtx)
	if err != nil {
		s.Logger.Warn("session did not resolve", "device", b.Device(), "state", snap.State, "error", err)
		snap.State = StateError
		if snap.Failure == nil {
			snap.Failure = MapError(ErrStartupTimeout)
		}
	}
	return snap, nil
}

// SetRedirect remembers the attempted location for after login
func (s *SessionHandler) SetRedirect(ctx router.Context) {
	target := ctx.OriginalURL()
	if !isLocalPath(target) {
		return
	}

	s.Logger.Debug("setting redirect cookie", "key", s.redirectCookie, "path", target)
	s.setCookie(ctx, s.redirectCookie, target, time.Now().Add(10*time.Minute))
}

// GetRedirect returns and clears the remembered location, or def
func (s *SessionHandler) GetRedirect(ctx router.Context, def string) string {
	r := ctx.Cookies(s.redirectCookie)
	if r == "" || !isLocalPath(r) {
		return def
	}
	s.cookieDel(ctx, s.redirectCookie)
	return r
}

// LoginPath is where anonymous visitors are sent
func (s *SessionHandler) LoginPath() string {
	return s.loginPath
}

func (s *SessionHandler) setCookie(ctx router.Context, name, val string, expires time.Time) {
	ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    val,
		Expires:  expires,
		HTTPOnly: true,
		Secure:   s.secure,
		SameSite: "Lax",
	})
}

func (s *SessionHandler) cookieDel(ctx router.Context, name string) {
	ctx.Cookie(&router.Cookie{
		Name:     name,
		Value:    "",
		Expires:  time.Now().Add(-time.Hour * (24 * 365)),
		HTTPOnly: true,
		Secure:   s.secure,
		SameSite: "Lax",
	})
}

func (s *SessionHandler) defaultErrHandler(c router.Context, err error) error {
	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		richErr = errors.Wrap(err, errors.CategoryInternal, "An unexpected server error occurred").
			WithCode(errors.CodeInternal)
	}

	s.Logger.Error(
		"session handler error",
		"error", richErr.Message,
		"category", richErr.Category,
		"details", print.MaybePrettyJSON(richErr.Metadata),
	)

	return c.Status(richErr.Code).Render("errors/500", router.ViewContext{
		"error":   richErr,
		"message": richErr.Message,
	})
}

// isLocalPath accepts only same origin absolute paths
func isLocalPath(target string) bool {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && u.Host == "" && u.Scheme == ""
}

func redirectStatus(c router.Context) int {
	if c.Method() == http.MethodGet {
		return http.StatusFound
	}
	return http.StatusSeeOther
}
