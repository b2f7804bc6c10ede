package prep

import (
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-prep/social"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

const (
	NoticeResetSent = "reset-sent"

	// GoogleProvider is the social flow provider name for Google
	GoogleProvider = "google"
)

var notices = map[string]string{
	NoticeResetSent: "If an account exists for that email, we sent a link to reset your password. Check your inbox.",
}

// RegisterAuthRoutes mounts login, signup, password reset, logout, Google
// sign in and the session endpoints
func RegisterAuthRoutes[T any](app router.Router[T], opts ...AuthControllerOption) *AuthController {
	controller := NewAuthController(opts...)
	public := controller.Session.RestrictedPublic()

	app.Get(controller.Routes.Login, controller.LoginShow, public).
		SetName("sign-in.get")
	app.Post(controller.Routes.Login, controller.LoginPost, public).
		SetName("sign-in.post")

	app.Get(controller.Routes.Signup, controller.SignupShow, public).
		SetName("sign-up.get")
	app.Post(controller.Routes.Signup, controller.SignupPost, public).
		SetName("sign-up.post")

	app.Get(controller.Routes.ForgotPassword, controller.ForgotPasswordShow, public).
		SetName("pwd-reset.get")
	app.Post(controller.Routes.ForgotPassword, controller.ForgotPasswordPost, public).
		SetName("pwd-reset.post")

	app.Get(controller.Routes.Logout, controller.LogOut).SetName("sign-out.get")
	app.Post(controller.Routes.Logout, controller.LogOut).SetName("sign-out.post")

	app.Get(controller.Routes.GoogleBegin, controller.GoogleBegin, public).
		SetName("google.begin")
	app.Get(controller.Routes.GoogleCallback, controller.GoogleCallback).
		SetName("google.callback")

	app.Get(controller.Routes.Session, controller.SessionShow).SetName("session.get")
	app.Post(controller.Routes.SessionRetry, controller.SessionRetry).SetName("session.retry")

	return controller
}

type AuthControllerRoutes struct {
	Login          string
	Signup         string
	ForgotPassword string
	Logout         string
	GoogleBegin    string
	GoogleCallback string
	Session        string
	SessionRetry   string
}

type AuthControllerViews struct {
	Login          string
	Signup         string
	ForgotPassword string
}

// AuthController renders the authentication forms and hands validated
// submissions to the device bridge
type AuthController struct {
	Debug        bool
	Logger       Logger
	Session      *SessionHandler
	Social       *social.Flow
	Routes       *AuthControllerRoutes
	Views        *AuthControllerViews
	ErrorHandler router.ErrorHandler
	inflight     *Inflight
}

type AuthControllerOption func(*AuthController) *AuthController

// WithSessionHandler sets the session handler, required
func WithSessionHandler(s *SessionHandler) AuthControllerOption {
	return func(a *AuthController) *AuthController {
		a.Session = s
		return a
	}
}

// WithSocialFlow enables Google sign in
func WithSocialFlow(flow *social.Flow) AuthControllerOption {
	return func(a *AuthController) *AuthController {
		a.Social = flow
		return a
	}
}

// WithAuthLogger sets the logger
func WithAuthLogger(logger Logger) AuthControllerOption {
	return func(a *AuthController) *AuthController {
		if logger != nil {
			a.Logger = logger
		}
		return a
	}
}

// WithAuthDebug dumps submitted payloads, passwords excluded
func WithAuthDebug(debug bool) AuthControllerOption {
	return func(a *AuthController) *AuthController {
		a.Debug = debug
		return a
	}
}

// WithInflight shares submission collapsing with other controllers
func WithInflight(f *Inflight) AuthControllerOption {
	return func(a *AuthController) *AuthController {
		if f != nil {
			a.inflight = f
		}
		return a
	}
}

func NewAuthController(opts ...AuthControllerOption) *AuthController {
	c := &AuthController{
		Logger: defLogger{},
		Routes: &AuthControllerRoutes{
			Login:          DefaultLoginPath,
			Signup:         "/signup",
			ForgotPassword: "/forgot-password",
			Logout:         "/logout",
			GoogleBegin:    "/auth/google",
			GoogleCallback: "/auth/google/callback",
			Session:        "/session",
			SessionRetry:   "/session/retry",
		},
		Views: &AuthControllerViews{
			Login:          "login",
			Signup:         "signup",
			ForgotPassword: "forgot_password",
		},
		inflight: &Inflight{},
	}

	for _, opt := range opts {
		c = opt(c)
	}

	if c.Session == nil {
		panic("Missing SessionHandler in auth controller...")
	}

	if c.ErrorHandler == nil {
		c.ErrorHandler = c.Session.ErrorHandler
	}

	return c
}

func (a *AuthController) LoginShow(ctx router.Context) error {
	return a.render(ctx, a.Views.Login, router.ViewContext{
		"record": &LoginPayload{},
		"notice": notices[ctx.Query("notice")],
	})
}

func (a *AuthController) LoginPost(ctx router.Context) error {
	payload := new(LoginPayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Warn("login parse payload", "error", err)
		return a.renderBindError(ctx, a.Views.Login, &LoginPayload{})
	}
	a.dump("login", map[string]any{"email": payload.Email, "remember_me": payload.RememberMe})

	if err := payload.Validate(); err != nil {
		payload.Password = ""
		return a.renderInvalid(ctx, a.Views.Login, payload, err)
	}

	bridge, err := a.Session.Bridge(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	res, _ := a.inflight.Do(bridge.Device(), "login", func() Result {
		return bridge.Login(ctx.Context(), payload.Email, payload.Password, payload.RememberMe)
	})

	if !res.OK() {
		payload.Password = ""
		return a.renderFailure(ctx, a.Views.Login, payload, res.Failure)
	}

	redirect := a.Session.GetRedirect(ctx, res.User.HomePath())
	a.Logger.Debug("login succeeded", "device", bridge.Device(), "redirect", redirect)

	return ctx.Redirect(redirect, http.StatusSeeOther)
}

func (a *AuthController) SignupShow(ctx router.Context) error {
	return a.render(ctx, a.Views.Signup, router.ViewContext{
		"record": &SignupPayload{Role: string(DefaultRole)},
	})
}

func (a *AuthController) SignupPost(ctx router.Context) error {
	payload := new(SignupPayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Warn("signup parse payload", "error", err)
		return a.renderBindError(ctx, a.Views.Signup, &SignupPayload{Role: string(DefaultRole)})
	}
	a.dump("signup", map[string]any{"email": payload.Email, "role": payload.Role, "full_name": payload.FullName})

	if err := payload.Validate(); err != nil {
		payload.Password, payload.ConfirmPassword = "", ""
		return a.renderInvalid(ctx, a.Views.Signup, payload, err)
	}

	bridge, err := a.Session.Bridge(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	input := payload.Input()
	res, _ := a.inflight.Do(bridge.Device(), "signup", func() Result {
		return bridge.Signup(ctx.Context(), input)
	})

	if !res.OK() {
		payload.Password, payload.ConfirmPassword = "", ""
		return a.renderFailure(ctx, a.Views.Signup, payload, res.Failure)
	}

	return ctx.Redirect(res.User.HomePath(), http.StatusSeeOther)
}

func (a *AuthController) ForgotPasswordShow(ctx router.Context) error {
	return a.render(ctx, a.Views.ForgotPassword, router.ViewContext{
		"record": &ForgotPasswordPayload{},
	})
}

// ForgotPasswordPost sends the reset mail and always reports success so
// the form can not be used to discover accounts
func (a *AuthController) ForgotPasswordPost(ctx router.Context) error {
	payload := new(ForgotPasswordPayload)

	if err := ctx.Bind(payload); err != nil {
		a.Logger.Warn("password reset parse payload", "error", err)
		return a.renderBindError(ctx, a.Views.ForgotPassword, &ForgotPasswordPayload{})
	}

	if err := payload.Validate(); err != nil {
		return a.renderInvalid(ctx, a.Views.ForgotPassword, payload, err)
	}

	bridge, err := a.Session.Bridge(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	a.inflight.Do(bridge.Device(), "password-reset", func() Result {
		return bridge.SendPasswordReset(ctx.Context(), payload.Email)
	})

	return ctx.Redirect(a.Routes.Login+"?notice="+NoticeResetSent, http.StatusSeeOther)
}

func (a *AuthController) LogOut(ctx router.Context) error {
	bridge, err := a.Session.Bridge(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	if res := bridge.Logout(ctx.Context()); !res.OK() {
		a.Logger.Warn("logout finished with provider error", "device", bridge.Device(), "code", res.Failure.Code)
	}

	return ctx.Redirect("/", redirectStatus(ctx))
}

// GoogleBegin sends the visitor to the Google consent screen
func (a *AuthController) GoogleBegin(ctx router.Context) error {
	if a.Social == nil {
		return a.renderFailure(ctx, a.Views.Login, &LoginPayload{}, FailureForCode("auth/operation-not-allowed"))
	}

	redirect := ctx.Query("redirect_url")
	if !isLocalPath(redirect) {
		redirect = ""
	}

	target, err := a.Social.Begin(ctx.Context(), GoogleProvider, DeviceFromRouter(ctx), redirect)
	if err != nil {
		a.Logger.Warn("google sign in could not start", "error", err)
		return a.renderFailure(ctx, a.Views.Login, &LoginPayload{}, socialFailure(err))
	}

	return ctx.Redirect(target, http.StatusTemporaryRedirect)
}

// GoogleCallback completes the authorization code flow and signs the
// device in with the resulting Google credential
func (a *AuthController) GoogleCallback(ctx router.Context) error {
	if a.Social == nil {
		return a.renderFailure(ctx, a.Views.Login, &LoginPayload{}, FailureForCode("auth/operation-not-allowed"))
	}

	if err := social.CallbackError(ctx.Query("error"), ctx.Query("error_description")); err != nil {
		a.Logger.Info("google sign in not completed", "error", err)
		return a.renderFailure(ctx, a.Views.Login, &LoginPayload{}, socialFailure(err))
	}

	bridge, err := a.Session.Bridge(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}

	completion, err := a.Social.Complete(ctx.Context(), GoogleProvider, bridge.Device(), ctx.Query("code"), ctx.Query("state"))
	if err != nil {
		a.Logger.Warn("google callback rejected", "device", bridge.Device(), "error", err)
		return a.renderFailure(ctx, a.Views.Login, &LoginPayload{}, socialFailure(err))
	}

	res, _ := a.inflight.Do(bridge.Device(), "google", func() Result {
		return bridge.SignInWithGoogle(ctx.Context(), IDPCredential{
			ProviderID:  completion.ProviderID,
			IDToken:     completion.IDToken,
			AccessToken: completion.AccessToken,
		})
	})

	if !res.OK() {
		return a.renderFailure(ctx, a.Views.Login, &LoginPayload{}, res.Failure)
	}

	redirect := res.User.HomePath()
	if isLocalPath(completion.RedirectURL) {
		redirect = completion.RedirectURL
	}

	return ctx.Redirect(redirect, http.StatusSeeOther)
}

// SessionShow returns the resolved session snapshot as JSON
func (a *AuthController) SessionShow(ctx router.Context) error {
	snap, err := a.Session.Resolve(ctx)
	if err != nil {
		return a.ErrorHandler(ctx, err)
	}
	return ctx.JSON(http.StatusOK, snap)
}

// SessionRetry replaces an errored bridge and goes back to the page that
// offered the retry
func (a *AuthController) SessionRetry(ctx router.Context) error {
	if _, err := a.Session.Retry(ctx); err != nil {
		return a.ErrorHandler(ctx, err)
	}

	redirect := ctx.FormValue("redirect")
	if !isLocalPath(redirect) {
		redirect = "/"
	}

	return ctx.Redirect(redirect, http.StatusSeeOther)
}

func (a *AuthController) render(ctx router.Context, view string, data router.ViewContext) error {
	return ctx.Render(view, MergeTemplateData(ctx, data))
}

func (a *AuthController) renderBindError(ctx router.Context, view string, record any) error {
	return ctx.Status(http.StatusBadRequest).Render(view, MergeTemplateData(ctx, router.ViewContext{
		"record":     record,
		"validation": map[string]string{"form": "Failed to parse form"},
	}))
}

func (a *AuthController) renderInvalid(ctx router.Context, view string, record any, err error) error {
	return renderInvalid(ctx, view, record, err)
}

func (a *AuthController) renderFailure(ctx router.Context, view string, record any, failure *Failure) error {
	return renderFailure(ctx, view, record, failure)
}

// dump prints submitted values in debug mode. Callers leave secrets out.
func (a *AuthController) dump(form string, values map[string]any) {
	if !a.Debug {
		return
	}
	fmt.Println("======= AUTH " + form + " ======")
	fmt.Println(print.MaybePrettyJSON(values))
	fmt.Println("=========================")
}

func renderInvalid(ctx router.Context, view string, record any, err error) error {
	return ctx.Status(http.StatusUnprocessableEntity).Render(view, MergeTemplateData(ctx, router.ViewContext{
		"record":     record,
		"validation": ValidationErrorMap(err),
	}))
}

func renderFailure(ctx router.Context, view string, record any, failure *Failure) error {
	return ctx.Status(failure.Rich().Code).Render(view, MergeTemplateData(ctx, router.ViewContext{
		"record":  record,
		"failure": failure,
	}))
}

// socialFailure maps errors of the OAuth redirect flow onto the failure table
func socialFailure(err error) *Failure {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return MapError(err)
	}

	switch rich.TextCode {
	case social.TextCodeAuthCancelled:
		return FailureForCode(CodePopupClosedByUser)
	case social.TextCodeInvalidState, social.TextCodeStateExpired:
		return FailureForCode("auth/requires-recent-login")
	case social.TextCodeProviderNotFound:
		return FailureForCode("auth/operation-not-allowed")
	case social.TextCodeTokenExchangeFail:
		var perr *social.ProviderError
		if goerrors.As(err, &perr) && perr.Code == social.CodeNetworkError {
			return FailureForCode(CodeNetworkRequestFailed)
		}
		return FailureForCode(CodeUnknown)
	default:
		return MapError(err)
	}
}
