package prep

import (
	"net/http"
	"strings"

	"github.com/goliatone/go-router"
)

// RegisterPageRoutes mounts the marketing pages, the protected account
// pages and the shell fallback. Register it after every other route.
func RegisterPageRoutes[T any](app router.Router[T], opts ...PageControllerOption) *PageController {
	controller := NewPageController(opts...)
	protected := controller.Session.Protected()

	for path, view := range controller.Marketing {
		app.Get(path, controller.Static(view)).SetName("page." + view)
	}

	app.Get("/profile", controller.ProfileShow, protected).SetName("profile.get")
	app.Post("/profile", controller.ProfileUpdate, protected).SetName("profile.post")

	app.Get("/settings", controller.SettingsShow, protected).SetName("settings.get")
	app.Post("/settings", controller.SettingsUpdate, protected).SetName("settings.post")

	for _, role := range GetAllRoles() {
		app.Get(role.HomePath(), controller.Dashboard(role), protected).
			SetName("dashboard." + string(role))
	}

	app.Get("/*", controller.Shell).SetName("shell")

	return controller
}

type PageControllerViews struct {
	Profile   string
	Settings  string
	Dashboard string
	Shell     string
}

// PageController serves every page that is not an authentication form
type PageController struct {
	Logger    Logger
	Session   *SessionHandler
	Views     *PageControllerViews
	Marketing map[string]string
	inflight  *Inflight
}

type PageControllerOption func(*PageController) *PageController

// WithPageSession sets the session handler, required
func WithPageSession(s *SessionHandler) PageControllerOption {
	return func(p *PageController) *PageController {
		p.Session = s
		return p
	}
}

// WithPageLogger sets the logger
func WithPageLogger(logger Logger) PageControllerOption {
	return func(p *PageController) *PageController {
		if logger != nil {
			p.Logger = logger
		}
		return p
	}
}

// WithPageInflight shares submission collapsing with other controllers
func WithPageInflight(f *Inflight) PageControllerOption {
	return func(p *PageController) *PageController {
		if f != nil {
			p.inflight = f
		}
		return p
	}
}

func NewPageController(opts ...PageControllerOption) *PageController {
	p := &PageController{
		Logger: defLogger{},
		Views: &PageControllerViews{
			Profile:   "profile",
			Settings:  "settings",
			Dashboard: "dashboard_",
			Shell:     "shell",
		},
		Marketing: map[string]string{
			"/":             "home",
			"/features":     "features",
			"/pricing":      "pricing",
			"/how-it-works": "how_it_works",
		},
		inflight: &Inflight{},
	}

	for _, opt := range opts {
		p = opt(p)
	}

	if p.Session == nil {
		panic("Missing SessionHandler in page controller...")
	}

	return p
}

// Static renders a view that only needs the shared template data
func (p *PageController) Static(view string) router.HandlerFunc {
	return func(ctx router.Context) error {
		return ctx.Render(view, MergeTemplateData(ctx, router.ViewContext{}))
	}
}

// Shell renders the application shell for unknown paths
func (p *PageController) Shell(ctx router.Context) error {
	return ctx.Render(p.Views.Shell, MergeTemplateData(ctx, router.ViewContext{
		"path": ctx.Path(),
	}))
}

// Dashboard renders the role dashboard. Users of the other role are sent
// to their own.
func (p *PageController) Dashboard(role Role) router.HandlerFunc {
	return func(ctx router.Context) error {
		user, ok := CurrentUser(ctx)
		if !ok {
			return ctx.Redirect(p.Session.LoginPath(), http.StatusFound)
		}

		if user.Role != role {
			p.Logger.Debug("dashboard role mismatch", "uid", user.UID, "role", user.Role, "requested", role)
			return ctx.Redirect(user.HomePath(), http.StatusFound)
		}

		return ctx.Render(p.Views.Dashboard+string(role), MergeTemplateData(ctx, router.ViewContext{
			"user": user,
		}))
	}
}

func (p *PageController) ProfileShow(ctx router.Context) error {
	user, ok := CurrentUser(ctx)
	if !ok {
		return ctx.Redirect(p.Session.LoginPath(), http.StatusFound)
	}

	return ctx.Render(p.Views.Profile, MergeTemplateData(ctx, router.ViewContext{
		"record": ProfileRecord(user),
		"saved":  ctx.Query("saved") != "",
	}))
}

func (p *PageController) ProfileUpdate(ctx router.Context) error {
	payload := new(ProfilePayload)

	if err := ctx.Bind(payload); err != nil {
		p.Logger.Warn("profile parse payload", "error", err)
		return ctx.Status(http.StatusBadRequest).Render(p.Views.Profile, MergeTemplateData(ctx, router.ViewContext{
			"record":     payload,
			"validation": map[string]string{"form": "Failed to parse form"},
		}))
	}

	if err := payload.Validate(); err != nil {
		return renderInvalid(ctx, p.Views.Profile, payload, err)
	}

	bridge, err := p.Session.Bridge(ctx)
	if err != nil {
		return p.Session.ErrorHandler(ctx, err)
	}

	changes := payload.Changes()
	res, _ := p.inflight.Do(bridge.Device(), "profile", func() Result {
		return bridge.UpdateProfile(ctx.Context(), changes)
	})

	if !res.OK() {
		return renderFailure(ctx, p.Views.Profile, payload, res.Failure)
	}

	return ctx.Redirect("/profile?saved=1", http.StatusSeeOther)
}

func (p *PageController) SettingsShow(ctx router.Context) error {
	user, ok := CurrentUser(ctx)
	if !ok {
		return ctx.Redirect(p.Session.LoginPath(), http.StatusFound)
	}

	return ctx.Render(p.Views.Settings, MergeTemplateData(ctx, router.ViewContext{
		"record": &SettingsPayload{Role: string(user.Role)},
		"saved":  ctx.Query("saved") != "",
	}))
}

func (p *PageController) SettingsUpdate(ctx router.Context) error {
	payload := new(SettingsPayload)

	if err := ctx.Bind(payload); err != nil {
		p.Logger.Warn("settings parse payload", "error", err)
		return ctx.Status(http.StatusBadRequest).Render(p.Views.Settings, MergeTemplateData(ctx, router.ViewContext{
			"record":     payload,
			"validation": map[string]string{"form": "Failed to parse form"},
		}))
	}

	if err := payload.Validate(); err != nil {
		return renderInvalid(ctx, p.Views.Settings, payload, err)
	}

	bridge, err := p.Session.Bridge(ctx)
	if err != nil {
		return p.Session.ErrorHandler(ctx, err)
	}

	changes := payload.Changes()
	res, _ := p.inflight.Do(bridge.Device(), "settings", func() Result {
		return bridge.UpdateProfile(ctx.Context(), changes)
	})

	if !res.OK() {
		return renderFailure(ctx, p.Views.Settings, payload, res.Failure)
	}

	return ctx.Redirect("/settings?saved=1", http.StatusSeeOther)
}

// ProfileRecord fills the profile form from the signed in user
func ProfileRecord(user *User) *ProfilePayload {
	if user == nil {
		return &ProfilePayload{}
	}

	return &ProfilePayload{
		DisplayName: user.DisplayName,
		PhotoURL:    user.PhotoURL,
		Phone:       user.ProfileString(FieldPhone),
		Institution: user.ProfileString(FieldInstitution),
		Company:     user.ProfileString(FieldCompany),
		JobTitle:    user.ProfileString(FieldJobTitle),
		Skills:      strings.Join(profileStrings(user.Profile[FieldSkills]), ", "),
		Bio:         user.ProfileString(FieldBio),
	}
}

func profileStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return SplitSkills(t)
	default:
		return nil
	}
}
