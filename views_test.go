package prep

import (
	"io/fs"
	"net/http"
	"strings"
	"testing"

	"github.com/flosch/pongo2/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViewSet(t *testing.T) *pongo2.TemplateSet {
	t.Helper()
	loader, err := pongo2.NewHttpFileSystemLoader(http.FS(ViewsFS()), "")
	require.NoError(t, err)
	return pongo2.NewSet("prep-views", loader)
}

func viewContext(user *User, extra pongo2.Context) pongo2.Context {
	out := pongo2.Context{}
	for k, v := range TemplateHelpers() {
		out[k] = v
	}
	out[TemplateUserKey] = user
	out["session_state"] = string(StateUnauthenticated)
	if user != nil {
		out["session_state"] = string(StateAuthenticated)
	}
	out["csrf_field"] = `<input type="hidden" name="_token" value="tok">`
	out["csrf_token"] = "tok"
	return out.Update(extra)
}

func TestEveryViewRenders(t *testing.T) {
	set := newViewSet(t)

	var names []string
	err := fs.WalkDir(ViewsFS(), ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".html") {
			names = append(names, path)
		}
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, names)

	jane := &User{UID: "uid-1", Email: "jane@example.com", DisplayName: "Jane Doe", Role: RoleInterviewee,
		Profile: map[string]any{FieldInstitution: "State University"}}

	records := map[string]any{
		"login.html":           &LoginPayload{},
		"signup.html":          &SignupPayload{Role: string(RoleInterviewee)},
		"forgot_password.html": &ForgotPasswordPayload{},
		"profile.html":         ProfileRecord(jane),
		"settings.html":        &SettingsPayload{Role: string(RoleInterviewer)},
	}

	for _, name := range names {
		for label, user := range map[string]*User{"anonymous": nil, "signed in": jane} {
			t.Run(name+"/"+label, func(t *testing.T) {
				tpl, err := set.FromFile(name)
				require.NoError(t, err)

				_, err = tpl.Execute(viewContext(user, pongo2.Context{
					"user":       user,
					"record":     records[name],
					"validation": map[string]string{},
					"path":       "/somewhere",
				}))
				require.NoError(t, err)
			})
		}
	}
}

func TestLoginViewShowsFailureAndKeepsEmail(t *testing.T) {
	tpl, err := newViewSet(t).FromFile("login.html")
	require.NoError(t, err)

	out, err := tpl.Execute(viewContext(nil, pongo2.Context{
		"record":  &LoginPayload{Email: "jane@example.com"},
		"failure": FailureForCode("auth/wrong-password"),
	}))
	require.NoError(t, err)

	assert.Contains(t, out, "Incorrect password. Please try again.")
	assert.Contains(t, out, `value="jane@example.com"`)
	assert.NotContains(t, out, "connection problem")
	assert.Contains(t, out, `name="_token"`)
}

func TestLoginViewNotice(t *testing.T) {
	tpl, err := newViewSet(t).FromFile("login.html")
	require.NoError(t, err)

	out, err := tpl.Execute(viewContext(nil, pongo2.Context{
		"record": &LoginPayload{},
		"notice": notices[NoticeResetSent],
	}))
	require.NoError(t, err)
	assert.Contains(t, out, "Check your inbox.")
}

func TestOfflineViewOffersRetry(t *testing.T) {
	tpl, err := newViewSet(t).FromFile("offline.html")
	require.NoError(t, err)

	out, err := tpl.Execute(viewContext(nil, pongo2.Context{
		"failure":   MapError(ErrStartupTimeout),
		"retry_url": "/interviewee/dashboard",
	}))
	require.NoError(t, err)

	assert.Contains(t, out, "/interviewee/dashboard")
	assert.Contains(t, out, FailureForCode(CodeTimeout).Message)
}

func TestNavReflectsSession(t *testing.T) {
	tpl, err := newViewSet(t).FromFile("home.html")
	require.NoError(t, err)

	signedIn, err := tpl.Execute(viewContext(&User{UID: "uid-1", Role: RoleInterviewer}, nil))
	require.NoError(t, err)
	assert.Contains(t, signedIn, "/interviewer/dashboard")

	anonymous, err := tpl.Execute(viewContext(nil, nil))
	require.NoError(t, err)
	assert.NotContains(t, anonymous, "/interviewer/dashboard")
}
