package prep

import (
	"testing"

	"github.com/goliatone/go-prep/middleware/csrf"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplateHelpers(t *testing.T) {
	helpers := TemplateHelpers()

	for _, helper := range []string{"is_authenticated", "has_role", "role_home", "is_retryable", "roles"} {
		assert.Contains(t, helpers, helper, "Expected helper %s should be present", helper)
	}

	roles, ok := helpers["roles"].(map[string]string)
	require.True(t, ok, "roles should be a map[string]string")
	assert.Equal(t, string(RoleInterviewee), roles["interviewee"])
	assert.Equal(t, string(RoleInterviewer), roles["interviewer"])
}

func TestIsAuthenticated(t *testing.T) {
	tests := []struct {
		name string
		user any
		want bool
	}{
		{"nil", nil, false},
		{"typed nil", (*User)(nil), false},
		{"no uid", &User{}, false},
		{"pointer", &User{UID: "uid-1"}, true},
		{"value", User{UID: "uid-1"}, true},
		{"other type", "uid-1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isAuthenticated(tt.user))
		})
	}
}

func TestHasRole(t *testing.T) {
	interviewer := &User{UID: "uid-1", Role: RoleInterviewer}

	assert.True(t, hasRole(interviewer, "interviewer"))
	assert.True(t, hasRole(*interviewer, "Interviewer"))
	assert.False(t, hasRole(interviewer, "interviewee"))
	assert.False(t, hasRole(nil, "interviewer"))
	assert.False(t, hasRole((*User)(nil), "interviewee"))
}

func TestRoleHome(t *testing.T) {
	assert.Equal(t, "/interviewer/dashboard", roleHome(&User{Role: RoleInterviewer}))
	assert.Equal(t, "/interviewee/dashboard", roleHome(User{Role: RoleInterviewee}))
	assert.Equal(t, "/", roleHome((*User)(nil)))
	assert.Equal(t, "/", roleHome(nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(FailureForCode(CodeNetworkRequestFailed)))
	assert.True(t, isRetryable(*FailureForCode("auth/too-many-requests")))
	assert.False(t, isRetryable(FailureForCode("auth/wrong-password")))
	assert.False(t, isRetryable((*Failure)(nil)))
	assert.False(t, isRetryable(nil))
}

func TestMergeTemplateData(t *testing.T) {
	ctx := router.NewMockContext()
	ctx.LocalsMock[LocalsBridgeKey] = signedInBridge(t, RoleInterviewee)
	ctx.LocalsMock[csrf.DefaultContextKey] = "csrf-token-123"
	ctx.LocalsMock[csrf.DefaultContextKey+"_field"] = "_token"

	data := MergeTemplateData(ctx, router.ViewContext{
		"title":         "login",
		"session_state": "overridden",
	})

	assert.Equal(t, "login", data["title"])
	assert.Equal(t, "overridden", data["session_state"])
	assert.Equal(t, "csrf-token-123", data["csrf_token"])

	field, ok := data["csrf_field"].(string)
	require.True(t, ok, "csrf_field should be a string input")
	assert.Contains(t, field, `value="csrf-token-123"`)
	assert.Contains(t, field, `name="_token"`)

	user, ok := data[TemplateUserKey].(*User)
	require.True(t, ok)
	assert.Equal(t, "uid-1", user.UID)
	assert.True(t, isAuthenticated(data[TemplateUserKey]))
}

func TestMergeTemplateDataWithoutSession(t *testing.T) {
	data := MergeTemplateData(router.NewMockContext(), router.ViewContext{"title": "home"})

	assert.Equal(t, "home", data["title"])
	assert.False(t, isAuthenticated(data[TemplateUserKey]))
	assert.NotContains(t, data, "session_state")
}
