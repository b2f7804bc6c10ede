package prep

import "strings"

// Role is the user's role on the platform
type Role string

const (
	// RoleInterviewee practices interviews
	RoleInterviewee Role = "interviewee"
	// RoleInterviewer runs interviews
	RoleInterviewer Role = "interviewer"
)

// DefaultRole is used whenever a profile carries no (or an unknown) role
const DefaultRole = RoleInterviewee

// IsValid checks if the role is one of the predefined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleInterviewee, RoleInterviewer:
		return true
	default:
		return false
	}
}

// HomePath is where a signed in user of this role lands
func (r Role) HomePath() string {
	switch r {
	case RoleInterviewer:
		return "/interviewer/dashboard"
	default:
		return "/interviewee/dashboard"
	}
}

// GetAllRoles returns all predefined roles
func GetAllRoles() []Role {
	return []Role{
		RoleInterviewee,
		RoleInterviewer,
	}
}

// ParseRole safely parses a string into a Role
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	return role, role.IsValid()
}

// NormalizeRole returns a valid role, falling back to DefaultRole
func NormalizeRole(raw string) Role {
	if role, ok := ParseRole(raw); ok {
		return role
	}
	return DefaultRole
}
