package prep

import (
	"maps"
	"slices"
	"time"
)

// Profile field keys persisted in ProfileDocument.Fields
const (
	FieldInstitution = "institution"
	FieldSkills      = "skills"
	FieldJobTitle    = "job_title"
	FieldCompany     = "company"
	FieldPhone       = "phone"
	FieldBio         = "bio"
	FieldExperience  = "years_experience"
)

// User is the in memory session record for the signed in user
type User struct {
	UID           string         `json:"uid"`
	Email         string         `json:"email,omitempty"`
	DisplayName   string         `json:"display_name,omitempty"`
	PhotoURL      string         `json:"photo_url,omitempty"`
	EmailVerified bool           `json:"email_verified"`
	IsAnonymous   bool           `json:"is_anonymous"`
	Role          Role           `json:"role"`
	Profile       map[string]any `json:"profile,omitempty"`
}

// HomePath is the role appropriate landing page
func (u *User) HomePath() string {
	if u == nil {
		return "/"
	}
	return u.Role.HomePath()
}

// ProfileString returns a string profile field or ""
func (u *User) ProfileString(key string) string {
	if u == nil || u.Profile == nil {
		return ""
	}
	s, _ := u.Profile[key].(string)
	return s
}

// Clone returns a copy that shares nothing mutable with u
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Profile = cloneFields(u.Profile)
	return &out
}

// Document level keys a partial update can clear. Any other key names a
// profile field.
const (
	DocDisplayName = "display_name"
	DocPhotoURL    = "photo_url"
)

// ProfileDocument is the durable per user record
type ProfileDocument struct {
	UID         string         `json:"uid"`
	Role        Role           `json:"role,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Email       string         `json:"email,omitempty"`
	PhotoURL    string         `json:"photo_url,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	CreatedAt   time.Time      `json:"created_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at,omitempty"`
	// Cleared lists keys a partial write removes from the stored record
	Cleared []string `json:"cleared,omitempty"`
}

// Clear marks key for removal when d is written as a partial update
func (d *ProfileDocument) Clear(key string) *ProfileDocument {
	if !slices.Contains(d.Cleared, key) {
		d.Cleared = append(d.Cleared, key)
	}
	return d
}

// AddField sets a free form profile field
func (d *ProfileDocument) AddField(key string, val any) *ProfileDocument {
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	d.Fields[key] = val
	return d
}

// MergeInto copies the non empty values of d onto dst and then removes
// the keys d clears. Fields are merged key by key. Timestamps: CreatedAt
// keeps the oldest value, UpdatedAt the newest.
func (d *ProfileDocument) MergeInto(dst *ProfileDocument) {
	if d == nil || dst == nil {
		return
	}
	defer d.clearFrom(dst)
	if d.Role != "" {
		dst.Role = d.Role
	}
	if d.DisplayName != "" {
		dst.DisplayName = d.DisplayName
	}
	if d.Email != "" {
		dst.Email = d.Email
	}
	if d.PhotoURL != "" {
		dst.PhotoURL = d.PhotoURL
	}
	for k, v := range d.Fields {
		dst.AddField(k, v)
	}
	if dst.CreatedAt.IsZero() || (!d.CreatedAt.IsZero() && d.CreatedAt.Before(dst.CreatedAt)) {
		dst.CreatedAt = d.CreatedAt
	}
	if d.UpdatedAt.After(dst.UpdatedAt) {
		dst.UpdatedAt = d.UpdatedAt
	}
}

func (d *ProfileDocument) clearFrom(dst *ProfileDocument) {
	for _, key := range d.Cleared {
		switch key {
		case DocDisplayName:
			dst.DisplayName = ""
		case DocPhotoURL:
			dst.PhotoURL = ""
		default:
			delete(dst.Fields, key)
		}
	}
}

// SignupInput is what the signup page sends to the bridge
type SignupInput struct {
	FullName    string
	Email       string
	Password    string
	Role        Role
	Phone       string
	Institution string
	Company     string
	JobTitle    string
	RememberMe  bool
}

// ProfileChanges is a partial update of the signed in user's profile.
// Nil pointers and absent keys are left untouched.
type ProfileChanges struct {
	DisplayName *string
	PhotoURL    *string
	Role        *Role
	Fields      map[string]any
}

func (c ProfileChanges) userChanges() UserChanges {
	return UserChanges{DisplayName: c.DisplayName, PhotoURL: c.PhotoURL}
}

// document builds the partial profile document written for these changes
func (c ProfileChanges) document(uid string, now time.Time) *ProfileDocument {
	doc := &ProfileDocument{UID: uid, UpdatedAt: now}
	if c.DisplayName != nil {
		doc.DisplayName = *c.DisplayName
		if doc.DisplayName == "" {
			doc.Clear(DocDisplayName)
		}
	}
	if c.PhotoURL != nil {
		doc.PhotoURL = *c.PhotoURL
		if doc.PhotoURL == "" {
			doc.Clear(DocPhotoURL)
		}
	}
	if c.Role != nil {
		doc.Role = NormalizeRole(string(*c.Role))
	}
	for k, v := range c.Fields {
		doc.AddField(k, v)
	}
	return doc
}

// MergeUser combines the provider account with the profile document.
// Profile document values win over provider values when they are set.
// It is a pure function: the same inputs always give an equal User.
func MergeUser(pu *ProviderUser, doc *ProfileDocument) *User {
	if pu == nil {
		return nil
	}

	user := &User{
		UID:           pu.UID,
		Email:         pu.Email,
		DisplayName:   pu.DisplayName,
		PhotoURL:      pu.PhotoURL,
		EmailVerified: pu.EmailVerified,
		IsAnonymous:   pu.IsAnonymous,
		Role:          DefaultRole,
		Profile:       map[string]any{},
	}

	if doc == nil {
		return user
	}

	user.Role = NormalizeRole(string(doc.Role))
	if doc.DisplayName != "" {
		user.DisplayName = doc.DisplayName
	}
	if doc.Email != "" {
		user.Email = doc.Email
	}
	if doc.PhotoURL != "" {
		user.PhotoURL = doc.PhotoURL
	}
	user.Profile = cloneFields(doc.Fields)

	return user
}

// applyChanges merges profile changes onto an existing user
func applyChanges(u *User, c ProfileChanges) *User {
	out := u.Clone()
	if c.DisplayName != nil {
		out.DisplayName = *c.DisplayName
	}
	if c.PhotoURL != nil {
		out.PhotoURL = *c.PhotoURL
	}
	if c.Role != nil {
		out.Role = NormalizeRole(string(*c.Role))
	}
	for k, v := range c.Fields {
		out.Profile[k] = v
	}
	return out
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case []string:
			out[k] = slices.Clone(t)
		case []any:
			out[k] = slices.Clone(t)
		case map[string]any:
			out[k] = maps.Clone(t)
		default:
			out[k] = v
		}
	}
	return out
}
