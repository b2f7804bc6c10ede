package prep

import (
	"errors"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// DefaultPhoneRegion is used for numbers entered without a country code
var DefaultPhoneRegion = "US"

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

// LoginPayload is the login form
type LoginPayload struct {
	Email      string `form:"email" json:"email"`
	Password   string `form:"password" json:"password"`
	RememberMe bool   `form:"remember_me" json:"remember_me"`
}

// Validate will run validation rules
func (r LoginPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

// SignupPayload is the signup form
type SignupPayload struct {
	FullName        string `form:"full_name" json:"full_name"`
	Email           string `form:"email" json:"email"`
	Password        string `form:"password" json:"password"`
	ConfirmPassword string `form:"confirm_password" json:"confirm_password"`
	Role            string `form:"role" json:"role"`
	Phone           string `form:"phone" json:"phone"`
	Institution     string `form:"institution" json:"institution"`
	Company         string `form:"company" json:"company"`
	JobTitle        string `form:"job_title" json:"job_title"`
	AgreeToTerms    bool   `form:"agree_to_terms" json:"agree_to_terms"`
}

// Validate will validate the payload
func (r SignupPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.FullName, validation.Required, validation.Length(2, 200)),
		validation.Field(&r.Email, validation.Required, validation.Length(6, 254), is.Email),
		validation.Field(&r.Password, validation.Required, validation.By(ValidatePasswordStrength)),
		validation.Field(
			&r.ConfirmPassword,
			validation.Required,
			validation.By(ValidateStringEquals(r.Password)),
		),
		validation.Field(&r.Role, validation.Required, validation.By(validateRole)),
		validation.Field(&r.Phone, validation.By(ValidatePhone)),
		validation.Field(&r.Institution, validation.Length(0, 200)),
		validation.Field(&r.Company, validation.Length(0, 200)),
		validation.Field(&r.JobTitle, validation.Length(0, 200)),
		validation.Field(&r.AgreeToTerms, validation.By(validateConsent)),
	)
}

// Input converts the form into bridge input
func (r SignupPayload) Input() SignupInput {
	return SignupInput{
		FullName:    strings.TrimSpace(r.FullName),
		Email:       strings.TrimSpace(r.Email),
		Password:    r.Password,
		Role:        NormalizeRole(r.Role),
		Phone:       NormalizePhone(r.Phone),
		Institution: strings.TrimSpace(r.Institution),
		Company:     strings.TrimSpace(r.Company),
		JobTitle:    strings.TrimSpace(r.JobTitle),
	}
}

// ForgotPasswordPayload holds values for password reset
type ForgotPasswordPayload struct {
	Email string `form:"email" json:"email"`
}

// Validate will validate the payload
func (r ForgotPasswordPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
	)
}

// ProfilePayload is the profile edit form
type ProfilePayload struct {
	DisplayName string `form:"display_name" json:"display_name"`
	PhotoURL    string `form:"photo_url" json:"photo_url"`
	Phone       string `form:"phone" json:"phone"`
	Institution string `form:"institution" json:"institution"`
	Company     string `form:"company" json:"company"`
	JobTitle    string `form:"job_title" json:"job_title"`
	Skills      string `form:"skills" json:"skills"`
	Bio         string `form:"bio" json:"bio"`
}

// Validate will validate the payload
func (r ProfilePayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DisplayName, validation.Required, validation.Length(2, 200)),
		validation.Field(&r.PhotoURL, is.URL),
		validation.Field(&r.Phone, validation.By(ValidatePhone)),
		validation.Field(&r.Institution, validation.Length(0, 200)),
		validation.Field(&r.Company, validation.Length(0, 200)),
		validation.Field(&r.JobTitle, validation.Length(0, 200)),
		validation.Field(&r.Skills, validation.Length(0, 500)),
		validation.Field(&r.Bio, validation.Length(0, 2000)),
	)
}

// Changes converts the form into a profile update
func (r ProfilePayload) Changes() ProfileChanges {
	name := strings.TrimSpace(r.DisplayName)
	photo := strings.TrimSpace(r.PhotoURL)

	fields := map[string]any{
		FieldPhone:       NormalizePhone(r.Phone),
		FieldInstitution: strings.TrimSpace(r.Institution),
		FieldCompany:     strings.TrimSpace(r.Company),
		FieldJobTitle:    strings.TrimSpace(r.JobTitle),
		FieldBio:         strings.TrimSpace(r.Bio),
		FieldSkills:      SplitSkills(r.Skills),
	}

	return ProfileChanges{
		DisplayName: &name,
		PhotoURL:    &photo,
		Fields:      fields,
	}
}

// SettingsPayload is the account settings form
type SettingsPayload struct {
	Role string `form:"role" json:"role"`
}

// Validate will validate the payload
func (r SettingsPayload) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required, validation.By(validateRole)),
	)
}

// Changes converts the form into a profile update
func (r SettingsPayload) Changes() ProfileChanges {
	role := NormalizeRole(r.Role)
	return ProfileChanges{Role: &role}
}

// ValidateStringEquals will check that both values match
func ValidateStringEquals(str string) validation.RuleFunc {
	return func(value any) error {
		s, _ := value.(string)
		if s != str {
			return errors.New("passwords do not match")
		}
		return nil
	}
}

// ValidatePasswordStrength checks length and character classes
func ValidatePasswordStrength(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}

	if n := len([]rune(s)); n < minPasswordLength || n > maxPasswordLength {
		return errors.New("password must be between 8 and 128 characters")
	}

	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}

	if !upper || !lower || !digit {
		return errors.New("password must contain an uppercase letter, a lowercase letter and a number")
	}

	return nil
}

// ValidatePhone accepts empty values or numbers phonenumbers considers valid
func ValidatePhone(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}

	num, err := phonenumbers.Parse(s, DefaultPhoneRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return errors.New("must be a valid phone number")
	}
	return nil
}

// NormalizePhone formats a valid number as E.164 and returns anything
// else trimmed as it came
func NormalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	num, err := phonenumbers.Parse(raw, DefaultPhoneRegion)
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return raw
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

// SplitSkills turns a comma separated list into trimmed, non empty items
func SplitSkills(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ValidationErrorMap flattens ozzo errors into field -> message
func ValidationErrorMap(err error) map[string]string {
	out := map[string]string{}
	if err == nil {
		return out
	}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		for field, ferr := range verrs {
			if ferr != nil {
				out[field] = ferr.Error()
			}
		}
		return out
	}

	out["form"] = err.Error()
	return out
}

func validateRole(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, ok := ParseRole(s); !ok {
		return errors.New("must be interviewee or interviewer")
	}
	return nil
}

func validateConsent(value any) error {
	if ok, _ := value.(bool); !ok {
		return errors.New("you must agree to the terms to continue")
	}
	return nil
}
