package prep

import (
	"context"
	"fmt"
	"time"
)

type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Persistence controls how long the identity client keeps a device's
// credentials around.
type Persistence string

const (
	// PersistenceLocal survives browser restarts ("remember me")
	PersistenceLocal Persistence = "local"
	// PersistenceSession lasts for the browser session only
	PersistenceSession Persistence = "session"
)

// ProviderUser is the identity provider's view of an account
type ProviderUser struct {
	UID           string `json:"uid"`
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	PhotoURL      string `json:"photo_url,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	IsAnonymous   bool   `json:"is_anonymous"`
	ProviderID    string `json:"provider_id,omitempty"`
	IsNewUser     bool   `json:"is_new_user,omitempty"`
}

// UserChanges holds the provider level fields an update may touch.
// Nil fields are left as they are.
type UserChanges struct {
	DisplayName *string
	PhotoURL    *string
}

// IsZero reports whether there is nothing to send to the provider
func (c UserChanges) IsZero() bool {
	return c.DisplayName == nil && c.PhotoURL == nil
}

// IDPCredential is the result of a third party OAuth flow that the
// identity provider can exchange for a session.
type IDPCredential struct {
	ProviderID  string
	IDToken     string
	AccessToken string
	RequestURI  string
}

// AuthStateEvent is a single notification from the identity client.
// A nil User with a nil Err means signed out. Cause tells why the
// provider ended the session when it did so on its own.
type AuthStateEvent struct {
	Device     string
	User       *ProviderUser
	Err        error
	Cause      error
	ObservedAt time.Time
}

// SignedIn reports whether the event carries a user
func (e AuthStateEvent) SignedIn() bool {
	return e.Err == nil && e.User != nil
}

// AuthStateSubscription is a stream of auth state changes for one device.
// The first event describes the state at the time of subscribing.
// Close is the only way to stop it and is safe to call more than once.
type AuthStateSubscription interface {
	Events() <-chan AuthStateEvent
	Close() error
}

// IdentityClient is the identity provider SDK surface the bridge consumes
type IdentityClient interface {
	SignIn(ctx context.Context, device, email, password string, persistence Persistence) (*ProviderUser, error)
	SignUp(ctx context.Context, device, email, password string) (*ProviderUser, error)
	SignInWithIDP(ctx context.Context, device string, cred IDPCredential) (*ProviderUser, error)
	UpdateUser(ctx context.Context, device string, changes UserChanges) (*ProviderUser, error)
	SendPasswordReset(ctx context.Context, email string) error
	SignOut(ctx context.Context, device string) error
	Subscribe(device string) AuthStateSubscription
}

// ProfileStore persists profile documents keyed by user id
type ProfileStore interface {
	// GetProfile returns ErrProfileNotFound when there is no document
	GetProfile(ctx context.Context, uid string) (*ProfileDocument, error)
	// SaveProfile merges doc into the stored document, creating it if needed
	SaveProfile(ctx context.Context, doc *ProfileDocument) error
}

// DefLogger returns the stdout logger used when none is configured
func DefLogger() Logger {
	return defLogger{}
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println(line("DBG", msg, args...))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println(line("INF", msg, args...))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println(line("WRN", msg, args...))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println(line("ERR", msg, args...))
}

func line(level, msg string, args ...any) string {
	out := fmt.Sprintf("[%s] PREP %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	if len(args)%2 == 1 {
		out += fmt.Sprintf(" %v", args[len(args)-1])
	}
	return out
}
