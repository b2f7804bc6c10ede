package social

import (
	"context"
	"strings"
	"sync"
)

// Completion is the outcome of a finished authorization code flow
type Completion struct {
	ProviderID  string
	IDToken     string
	AccessToken string
	RedirectURL string
}

// Flow drives the authorization code flow with PKCE for a set of providers
type Flow struct {
	mu        sync.RWMutex
	providers map[string]Provider
	state     StateManager
}

// FlowOption configures a Flow
type FlowOption func(*Flow) *Flow

// WithProvider registers a provider under its name
func WithProvider(p Provider) FlowOption {
	return func(f *Flow) *Flow {
		f.Register(p)
		return f
	}
}

// NewFlow creates a flow whose state is signed by state
func NewFlow(state StateManager, opts ...FlowOption) *Flow {
	f := &Flow{
		providers: map[string]Provider{},
		state:     state,
	}
	for _, opt := range opts {
		f = opt(f)
	}
	return f
}

// Register adds or replaces a provider
func (f *Flow) Register(p Provider) {
	if p == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.providers[strings.ToLower(p.Name())] = p
}

// Provider returns the registered provider
func (f *Flow) Provider(name string) (Provider, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.providers[strings.ToLower(name)]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// Begin returns the authorization URL for provider. The state binds the
// flow to device so a callback replayed on another browser fails.
func (f *Flow) Begin(ctx context.Context, provider, device, redirect string, opts ...AuthCodeOption) (string, error) {
	p, err := f.Provider(provider)
	if err != nil {
		return "", err
	}

	verifier, err := generateCodeVerifier()
	if err != nil {
		return "", err
	}

	token, err := f.state.Encode(&OAuthState{
		Provider:     p.Name(),
		Device:       device,
		CodeVerifier: verifier,
		RedirectURL:  redirect,
	})
	if err != nil {
		return "", err
	}

	opts = append([]AuthCodeOption{WithPKCE(computeCodeChallenge(verifier), "S256")}, opts...)
	return p.AuthCodeURL(token, opts...), nil
}

// Complete validates the callback and exchanges the code
func (f *Flow) Complete(ctx context.Context, provider, device, code, state string) (*Completion, error) {
	p, err := f.Provider(provider)
	if err != nil {
		return nil, err
	}

	st, err := f.state.Decode(state)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(st.Provider, p.Name()) || st.Device != device {
		return nil, ErrInvalidState
	}

	token, err := p.Exchange(ctx, code, WithCodeVerifier(st.CodeVerifier))
	if err != nil {
		clone := ErrTokenExchangeFailed.Clone()
		clone.Source = err
		if perr, ok := err.(*ProviderError); ok {
			clone.WithMetadata(perr.Metadata())
		}
		return nil, clone
	}

	return &Completion{
		ProviderID:  p.IdentityProviderID(),
		IDToken:     token.IDToken,
		AccessToken: token.AccessToken,
		RedirectURL: st.RedirectURL,
	}, nil
}

// CallbackError maps the error query parameter of a provider callback.
// Returns nil when there is none.
func CallbackError(code, description string) error {
	switch code {
	case "":
		return nil
	case "access_denied":
		return ErrAuthCancelled
	default:
		return &ProviderError{Operation: "authorize", Code: code, Description: description}
	}
}
