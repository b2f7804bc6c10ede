package google

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goliatone/go-prep/social"
	"github.com/tidwall/gjson"
)

const (
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	// IdentityProviderID is how the identity provider refers to Google
	IdentityProviderID = "google.com"
)

// Config holds Google OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string

	AuthURL  string
	TokenURL string

	Timeout time.Duration

	// Client overrides the HTTP client, used to attach tracing hooks
	Client *resty.Client
}

// DefaultScopes returns the default Google scopes.
func DefaultScopes() []string {
	return []string{"openid", "email", "profile"}
}

// Provider implements social.Provider for Google.
type Provider struct {
	config Config
	client *resty.Client
}

// New creates a new Google provider.
func New(cfg Config) *Provider {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes()
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	client := cfg.Client
	if client == nil {
		client = resty.New()
	}
	client.SetTimeout(cfg.Timeout)

	return &Provider{
		config: cfg,
		client: client,
	}
}

// Name implements social.Provider.
func (p *Provider) Name() string {
	return "google"
}

// IdentityProviderID implements social.Provider.
func (p *Provider) IdentityProviderID() string {
	return IdentityProviderID
}

// AuthCodeURL implements social.Provider.
func (p *Provider) AuthCodeURL(state string, opts ...social.AuthCodeOption) string {
	cfg := social.ApplyAuthCodeOptions(p.config.Scopes, opts...)

	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.CallbackURL},
		"response_type": {"code"},
		"scope":         {strings.Join(cfg.Scopes, " ")},
		"state":         {state},
	}

	if cfg.CodeChallenge != "" {
		method := cfg.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		params.Set("code_challenge", cfg.CodeChallenge)
		params.Set("code_challenge_method", method)
	}

	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "select_account"
	}
	params.Set("prompt", prompt)

	if cfg.LoginHint != "" {
		params.Set("login_hint", cfg.LoginHint)
	}

	return p.config.AuthURL + "?" + params.Encode()
}

// Exchange implements social.Provider.
func (p *Provider) Exchange(ctx context.Context, code string, opts ...social.ExchangeOption) (*social.Token, error) {
	cfg := social.ApplyExchangeOptions(opts...)

	form := map[string]string{
		"client_id":     p.config.ClientID,
		"client_secret": p.config.ClientSecret,
		"code":          code,
		"redirect_uri":  p.config.CallbackURL,
		"grant_type":    "authorization_code",
	}
	if cfg.CodeVerifier != "" {
		form["code_verifier"] = cfg.CodeVerifier
	}

	resp, err := p.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(p.config.TokenURL)
	if err != nil {
		return nil, providerError(0, social.CodeNetworkError, "token endpoint unreachable", err)
	}

	body := resp.String()
	if resp.StatusCode() != http.StatusOK {
		code, desc := parseGoogleError(body)
		return nil, providerError(resp.StatusCode(), code, desc, nil)
	}

	if !gjson.Valid(body) {
		return nil, providerError(resp.StatusCode(), "invalid_response", "failed to decode token response", nil)
	}

	res := gjson.GetMany(body, "access_token", "token_type", "expires_in", "refresh_token", "scope", "id_token")
	if res[0].String() == "" {
		return nil, providerError(resp.StatusCode(), "missing_access_token", "missing access token", nil)
	}
	if res[5].String() == "" {
		return nil, providerError(resp.StatusCode(), "missing_id_token", "openid scope did not return an id token", nil)
	}

	expiresAt := time.Time{}
	if secs := res[2].Int(); secs > 0 {
		expiresAt = time.Now().Add(time.Duration(secs) * time.Second)
	}

	return &social.Token{
		AccessToken:  res[0].String(),
		TokenType:    res[1].String(),
		RefreshToken: res[3].String(),
		ExpiresAt:    expiresAt,
		Scopes:       strings.Fields(res[4].String()),
		IDToken:      res[5].String(),
	}, nil
}

// parseGoogleError reads either the OAuth error shape or the API error shape
func parseGoogleError(body string) (string, string) {
	if code := gjson.Get(body, "error"); code.Type == gjson.String {
		return code.String(), gjson.Get(body, "error_description").String()
	}

	if api := gjson.Get(body, "error"); api.IsObject() {
		code := api.Get("status").String()
		if code == "" {
			code = api.Get("code").String()
		}
		return code, api.Get("message").String()
	}

	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = "google request failed"
	}
	return "", msg
}

func providerError(status int, code, description string, err error) *social.ProviderError {
	return &social.ProviderError{
		Provider:    "google",
		Operation:   "exchange",
		Status:      status,
		Code:        code,
		Description: description,
		Err:         err,
	}
}
