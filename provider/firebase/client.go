package firebase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-resty/resty/v2"
	prep "github.com/goliatone/go-prep"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultIdentityURL    = "https://identitytoolkit.googleapis.com/v1"
	DefaultSecureTokenURL = "https://securetoken.googleapis.com/v1"
)

// Config holds the web app settings of a Firebase project
type Config struct {
	APIKey     string
	ProjectID  string
	AuthDomain string

	IdentityURL    string
	SecureTokenURL string

	Timeout       time.Duration
	RefreshLeeway time.Duration
}

// Client implements prep.IdentityClient over the Identity Toolkit REST
// API. Credentials are kept per device in a TokenStore.
type Client struct {
	config      Config
	identity    *resty.Client
	secure      *resty.Client
	tokens      TokenStore
	verifier    *Verifier
	broadcaster Broadcaster
	origin      string
	hub         *hub
	logger      prep.Logger
	now         func() time.Time
	refreshes   singleflight.Group
	relisten    time.Duration
}

var _ prep.IdentityClient = (*Client)(nil)

// Option configures a Client
type Option func(*Client) *Client

// WithTokenStore sets where sessions are kept, memory by default
func WithTokenStore(store TokenStore) Option {
	return func(c *Client) *Client {
		if store != nil {
			c.tokens = store
		}
		return c
	}
}

// WithVerifier checks restored ID tokens before they are trusted
func WithVerifier(v *Verifier) Option {
	return func(c *Client) *Client {
		c.verifier = v
		return c
	}
}

// WithBroadcaster shares session changes with other instances
func WithBroadcaster(b Broadcaster) Option {
	return func(c *Client) *Client {
		c.broadcaster = b
		return c
	}
}

func WithLogger(logger prep.Logger) Option {
	return func(c *Client) *Client {
		if logger != nil {
			c.logger = logger
		}
		return c
	}
}

// WithRequestMiddleware runs mw before every REST call
func WithRequestMiddleware(mw resty.RequestMiddleware) Option {
	return func(c *Client) *Client {
		c.identity.OnBeforeRequest(mw)
		c.secure.OnBeforeRequest(mw)
		return c
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) *Client {
		if now != nil {
			c.now = now
		}
		return c
	}
}

// WithListenBackoff sets the first wait before a failed broadcast
// listener is restarted. Later waits grow up to 30s.
func WithListenBackoff(d time.Duration) Option {
	return func(c *Client) *Client {
		if d > 0 {
			c.relisten = d
		}
		return c
	}
}

// New creates a client for cfg
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("firebase: api key is required")
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = DefaultIdentityURL
	}
	if cfg.SecureTokenURL == "" {
		cfg.SecureTokenURL = DefaultSecureTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RefreshLeeway == 0 {
		cfg.RefreshLeeway = 5 * time.Minute
	}

	c := &Client{
		config: cfg,
		identity: resty.New().
			SetBaseURL(cfg.IdentityURL).
			SetTimeout(cfg.Timeout).
			SetQueryParam("key", cfg.APIKey),
		secure: resty.New().
			SetBaseURL(cfg.SecureTokenURL).
			SetTimeout(cfg.Timeout).
			SetQueryParam("key", cfg.APIKey),
		tokens:   NewMemoryTokenStore(),
		origin:   uuid.NewString(),
		hub:      newHub(),
		logger:   prep.DefLogger(),
		relisten: time.Second,
		now:      time.Now,
	}

	for _, opt := range opts {
		c = opt(c)
	}

	return c, nil
}

func (c *Client) SignIn(ctx context.Context, device, email, password string, persistence prep.Persistence) (*prep.ProviderUser, error) {
	res, err := c.post(ctx, "/accounts:signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, device, res, persistence, "password")
}

func (c *Client) SignUp(ctx context.Context, device, email, password string) (*prep.ProviderUser, error) {
	res, err := c.post(ctx, "/accounts:signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return nil, err
	}

	user, err := c.establish(ctx, device, res, prep.PersistenceLocal, "password")
	if user != nil {
		user.IsNewUser = true
	}
	return user, err
}

func (c *Client) SignInWithIDP(ctx context.Context, device string, cred prep.IDPCredential) (*prep.ProviderUser, error) {
	post := url.Values{"providerId": {cred.ProviderID}}
	switch {
	case cred.IDToken != "":
		post.Set("id_token", cred.IDToken)
	case cred.AccessToken != "":
		post.Set("access_token", cred.AccessToken)
	default:
		return nil, prep.NewProviderError("auth/invalid-credential", "credential has no token", 0, nil)
	}

	requestURI := cred.RequestURI
	if requestURI == "" && c.config.AuthDomain != "" {
		requestURI = "https://" + c.config.AuthDomain
	}
	if requestURI == "" {
		requestURI = "http://localhost"
	}

	res, err := c.post(ctx, "/accounts:signInWithIdp", map[string]any{
		"postBody":            post.Encode(),
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	})
	if err != nil {
		return nil, err
	}

	user, err := c.establish(ctx, device, res, prep.PersistenceLocal, cred.ProviderID)
	if user != nil {
		user.IsNewUser = res.Get("isNewUser").Bool()
	}
	return user, err
}

func (c *Client) UpdateUser(ctx context.Context, device string, changes prep.UserChanges) (*prep.ProviderUser, error) {
	sess, err := c.Session(ctx, device)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, prep.ErrNoSession
	}

	user := sess.User
	if changes.IsZero() {
		return &user, nil
	}

	body := map[string]any{
		"idToken":           sess.IDToken,
		"returnSecureToken": true,
	}
	deletes := []string{}
	if changes.DisplayName != nil {
		if *changes.DisplayName == "" {
			deletes = append(deletes, "DISPLAY_NAME")
		} else {
			body["displayName"] = *changes.DisplayName
		}
		user.DisplayName = *changes.DisplayName
	}
	if changes.PhotoURL != nil {
		if *changes.PhotoURL == "" {
			deletes = append(deletes, "PHOTO_URL")
		} else {
			body["photoUrl"] = *changes.PhotoURL
		}
		user.PhotoURL = *changes.PhotoURL
	}
	if len(deletes) > 0 {
		body["deleteAttribute"] = deletes
	}

	res, err := c.post(ctx, "/accounts:update", body)
	if err != nil {
		return nil, err
	}

	if v := res.Get("emailVerified"); v.Exists() {
		user.EmailVerified = v.Bool()
	}
	if tok := res.Get("idToken").String(); tok != "" {
		sess.IDToken = tok
		sess.ExpiresAt = c.expiry(res.Get("expiresIn"))
	}
	if tok := res.Get("refreshToken").String(); tok != "" {
		sess.RefreshToken = tok
	}

	sess.User = user
	if err := c.save(ctx, device, sess); err != nil {
		return nil, err
	}

	c.publish(ctx, device, &user)
	return &user, nil
}

func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	_, err := c.post(ctx, "/accounts:sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	})
	return err
}

// SignOut drops the device session. The signed out event goes out even
// when the store fails so the page stops treating the user as signed in.
func (c *Client) SignOut(ctx context.Context, device string) error {
	err := c.tokens.Delete(ctx, device)
	c.publish(ctx, device, nil)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Subscribe opens an auth state stream for device. The first event is
// the restored session, resolved in the background.
func (c *Client) Subscribe(device string) prep.AuthStateSubscription {
	s := c.hub.subscribe(device)

	go func() {
		ctx, cancel := context.WithTimeout(prep.WithDevice(context.Background(), device), 2*c.config.Timeout)
		defer cancel()

		s.push(c.restored(ctx, device), true)
	}()

	return s
}

var errListenerClosed = errors.New("broadcast listener closed")

// Run listens for session changes made by other instances until ctx is
// done, restarting the listener with backoff when it fails. Without a
// broadcaster it returns immediately.
func (c *Client) Run(ctx context.Context) error {
	if c.broadcaster == nil {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.relisten
	policy.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		started := c.now()
		err := c.broadcaster.Listen(ctx, func(n Notice) {
			if n.Origin == c.origin || !c.hub.watched(n.Device) {
				return
			}
			c.logger.Debug("session changed on another instance", "device", n.Device)
			c.hub.publish(c.restored(ctx, n.Device))
		})
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errListenerClosed
		}
		if c.now().Sub(started) > policy.MaxInterval {
			policy.Reset()
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("session broadcast listener failed", "error", err, "retry_in", wait)
		}),
	)
	return err
}

// IDToken returns a fresh ID token for the device's session
func (c *Client) IDToken(ctx context.Context, device string) (string, error) {
	sess, err := c.Session(ctx, device)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", prep.ErrNoSession
	}
	return sess.IDToken, nil
}

// Session loads the device session, refreshing the ID token when it is
// about to expire. Returns nil and no error when signed out.
func (c *Client) Session(ctx context.Context, device string) (*Session, error) {
	sess, err := c.tokens.Load(ctx, device)
	if err != nil {
		return nil, prep.NewProviderError("unavailable", "failed to load session", 0, err)
	}
	if sess == nil {
		return nil, nil
	}

	if !sess.Expired(c.now(), c.config.RefreshLeeway) {
		if c.verifier == nil {
			return sess, nil
		}
		_, verr := c.verifier.Verify(sess.IDToken)
		if verr == nil {
			return sess, nil
		}
		if prep.ProviderCode(verr) != "auth/user-token-expired" {
			c.logger.Warn("discarding session with invalid id token", "device", device, "error", verr)
			c.dropSession(ctx, device, verr)
			return nil, nil
		}
	}

	v, err, _ := c.refreshes.Do(device, func() (any, error) {
		return c.refresh(ctx, device, sess)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Client) restored(ctx context.Context, device string) prep.AuthStateEvent {
	evt := prep.AuthStateEvent{Device: device, ObservedAt: c.now()}

	sess, err := c.Session(ctx, device)
	switch {
	case err != nil:
		evt.Err = err
	case sess != nil:
		user := sess.User
		evt.User = &user
	}
	return evt
}

func (c *Client) refresh(ctx context.Context, device string, sess *Session) (*Session, error) {
	resp, err := c.secure.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": sess.RefreshToken,
		}).
		Post("/token")
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if resp.IsError() {
		rerr := responseError(resp)
		var perr *prep.ProviderError
		if errors.As(rerr, &perr) && perr.Status > 0 && perr.Status < 500 && perr.Status != 429 {
			c.logger.Info("session refresh rejected, signing out device", "device", device, "code", perr.Code)
			c.dropSession(ctx, device, rerr)
		}
		return nil, rerr
	}

	res := gjson.Parse(resp.String())
	next := *sess
	next.IDToken = res.Get("id_token").String()
	next.RefreshToken = res.Get("refresh_token").String()
	next.ExpiresAt = c.expiry(res.Get("expires_in"))
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}

	if err := c.save(ctx, device, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (c *Client) establish(ctx context.Context, device string, res gjson.Result, persistence prep.Persistence, providerID string) (*prep.ProviderUser, error) {
	sess := &Session{
		UID:          res.Get("localId").String(),
		IDToken:      res.Get("idToken").String(),
		RefreshToken: res.Get("refreshToken").String(),
		ExpiresAt:    c.expiry(res.Get("expiresIn")),
		Persistence:  persistence,
	}

	user := userFromResult(res)
	if found, err := c.lookup(ctx, sess.IDToken); err == nil && found != nil {
		user = found
	} else if err != nil {
		c.logger.Warn("account lookup failed, using sign in response", "error", err)
	}
	if pid := res.Get("providerId").String(); pid != "" {
		providerID = pid
	}
	user.ProviderID = providerID

	sess.User = *user
	if err := c.save(ctx, device, sess); err != nil {
		return nil, err
	}

	c.publish(ctx, device, user)

	out := *user
	return &out, nil
}

func (c *Client) lookup(ctx context.Context, idToken string) (*prep.ProviderUser, error) {
	res, err := c.post(ctx, "/accounts:lookup", map[string]any{"idToken": idToken})
	if err != nil {
		return nil, err
	}
	u := res.Get("users.0")
	if !u.Exists() {
		return nil, nil
	}
	return userFromResult(u), nil
}

func (c *Client) post(ctx context.Context, path string, body any) (gjson.Result, error) {
	resp, err := c.identity.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return gjson.Result{}, transportError(ctx, err)
	}
	if resp.IsError() {
		return gjson.Result{}, responseError(resp)
	}
	return gjson.Parse(resp.String()), nil
}

func (c *Client) save(ctx context.Context, device string, sess *Session) error {
	sess.SavedAt = c.now()
	if err := c.tokens.Save(ctx, device, sess); err != nil {
		return prep.NewProviderError("unavailable", "failed to save session", 0, err)
	}
	return nil
}

// dropSession forgets a session the provider no longer honours and
// signs the device out everywhere
func (c *Client) dropSession(ctx context.Context, device string, cause error) {
	if err := c.tokens.Delete(ctx, device); err != nil {
		c.logger.Warn("failed to delete rejected session", "device", device, "error", err)
	}
	c.announce(ctx, prep.AuthStateEvent{Device: device, Cause: cause, ObservedAt: c.now()})
}

func (c *Client) publish(ctx context.Context, device string, user *prep.ProviderUser) {
	evt := prep.AuthStateEvent{Device: device, ObservedAt: c.now()}
	if user != nil {
		u := *user
		evt.User = &u
	}
	c.announce(ctx, evt)
}

func (c *Client) announce(ctx context.Context, evt prep.AuthStateEvent) {
	c.hub.publish(evt)

	if c.broadcaster == nil {
		return
	}
	if err := c.broadcaster.Publish(ctx, Notice{Origin: c.origin, Device: evt.Device}); err != nil {
		c.logger.Warn("failed to broadcast session change", "device", evt.Device, "error", err)
	}
}

func (c *Client) expiry(v gjson.Result) time.Time {
	secs := v.Int()
	if secs <= 0 {
		secs = 3600
	}
	return c.now().Add(time.Duration(secs) * time.Second)
}

func userFromResult(r gjson.Result) *prep.ProviderUser {
	return &prep.ProviderUser{
		UID:           r.Get("localId").String(),
		Email:         r.Get("email").String(),
		DisplayName:   r.Get("displayName").String(),
		PhotoURL:      r.Get("photoUrl").String(),
		EmailVerified: r.Get("emailVerified").Bool(),
	}
}
