package firebase

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	prep "github.com/goliatone/go-prep"
)

// SecureTokenJWKSURL serves the keys that sign Firebase ID tokens
const SecureTokenJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// IDTokenClaims are the claims carried by a Firebase ID token
type IDTokenClaims struct {
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider,omitempty"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

// User returns the provider user described by the claims
func (c *IDTokenClaims) User() *prep.ProviderUser {
	return &prep.ProviderUser{
		UID:           c.Subject,
		Email:         c.Email,
		DisplayName:   c.Name,
		PhotoURL:      c.Picture,
		EmailVerified: c.EmailVerified,
		IsAnonymous:   c.Firebase.SignInProvider == "anonymous",
		ProviderID:    c.Firebase.SignInProvider,
	}
}

// Verifier checks ID tokens of restored sessions
type Verifier struct {
	projectID string
	keyfunc   jwt.Keyfunc
	jwks      *keyfunc.JWKS
	now       func() time.Time
}

// NewVerifier creates a verifier for projectID using kf to resolve keys
func NewVerifier(projectID string, kf jwt.Keyfunc) *Verifier {
	return &Verifier{
		projectID: projectID,
		keyfunc:   kf,
		now:       time.Now,
	}
}

// NewRemoteVerifier fetches the secure token JWKS and keeps it refreshed
// in the background until Close.
func NewRemoteVerifier(projectID string, logger prep.Logger) (*Verifier, error) {
	if logger == nil {
		logger = prep.DefLogger()
	}

	jwks, err := keyfunc.Get(SecureTokenJWKSURL, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.Warn("failed to do a background refresh of JWT set", "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secure token key set: %w", err)
	}

	v := NewVerifier(projectID, jwks.Keyfunc)
	v.jwks = jwks
	return v, nil
}

// Verify parses token and checks signature, issuer, audience and expiry.
// Failures are provider errors so they resolve through the failure table.
func (v *Verifier) Verify(token string) (*IDTokenClaims, error) {
	claims := &IDTokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer("https://securetoken.google.com/"+v.projectID),
		jwt.WithAudience(v.projectID),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, prep.NewProviderError("auth/user-token-expired", "id token expired", 0, err)
		}
		return nil, prep.NewProviderError("auth/invalid-user-token", "id token rejected", 0, err)
	}

	if claims.Subject == "" {
		return nil, prep.NewProviderError("auth/invalid-user-token", "id token has no subject", 0, nil)
	}

	return claims, nil
}

// Close stops the background key refresh
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}
