package social

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// StateManager handles OAuth state encoding and verification.
type StateManager interface {
	Encode(state *OAuthState) (string, error)
	Decode(token string) (*OAuthState, error)
}

// OAuthState contains the data carried in the OAuth state parameter.
type OAuthState struct {
	Nonce        string `json:"n"`
	Provider     string `json:"p"`
	Device       string `json:"d"`
	CodeVerifier string `json:"cv,omitempty"`
	RedirectURL  string `json:"r,omitempty"`
	IssuedAt     int64  `json:"-"`
	ExpiresAt    int64  `json:"-"`
}

type stateClaims struct {
	OAuthState
	jwt.RegisteredClaims
}

// JWTStateManager signs the state as an HS256 JWT. The code verifier
// travels inside the signed token so no server side storage is needed.
type JWTStateManager struct {
	key    []byte
	ttl    time.Duration
	issuer string
}

// NewJWTStateManager creates a state manager, key must be at least 32 bytes
func NewJWTStateManager(key []byte, ttl time.Duration) *JWTStateManager {
	if len(key) < 32 {
		panic(fmt.Errorf("social: state key must be at least 32 bytes, got %d", len(key)))
	}
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &JWTStateManager{key: key, ttl: ttl, issuer: "prep/social"}
}

// Encode signs the state.
func (sm *JWTStateManager) Encode(state *OAuthState) (string, error) {
	if state == nil {
		return "", ErrInvalidState
	}

	now := time.Now()
	if state.IssuedAt == 0 {
		state.IssuedAt = now.Unix()
	}
	if state.ExpiresAt == 0 {
		state.ExpiresAt = time.Unix(state.IssuedAt, 0).Add(sm.ttl).Unix()
	}
	if state.Nonce == "" {
		state.Nonce = generateNonce()
	}

	claims := stateClaims{
		OAuthState: *state,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    sm.issuer,
			IssuedAt:  jwt.NewNumericDate(time.Unix(state.IssuedAt, 0)),
			ExpiresAt: jwt.NewNumericDate(time.Unix(state.ExpiresAt, 0)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(sm.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign state: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and expiry of the state.
func (sm *JWTStateManager) Decode(token string) (*OAuthState, error) {
	claims := &stateClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return sm.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sm.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrStateExpired
		}
		return nil, ErrInvalidState
	}

	state := claims.OAuthState
	if iat := claims.RegisteredClaims.IssuedAt; iat != nil {
		state.IssuedAt = iat.Unix()
	}
	if exp := claims.RegisteredClaims.ExpiresAt; exp != nil {
		state.ExpiresAt = exp.Unix()
	}
	return &state, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func computeCodeChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
