package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-router"
)

var (
	ErrTokenMismatch = errors.New("CSRF token mismatch")
	ErrTokenMissing  = errors.New("CSRF token missing")
	ErrTokenExpired  = errors.New("CSRF token expired")
)

const (
	// DefaultContextKey is the locals key holding the request token
	DefaultContextKey = "csrf_token"
	// DefaultFormFieldName is the hidden form field carrying the token
	DefaultFormFieldName = "_token"
	// DefaultHeaderName is the header scripts may use instead
	DefaultHeaderName = "X-CSRF-Token"
	// DefaultSessionLocal is the locals key the token is bound to
	DefaultSessionLocal = "device_id"

	nonceLength = 16
)

// Config defines the configuration for CSRF middleware
type Config struct {
	// Skip defines a function to skip middleware
	Skip func(router.Context) bool

	// SecureKey signs tokens, at least 32 bytes. A random key is generated
	// when empty, which only works for a single instance.
	SecureKey []byte

	ContextKey    string
	FormFieldName string
	HeaderName    string

	// SessionLocal names the locals value tokens are bound to. Requests
	// without it fall back to the forwarded client address.
	SessionLocal string

	// Expiration defines how long tokens are valid
	Expiration time.Duration

	SafeMethods  []string
	ErrorHandler router.ErrorHandler
}

// New creates a new CSRF middleware. Every request gets a fresh signed
// token in locals; unsafe methods must send back a valid one.
func New(config ...Config) router.MiddlewareFunc {
	cfg := configDefault(config...)

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) error {
			if cfg.Skip != nil && cfg.Skip(ctx) {
				return ctx.Next()
			}

			session := sessionKey(ctx, cfg)
			token, err := cfg.issue(session, time.Now())
			if err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			ctx.Locals(cfg.ContextKey, token)
			ctx.Locals(cfg.ContextKey+"_field", cfg.FormFieldName)

			if slices.Contains(cfg.SafeMethods, strings.ToUpper(ctx.Method())) {
				return ctx.Next()
			}

			received := ctx.FormValue(cfg.FormFieldName)
			if received == "" {
				received = ctx.Header(cfg.HeaderName)
			}

			if err := cfg.verify(received, session, time.Now()); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			return ctx.Next()
		}
	}
}

func (cfg Config) issue(session string, now time.Time) (string, error) {
	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	payload := fmt.Sprintf("%d:%s:%s", now.UTC().Unix(), hex.EncodeToString(nonce), session)
	token := payload + ":" + hex.EncodeToString(cfg.sign(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(token)), nil
}

func (cfg Config) verify(token, session string, now time.Time) error {
	if token == "" {
		return ErrTokenMissing
	}

	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMismatch
	}

	parts := strings.Split(string(decoded), ":")
	if len(parts) != 4 {
		return ErrTokenMismatch
	}

	signature, err := hex.DecodeString(parts[3])
	if err != nil {
		return ErrTokenMismatch
	}

	if !hmac.Equal(signature, cfg.sign(strings.Join(parts[:3], ":"))) {
		return ErrTokenMismatch
	}

	if subtle.ConstantTimeCompare([]byte(parts[2]), []byte(session)) != 1 {
		return ErrTokenMismatch
	}

	issued, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ErrTokenMismatch
	}

	if cfg.Expiration > 0 && now.UTC().After(time.Unix(issued, 0).Add(cfg.Expiration)) {
		return ErrTokenExpired
	}

	return nil
}

func (cfg Config) sign(payload string) []byte {
	mac := hmac.New(sha256.New, cfg.SecureKey)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func sessionKey(ctx router.Context, cfg Config) string {
	if id, ok := ctx.Locals(cfg.SessionLocal).(string); ok && id != "" {
		return "d_" + id
	}
	if fwd := ctx.Header("X-Forwarded-For"); fwd != "" {
		return "ip_" + strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return "anonymous"
}

// TemplateData returns the values views need to render the token
func TemplateData(ctx router.Context) map[string]any {
	token, _ := ctx.Locals(DefaultContextKey).(string)

	field := DefaultFormFieldName
	if v, ok := ctx.Locals(DefaultContextKey + "_field").(string); ok && v != "" {
		field = v
	}

	return map[string]any{
		"csrf_token": token,
		"csrf_field": `<input type="hidden" name="` + field + `" value="` + html.EscapeString(token) + `">`,
	}
}

func configDefault(config ...Config) Config {
	cfg := Config{}
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = DefaultContextKey
	}

	if cfg.FormFieldName == "" {
		cfg.FormFieldName = DefaultFormFieldName
	}

	if cfg.HeaderName == "" {
		cfg.HeaderName = DefaultHeaderName
	}

	if cfg.SessionLocal == "" {
		cfg.SessionLocal = DefaultSessionLocal
	}

	if cfg.SafeMethods == nil {
		cfg.SafeMethods = []string{"GET", "HEAD", "OPTIONS", "TRACE"}
	}

	if cfg.Expiration == 0 {
		cfg.Expiration = 12 * time.Hour
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler
	}

	cfg.SecureKey = initializeSecureKey(cfg.SecureKey)

	return cfg
}

func defaultErrorHandler(ctx router.Context, err error) error {
	switch err {
	case ErrTokenMissing:
		return ctx.Status(router.StatusBadRequest).SendString("CSRF token missing")
	case ErrTokenMismatch, ErrTokenExpired:
		return ctx.Status(router.StatusForbidden).SendString("Your form expired. Go back, reload the page and try again.")
	default:
		return ctx.Status(router.StatusInternalServerError).SendString("CSRF validation error")
	}
}

func initializeSecureKey(current []byte) []byte {
	if len(current) > 0 {
		if len(current) < 32 {
			panic(fmt.Errorf("csrf: secure key must be at least 32 bytes, got %d", len(current)))
		}
		return current
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic(fmt.Errorf("csrf: unable to initialize secure key: %w", err))
	}
	return key
}
