// Package config loads the server configuration from defaults, an
// optional YAML file and PREP_ prefixed environment variables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/spf13/viper"
)

const EnvPrefix = "PREP"

// Config holds the application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server"`
	Firebase  FirebaseConfig  `mapstructure:"firebase" json:"firebase"`
	Google    GoogleConfig    `mapstructure:"google" json:"google"`
	Session   SessionConfig   `mapstructure:"session" json:"session"`
	Profiles  ProfilesConfig  `mapstructure:"profiles" json:"profiles"`
	Redis     RedisConfig     `mapstructure:"redis" json:"redis"`
	Log       LogConfig       `mapstructure:"log" json:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" json:"port"`
	Dev             bool          `mapstructure:"dev" json:"dev"`
	BaseURL         string        `mapstructure:"base_url" json:"base_url"`
	SecureCookies   bool          `mapstructure:"secure_cookies" json:"secure_cookies"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// FirebaseConfig is the web app configuration of the Firebase project
type FirebaseConfig struct {
	APIKey     string `mapstructure:"api_key" json:"api_key"`
	ProjectID  string `mapstructure:"project_id" json:"project_id"`
	AuthDomain string `mapstructure:"auth_domain" json:"auth_domain"`
	// VerifyTokens checks restored ID tokens against the secure token JWKS
	VerifyTokens bool `mapstructure:"verify_tokens" json:"verify_tokens"`
}

// GoogleConfig enables "Sign in with Google" when ClientID is set
type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id" json:"client_id"`
	ClientSecret string `mapstructure:"client_secret" json:"client_secret"`
	CallbackURL  string `mapstructure:"callback_url" json:"callback_url"`
}

// Enabled reports whether Google sign in is configured
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != ""
}

type SessionConfig struct {
	// Secret signs CSRF tokens and OAuth state, at least 32 bytes
	Secret           string        `mapstructure:"secret" json:"secret"`
	IdleTTL          time.Duration `mapstructure:"idle_ttl" json:"idle_ttl"`
	FirstVisitTTL    time.Duration `mapstructure:"first_visit_ttl" json:"first_visit_ttl"`
	MaxBridges       int           `mapstructure:"max_bridges" json:"max_bridges"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout" json:"startup_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout" json:"operation_timeout"`
	GuardWait        time.Duration `mapstructure:"guard_wait" json:"guard_wait"`
}

// ProfilesConfig selects where profile documents live
type ProfilesConfig struct {
	// Backend is "firestore" or "sql"
	Backend string `mapstructure:"backend" json:"backend"`
	DSN     string `mapstructure:"dsn" json:"dsn"`
}

// RedisConfig shares sessions across instances when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"password"`
	DB       int    `mapstructure:"db" json:"db"`
}

type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	Env   string `mapstructure:"env" json:"env"`
}

type TelemetryConfig struct {
	// Endpoint of the OTLP gRPC collector, tracing is off when empty
	Endpoint    string  `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string  `mapstructure:"service_name" json:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate" json:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure" json:"insecure"`
}

// Option adjusts the viper instance before the configuration is decoded
type Option func(v *viper.Viper)

// WithOverride sets key above every other source, used for CLI flags
func WithOverride(key string, value any) Option {
	return func(v *viper.Viper) {
		v.Set(key, value)
	}
}

// Load reads configuration from file and environment. A missing config
// file is fine, missing Firebase settings are not.
func Load(configPath string, opts ...Option) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("prep")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/prep")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telemetry.endpoint", "PREP_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	for _, opt := range opts {
		opt(v)
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Session.Secret == "" && cfg.Server.Dev {
		cfg.Session.Secret = randomSecret()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults configures default values. Every key needs one so that
// AutomaticEnv picks it up during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dev", false)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.secure_cookies", true)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("firebase.api_key", "")
	v.SetDefault("firebase.project_id", "")
	v.SetDefault("firebase.auth_domain", "")
	v.SetDefault("firebase.verify_tokens", true)

	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.callback_url", "")

	v.SetDefault("session.secret", "")
	v.SetDefault("session.idle_ttl", 30*time.Minute)
	v.SetDefault("session.first_visit_ttl", 2*time.Minute)
	v.SetDefault("session.max_bridges", 10000)
	v.SetDefault("session.startup_timeout", 5*time.Second)
	v.SetDefault("session.operation_timeout", 20*time.Second)
	v.SetDefault("session.guard_wait", 6*time.Second)

	v.SetDefault("profiles.backend", "firestore")
	v.SetDefault("profiles.dsn", "file:prep.db?cache=shared")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.env", "production")

	v.SetDefault("telemetry.service_name", "prep")
	v.SetDefault("telemetry.sample_rate", 1.0)
	v.SetDefault("telemetry.insecure", false)
}

// Validate will run validation rules
func (c *Config) Validate() error {
	if err := c.Firebase.Validate(); err != nil {
		return fmt.Errorf("missing Firebase configuration, set %s_FIREBASE_API_KEY, %s_FIREBASE_PROJECT_ID and %s_FIREBASE_AUTH_DOMAIN: %w",
			EnvPrefix, EnvPrefix, EnvPrefix, err)
	}

	err := validation.Errors{
		"server":    c.Server.Validate(),
		"session":   c.Session.Validate(),
		"google":    c.Google.Validate(),
		"profiles":  c.Profiles.Validate(),
		"telemetry": c.Telemetry.Validate(),
	}.Filter()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (f FirebaseConfig) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.APIKey, validation.Required),
		validation.Field(&f.ProjectID, validation.Required),
		validation.Field(&f.AuthDomain, validation.Required, is.Host),
	)
}

func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.BaseURL, validation.Required, is.URL),
	)
}

func (s SessionConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Secret, validation.Required, validation.Length(32, 0)),
		validation.Field(&s.StartupTimeout, validation.Required),
		validation.Field(&s.OperationTimeout, validation.Required),
		validation.Field(&s.MaxBridges, validation.Min(0)),
	)
}

func (g GoogleConfig) Validate() error {
	if !g.Enabled() {
		return nil
	}
	return validation.ValidateStruct(&g,
		validation.Field(&g.ClientSecret, validation.Required),
		validation.Field(&g.CallbackURL, validation.Required, is.URL),
	)
}

func (p ProfilesConfig) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Backend, validation.Required, validation.In("firestore", "sql")),
	)
}

func (t TelemetryConfig) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.SampleRate, validation.Min(0.0), validation.Max(1.0)),
	)
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
