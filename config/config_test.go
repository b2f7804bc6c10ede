package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setFirebaseEnv(t *testing.T) {
	t.Setenv("PREP_FIREBASE_API_KEY", "api-key")
	t.Setenv("PREP_FIREBASE_PROJECT_ID", "prep-test")
	t.Setenv("PREP_FIREBASE_AUTH_DOMAIN", "prep-test.firebaseapp.com")
}

func emptyConfigFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "prep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))
	return path
}

func TestLoadFailsWithoutFirebase(t *testing.T) {
	t.Setenv("PREP_SESSION_SECRET", testSecret)

	_, err := Load(emptyConfigFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PREP_FIREBASE_API_KEY")
}

func TestLoadFromEnvironment(t *testing.T) {
	setFirebaseEnv(t)
	t.Setenv("PREP_SESSION_SECRET", testSecret)
	t.Setenv("PREP_SERVER_PORT", "9090")
	t.Setenv("PREP_SESSION_STARTUP_TIMEOUT", "2s")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load(emptyConfigFile(t))
	require.NoError(t, err)

	assert.Equal(t, "api-key", cfg.Firebase.APIKey)
	assert.Equal(t, "prep-test", cfg.Firebase.ProjectID)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Session.StartupTimeout)
	assert.Equal(t, 20*time.Second, cfg.Session.OperationTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Session.FirstVisitTTL)
	assert.Equal(t, 10000, cfg.Session.MaxBridges)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "firestore", cfg.Profiles.Backend)
	assert.True(t, cfg.Server.SecureCookies)
	assert.False(t, cfg.Google.Enabled())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join([]string{
		"firebase:",
		"  api_key: file-key",
		"  project_id: file-project",
		"  auth_domain: file-project.firebaseapp.com",
		"session:",
		"  secret: " + testSecret,
		"profiles:",
		"  backend: sql",
		"  dsn: \"file::memory:\"",
		"google:",
		"  client_id: client",
		"  client_secret: secret",
		"  callback_url: http://localhost:8080/auth/google/callback",
	}, "\n")), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-key", cfg.Firebase.APIKey)
	assert.Equal(t, "sql", cfg.Profiles.Backend)
	assert.True(t, cfg.Google.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	setFirebaseEnv(t)

	cfg, err := Load(emptyConfigFile(t),
		WithOverride("server.port", 3000),
		WithOverride("server.dev", true),
	)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.True(t, cfg.Server.Dev)
	assert.Len(t, cfg.Session.Secret, 64, "dev mode generates a secret")
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080, BaseURL: "http://localhost:8080"},
			Firebase: FirebaseConfig{APIKey: "k", ProjectID: "p", AuthDomain: "p.firebaseapp.com"},
			Session:  SessionConfig{Secret: testSecret, StartupTimeout: time.Second, OperationTimeout: time.Second},
			Profiles: ProfilesConfig{Backend: "firestore"},
		}
	}

	require.NoError(t, base().Validate())

	short := base()
	short.Session.Secret = "short"
	assert.Error(t, short.Validate())

	backend := base()
	backend.Profiles.Backend = "mongo"
	assert.Error(t, backend.Validate())

	google := base()
	google.Google.ClientID = "client"
	assert.Error(t, google.Validate())

	rate := base()
	rate.Telemetry.SampleRate = 2
	assert.Error(t, rate.Validate())
}
