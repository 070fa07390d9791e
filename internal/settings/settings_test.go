package settings

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/jwt"
)

const baseYAML = `
http:
  address: ":9090"
tokens:
  access_secret: "access-secret-access-secret-access-secret"
  refresh_secret: "refresh-secret-refresh-secret-refresh-secret"
  leeway: 30s
security:
  verification_secret: "verification-secret-verification-secret"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	s, err := Load(writeFile(t, "authd.yaml", baseYAML))
	require.NoError(t, err)

	require.Equal(t, ":9090", s.HTTP.Address)
	require.Equal(t, 10*time.Second, s.HTTP.ReadTimeout)
	require.Equal(t, "localhost:6379", s.Redis.Address)
	require.Equal(t, "pgx", s.Postgres.Driver)
	require.Equal(t, "info", s.Log.Level)
	require.Equal(t, "hs256", s.Tokens.SigningMethod)
	require.Equal(t, "7d", s.Tokens.RefreshTTL)
	require.Equal(t, 5, s.Security.LockoutAttempts)

	interval, err := s.SweepInterval()
	require.NoError(t, err)
	require.Equal(t, time.Hour, interval)
}

func TestEngineConfig(t *testing.T) {
	s, err := Load(writeFile(t, "authd.yaml", baseYAML))
	require.NoError(t, err)

	cfg, err := s.EngineConfig()
	require.NoError(t, err)

	require.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL)
	require.Equal(t, 7*24*time.Hour, cfg.JWT.RefreshTTL)
	require.Equal(t, 30*time.Second, cfg.JWT.Leeway)
	require.Equal(t, jwt.MethodHS256, cfg.JWT.SigningMethod)
	require.Equal(t, []byte("access-secret-access-secret-access-secret"), cfg.JWT.AccessKey.Private)
	require.Equal(t, 10*time.Minute, cfg.Verification.Expiry)
	require.Equal(t, 30*time.Minute, cfg.Lockout.Duration)
	require.Equal(t, credential.LocaleFrench, cfg.DefaultLocale)
	require.True(t, cfg.Metrics.Enabled)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("AUTHCORE_ACCESS_TTL", "5m")
	t.Setenv("AUTHCORE_METRICS_DISABLED", "true")
	t.Setenv("AUTHCORE_PASSWORD_ALGORITHM", "ARGON2ID")

	s, err := Load(writeFile(t, "authd.yaml", baseYAML))
	require.NoError(t, err)

	cfg, err := s.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, cfg.JWT.AccessTTL)
	require.False(t, cfg.Metrics.Enabled)
	require.Equal(t, "argon2id", cfg.Password.Algorithm)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	require.Panics(t, func() { MustLoad(filepath.Join(t.TempDir(), "absent.yaml")) })
}

func TestEngineConfigRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"bad access ttl", func(s *Settings) { s.Tokens.AccessTTL = "15" }},
		{"bad refresh unit", func(s *Settings) { s.Tokens.RefreshTTL = "7y" }},
		{"bad lockout", func(s *Settings) { s.Security.LockoutDuration = "soon" }},
		{"missing hs256 secret", func(s *Settings) { s.Tokens.RefreshSecret = "" }},
		{"short verification secret", func(s *Settings) { s.Security.VerificationSecret = "short" }},
		{"unknown signing method", func(s *Settings) { s.Tokens.SigningMethod = "rs256" }},
		{"ed25519 without keys", func(s *Settings) { s.Tokens.SigningMethod = "ed25519" }},
		{"refresh not longer than access", func(s *Settings) { s.Tokens.RefreshTTL = "10m" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := Load(writeFile(t, "authd.yaml", baseYAML))
			require.NoError(t, err)
			tc.mutate(s)

			_, err = s.EngineConfig()
			require.Error(t, err)
		})
	}
}

func TestEngineConfigEd25519Files(t *testing.T) {
	_, accessKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	refreshPub, refreshKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	s, err := Load(writeFile(t, "authd.yaml", baseYAML))
	require.NoError(t, err)
	s.Tokens.SigningMethod = "ed25519"
	s.Tokens.AccessPrivateKeyFile = writeFile(t, "access.key", string(accessKey))
	s.Tokens.RefreshPrivateKeyFile = writeFile(t, "refresh.key", string(refreshKey))
	s.Tokens.RefreshPublicKeyFile = writeFile(t, "refresh.pub", string(refreshPub))

	cfg, err := s.EngineConfig()
	require.NoError(t, err)
	require.Equal(t, jwt.MethodEd25519, cfg.JWT.SigningMethod)
	require.Equal(t, []byte(accessKey), cfg.JWT.AccessKey.Private)
	require.Equal(t, []byte(refreshPub), cfg.JWT.RefreshKey.Public)
}
