// Package settings loads the deployment configuration of cmd/authd from a YAML
// file overlaid with environment variables, and turns it into the library
// configuration types.
package settings

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/okada-platform/authcore"
	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/internal/logging"
	"github.com/okada-platform/authcore/jwt"
)

type Settings struct {
	Env      string         `yaml:"env" env:"AUTHCORE_ENV" env-default:"local"`
	NodeID   int64          `yaml:"node_id" env:"AUTHCORE_NODE_ID" env-default:"1"`
	HTTP     HTTP           `yaml:"http"`
	Redis    Redis          `yaml:"redis"`
	Postgres Postgres       `yaml:"postgres"`
	Log      logging.Config `yaml:"log"`
	Tokens   Tokens         `yaml:"tokens"`
	Security Security       `yaml:"security"`
	Sweep    Sweep          `yaml:"sweep"`
	Metrics  Metrics        `yaml:"metrics"`
}

type HTTP struct {
	Address      string        `yaml:"address" env:"AUTHCORE_HTTP_ADDRESS" env-default:":8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env-default:"10s"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env-default:"60s"`
}

type Redis struct {
	Address  string `yaml:"address" env:"AUTHCORE_REDIS_ADDRESS" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"AUTHCORE_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"AUTHCORE_REDIS_DB" env-default:"0"`
}

// Postgres is optional: with an empty DSN the daemon keeps identities and
// codes in memory.
type Postgres struct {
	DSN string `yaml:"dsn" env:"AUTHCORE_POSTGRES_DSN"`
	// Driver is "pgx" or "postgres" (lib/pq).
	Driver         string `yaml:"driver" env:"AUTHCORE_POSTGRES_DRIVER" env-default:"pgx"`
	SkipMigrations bool   `yaml:"skip_migrations" env:"AUTHCORE_POSTGRES_SKIP_MIGRATIONS"`
	// Sessions moves refresh sessions from Redis to Postgres.
	Sessions bool `yaml:"sessions" env:"AUTHCORE_POSTGRES_SESSIONS"`
}

// Tokens holds unit-suffixed durations ("15m", "7d") and key material. hs256
// reads the two secrets; ed25519 reads the PEM files.
type Tokens struct {
	SigningMethod string `yaml:"signing_method" env:"AUTHCORE_SIGNING_METHOD" env-default:"hs256"`
	AccessTTL     string `yaml:"access_ttl" env:"AUTHCORE_ACCESS_TTL" env-default:"15m"`
	RefreshTTL    string `yaml:"refresh_ttl" env:"AUTHCORE_REFRESH_TTL" env-default:"7d"`
	Leeway        string `yaml:"leeway" env:"AUTHCORE_TOKEN_LEEWAY"`
	Issuer        string `yaml:"issuer" env:"AUTHCORE_ISSUER" env-default:"authcore"`
	Audience      string `yaml:"audience" env:"AUTHCORE_AUDIENCE"`
	KeyID         string `yaml:"key_id" env:"AUTHCORE_KEY_ID"`

	AccessSecret  string `yaml:"access_secret" env:"AUTHCORE_ACCESS_SECRET"`
	RefreshSecret string `yaml:"refresh_secret" env:"AUTHCORE_REFRESH_SECRET"`

	AccessPrivateKeyFile  string `yaml:"access_private_key_file" env:"AUTHCORE_ACCESS_PRIVATE_KEY_FILE"`
	AccessPublicKeyFile   string `yaml:"access_public_key_file" env:"AUTHCORE_ACCESS_PUBLIC_KEY_FILE"`
	RefreshPrivateKeyFile string `yaml:"refresh_private_key_file" env:"AUTHCORE_REFRESH_PRIVATE_KEY_FILE"`
	RefreshPublicKeyFile  string `yaml:"refresh_public_key_file" env:"AUTHCORE_REFRESH_PUBLIC_KEY_FILE"`
}

type Security struct {
	VerificationSecret   string `yaml:"verification_secret" env:"AUTHCORE_VERIFICATION_SECRET" env-required:"true"`
	CodeExpiry           string `yaml:"code_expiry" env-default:"10m"`
	CodeMaxAttempts      int    `yaml:"code_max_attempts" env-default:"3"`
	PasswordAlgorithm    string `yaml:"password_algorithm" env:"AUTHCORE_PASSWORD_ALGORITHM" env-default:"bcrypt"`
	BcryptCost           int    `yaml:"bcrypt_cost" env-default:"12"`
	LockoutAttempts      int    `yaml:"lockout_attempts" env-default:"5"`
	LockoutDuration      string `yaml:"lockout_duration" env-default:"30m"`
	RequireVerifiedLogin bool   `yaml:"require_verified_login" env:"AUTHCORE_REQUIRE_VERIFIED_LOGIN"`
	DefaultLocale        string `yaml:"default_locale" env-default:"fr"`
}

type Sweep struct {
	Interval string `yaml:"interval" env:"AUTHCORE_SWEEP_INTERVAL" env-default:"1h"`
}

// Metrics flags default to false so that a YAML false is never overridden by
// an env-default.
type Metrics struct {
	Disabled   bool `yaml:"disabled" env:"AUTHCORE_METRICS_DISABLED"`
	Histograms bool `yaml:"histograms" env:"AUTHCORE_METRICS_HISTOGRAMS"`
	OTel       bool `yaml:"otel" env:"AUTHCORE_METRICS_OTEL"`
}

// MustLoad is Load that panics.
func MustLoad(path string) *Settings {
	s, err := Load(path)
	if err != nil {
		panic(fmt.Sprintf("failed to load settings: %v", err))
	}
	return s
}

// Load reads an optional .env into the process environment, then path (when
// non-empty) and the environment. Variables already set win over .env.
func Load(path string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("settings: .env: %w", err)
	}

	var s Settings
	if path == "" {
		if err := cleanenv.ReadEnv(&s); err != nil {
			return nil, fmt.Errorf("settings: %w", err)
		}
		return &s, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	if err := cleanenv.ReadConfig(path, &s); err != nil {
		return nil, fmt.Errorf("settings: %s: %w", path, err)
	}
	return &s, nil
}

// SweepInterval parses Sweep.Interval.
func (s *Settings) SweepInterval() (time.Duration, error) {
	return jwt.ParseExpiry(s.Sweep.Interval)
}

// EngineConfig overlays the settings on authcore.DefaultConfig. The result is
// validated.
func (s *Settings) EngineConfig() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()
	var err error

	t := s.Tokens
	if cfg.JWT.AccessTTL, err = jwt.ParseExpiry(t.AccessTTL); err != nil {
		return cfg, fmt.Errorf("settings: tokens.access_ttl: %w", err)
	}
	if cfg.JWT.RefreshTTL, err = jwt.ParseExpiry(t.RefreshTTL); err != nil {
		return cfg, fmt.Errorf("settings: tokens.refresh_ttl: %w", err)
	}
	if t.Leeway != "" {
		if cfg.JWT.Leeway, err = jwt.ParseExpiry(t.Leeway); err != nil {
			return cfg, fmt.Errorf("settings: tokens.leeway: %w", err)
		}
	}
	cfg.JWT.SigningMethod = jwt.SigningMethod(strings.ToLower(t.SigningMethod))
	cfg.JWT.Issuer = t.Issuer
	cfg.JWT.Audience = t.Audience
	cfg.JWT.KeyID = t.KeyID
	if cfg.JWT.AccessKey, cfg.JWT.RefreshKey, err = t.keys(cfg.JWT.SigningMethod); err != nil {
		return cfg, err
	}

	sec := s.Security
	cfg.Verification.Secret = []byte(sec.VerificationSecret)
	cfg.Verification.MaxAttempts = sec.CodeMaxAttempts
	if cfg.Verification.Expiry, err = jwt.ParseExpiry(sec.CodeExpiry); err != nil {
		return cfg, fmt.Errorf("settings: security.code_expiry: %w", err)
	}
	cfg.Password.Algorithm = strings.ToLower(sec.PasswordAlgorithm)
	cfg.Password.BcryptCost = sec.BcryptCost
	cfg.Lockout.MaxAttempts = sec.LockoutAttempts
	if cfg.Lockout.Duration, err = jwt.ParseExpiry(sec.LockoutDuration); err != nil {
		return cfg, fmt.Errorf("settings: security.lockout_duration: %w", err)
	}
	cfg.RequireVerifiedLogin = sec.RequireVerifiedLogin
	cfg.DefaultLocale = credential.ParseLocale(sec.DefaultLocale, credential.LocaleFrench)

	cfg.Metrics.Enabled = !s.Metrics.Disabled
	cfg.Metrics.EnableLatencyHistograms = s.Metrics.Histograms
	cfg.NodeID = s.NodeID

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

func (t Tokens) keys(method jwt.SigningMethod) (access, refresh jwt.KeyPair, err error) {
	switch method {
	case jwt.MethodHS256:
		if t.AccessSecret == "" || t.RefreshSecret == "" {
			return access, refresh, errors.New("settings: tokens.access_secret and tokens.refresh_secret are required for hs256")
		}
		return jwt.KeyPair{Private: []byte(t.AccessSecret)}, jwt.KeyPair{Private: []byte(t.RefreshSecret)}, nil
	case jwt.MethodEd25519:
		if access, err = readPair(t.AccessPrivateKeyFile, t.AccessPublicKeyFile); err != nil {
			return access, refresh, err
		}
		refresh, err = readPair(t.RefreshPrivateKeyFile, t.RefreshPublicKeyFile)
		return access, refresh, err
	}
	return access, refresh, fmt.Errorf("settings: unsupported signing method %q", method)
}

func readPair(privateFile, publicFile string) (jwt.KeyPair, error) {
	var kp jwt.KeyPair
	if privateFile == "" && publicFile == "" {
		return kp, errors.New("settings: ed25519 needs a private or public key file")
	}
	var err error
	if privateFile != "" {
		if kp.Private, err = os.ReadFile(privateFile); err != nil {
			return kp, fmt.Errorf("settings: %w", err)
		}
	}
	if publicFile != "" {
		if kp.Public, err = os.ReadFile(publicFile); err != nil {
			return kp, fmt.Errorf("settings: %w", err)
		}
	}
	return kp, nil
}
