package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/internal/rate"
	"github.com/okada-platform/authcore/jwt"
	"github.com/okada-platform/authcore/password"
)

// RateLimitPolicy is a named sliding-window limit.
type RateLimitPolicy = rate.Policy

// Config is the engine configuration. Start from DefaultConfig.
type Config struct {
	JWT          JWTConfig
	Password     PasswordConfig
	Lockout      LockoutConfig
	Verification VerificationConfig
	RateLimits   RateLimitConfig
	Session      SessionConfig
	Audit        AuditConfig
	Metrics      MetricsConfig
	Timeouts     TimeoutConfig

	// DefaultLocale is used when a caller passes no usable locale.
	DefaultLocale credential.Locale
	// RequireVerifiedLogin rejects logins of pending_verification identities.
	RequireVerifiedLogin bool
	// NodeID seeds snowflake session ids (0-1023).
	NodeID int64
}

type JWTConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod jwt.SigningMethod
	AccessKey     jwt.KeyPair
	RefreshKey    jwt.KeyPair
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
}

type PasswordConfig struct {
	// Algorithm is "bcrypt" (default) or "argon2id". Hashes of the other
	// algorithm still verify and are upgraded on the next login.
	Algorithm  string
	BcryptCost int
	Argon2     password.Argon2Params
	MinLength  int
}

// LockoutConfig: MaxAttempts consecutive failures lock the account for
// Duration.
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

type VerificationConfig struct {
	// Secret keys the code digests. At least 32 bytes.
	Secret      []byte
	Expiry      time.Duration
	MaxAttempts int
	Length      int
	// Retention is how long past expiry codes are kept before the sweep.
	Retention time.Duration
}

type RateLimitConfig struct {
	Prefix          string
	CodeGeneration  RateLimitPolicy
	PasswordReset   RateLimitPolicy
	OTPVerification RateLimitPolicy
}

type SessionConfig struct {
	RedisPrefix      string
	RevocationPrefix string
	// Retention is how long inactive session rows are kept.
	Retention time.Duration
}

type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// TimeoutConfig bounds every store round trip.
type TimeoutConfig struct {
	Store time.Duration
}

// DefaultConfig returns the production defaults. Keys and the verification
// secret must still be supplied.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: jwt.MethodHS256,
			Issuer:        "authcore",
		},
		Password: PasswordConfig{
			Algorithm:  "bcrypt",
			BcryptCost: password.MinBcryptCost,
			Argon2:     password.DefaultArgon2Params(),
			MinLength:  8,
		},
		Lockout: LockoutConfig{
			MaxAttempts: 5,
			Duration:    30 * time.Minute,
		},
		Verification: VerificationConfig{
			Expiry:      10 * time.Minute,
			MaxAttempts: 3,
			Length:      6,
			Retention:   24 * time.Hour,
		},
		RateLimits: RateLimitConfig{
			Prefix:          "rl:",
			CodeGeneration:  rate.CodeGeneration,
			PasswordReset:   rate.PasswordReset,
			OTPVerification: rate.OTPVerification,
		},
		Session: SessionConfig{
			RedisPrefix:      "as",
			RevocationPrefix: "rv",
			Retention:        30 * 24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			EnableLatencyHistograms: false,
		},
		Timeouts: TimeoutConfig{
			Store: 2 * time.Second,
		},
		DefaultLocale: credential.LocaleFrench,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.AccessKey = jwt.KeyPair{Private: cloneBytes(cfg.JWT.AccessKey.Private), Public: cloneBytes(cfg.JWT.AccessKey.Public)}
	out.JWT.RefreshKey = jwt.KeyPair{Private: cloneBytes(cfg.JWT.RefreshKey.Private), Public: cloneBytes(cfg.JWT.RefreshKey.Public)}
	out.Verification.Secret = cloneBytes(cfg.Verification.Secret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// Validate checks the configuration without touching any backend. Key
// material is checked again, more thoroughly, when the engine is built.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= 0 {
		return errors.New("JWT AccessTTL and RefreshTTL must be > 0")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("JWT RefreshTTL must exceed AccessTTL")
	}
	if c.JWT.SigningMethod != jwt.MethodHS256 && c.JWT.SigningMethod != jwt.MethodEd25519 {
		return fmt.Errorf("unsupported JWT signing method %q", c.JWT.SigningMethod)
	}
	if len(c.JWT.AccessKey.Private) == 0 && len(c.JWT.AccessKey.Public) == 0 {
		return errors.New("JWT AccessKey is required")
	}
	if len(c.JWT.RefreshKey.Private) == 0 && len(c.JWT.RefreshKey.Public) == 0 {
		return errors.New("JWT RefreshKey is required")
	}
	if c.JWT.Leeway < 0 || c.JWT.Leeway > 2*time.Minute {
		return errors.New("JWT Leeway must be between 0 and 2m")
	}

	// Password
	switch c.Password.Algorithm {
	case "bcrypt":
		if c.Password.BcryptCost < password.MinBcryptCost {
			return fmt.Errorf("Password BcryptCost must be >= %d", password.MinBcryptCost)
		}
	case "argon2id":
	default:
		return fmt.Errorf("unsupported password algorithm %q", c.Password.Algorithm)
	}
	if c.Password.MinLength < 8 {
		return errors.New("Password MinLength must be >= 8")
	}

	// Lockout
	if c.Lockout.MaxAttempts <= 0 {
		return errors.New("Lockout MaxAttempts must be > 0")
	}
	if c.Lockout.Duration <= 0 {
		return errors.New("Lockout Duration must be > 0")
	}

	// Verification
	if len(c.Verification.Secret) < 32 {
		return errors.New("Verification Secret must be at least 32 bytes")
	}
	if c.Verification.Expiry <= 0 {
		return errors.New("Verification Expiry must be > 0")
	}
	if c.Verification.MaxAttempts <= 0 {
		return errors.New("Verification MaxAttempts must be > 0")
	}
	if c.Verification.Length < 4 || c.Verification.Length > 10 {
		return errors.New("Verification Length must be between 4 and 10")
	}
	if c.Verification.Retention < 0 {
		return errors.New("Verification Retention must be >= 0")
	}

	// Rate limits
	for _, p := range []RateLimitPolicy{c.RateLimits.CodeGeneration, c.RateLimits.PasswordReset, c.RateLimits.OTPVerification} {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	// Session
	if c.Session.RedisPrefix == "" || c.Session.RevocationPrefix == "" {
		return errors.New("Session RedisPrefix and RevocationPrefix must be set")
	}
	if c.Session.RedisPrefix == c.Session.RevocationPrefix {
		return errors.New("Session RedisPrefix and RevocationPrefix must differ")
	}
	if c.Session.Retention <= 0 {
		return errors.New("Session Retention must be > 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	if c.Timeouts.Store <= 0 {
		return errors.New("Timeouts Store must be > 0")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return errors.New("NodeID must be between 0 and 1023")
	}
	if c.DefaultLocale != credential.LocaleEnglish && c.DefaultLocale != credential.LocaleFrench {
		return fmt.Errorf("unsupported default locale %q", c.DefaultLocale)
	}
	return nil
}
