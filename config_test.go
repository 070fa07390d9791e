package authcore

import (
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/okada-platform/authcore/storage/memory"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantValid bool
	}{
		{
			name:      "test defaults valid",
			mutate:    func(c *Config) {},
			wantValid: true,
		},
		{
			name: "jwt leeway valid",
			mutate: func(c *Config) {
				c.JWT.Leeway = 45 * time.Second
			},
			wantValid: true,
		},
		{
			name: "jwt leeway invalid",
			mutate: func(c *Config) {
				c.JWT.Leeway = 3 * time.Minute
			},
			wantValid: false,
		},
		{
			name: "refresh shorter than access invalid",
			mutate: func(c *Config) {
				c.JWT.RefreshTTL = 10 * time.Minute
			},
			wantValid: false,
		},
		{
			name: "jwt signing ed25519 valid",
			mutate: func(c *Config) {
				c.JWT.SigningMethod = "ed25519"
			},
			wantValid: true,
		},
		{
			name: "jwt signing invalid",
			mutate: func(c *Config) {
				c.JWT.SigningMethod = "rs256"
			},
			wantValid: false,
		},
		{
			name: "missing refresh key invalid",
			mutate: func(c *Config) {
				c.JWT.RefreshKey.Private = nil
			},
			wantValid: false,
		},
		{
			name: "bcrypt cost below 12 invalid",
			mutate: func(c *Config) {
				c.Password.Algorithm = "bcrypt"
				c.Password.BcryptCost = 10
			},
			wantValid: false,
		},
		{
			name: "unknown password algorithm invalid",
			mutate: func(c *Config) {
				c.Password.Algorithm = "scrypt"
			},
			wantValid: false,
		},
		{
			name: "short verification secret invalid",
			mutate: func(c *Config) {
				c.Verification.Secret = []byte("too-short")
			},
			wantValid: false,
		},
		{
			name: "code length out of range invalid",
			mutate: func(c *Config) {
				c.Verification.Length = 12
			},
			wantValid: false,
		},
		{
			name: "zero lockout attempts invalid",
			mutate: func(c *Config) {
				c.Lockout.MaxAttempts = 0
			},
			wantValid: false,
		},
		{
			name: "empty rate policy invalid",
			mutate: func(c *Config) {
				c.RateLimits.PasswordReset = RateLimitPolicy{}
			},
			wantValid: false,
		},
		{
			name: "same redis prefixes invalid",
			mutate: func(c *Config) {
				c.Session.RevocationPrefix = c.Session.RedisPrefix
			},
			wantValid: false,
		},
		{
			name: "node id out of range invalid",
			mutate: func(c *Config) {
				c.NodeID = 2048
			},
			wantValid: false,
		},
		{
			name: "locale invalid",
			mutate: func(c *Config) {
				c.DefaultLocale = "de"
			},
			wantValid: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantValid && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.wantValid && err == nil {
				t.Fatal("expected invalid config, got nil")
			}
		})
	}
}

func TestDefaultConfigNeedsKeys(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without keys must not validate")
	}
	if cfg.Lockout.MaxAttempts != 5 || cfg.Lockout.Duration != 30*time.Minute {
		t.Fatalf("unexpected lockout defaults: %+v", cfg.Lockout)
	}
	if cfg.JWT.AccessTTL != 15*time.Minute || cfg.JWT.RefreshTTL != 7*24*time.Hour {
		t.Fatalf("unexpected token lifetimes: %s %s", cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
	}
}

func TestBuildConfigImmutabilityAgainstExternalMutation(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, func(b *Builder) { b.WithConfig(cfg) })

	before := h.engine.config.JWT.AccessKey.Private[0]
	cfg.JWT.AccessKey.Private[0] = 'X'

	if h.engine.config.JWT.AccessKey.Private[0] != before {
		t.Fatal("engine config key mutated from external config after build")
	}
}

func TestBuilderRequirements(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cases := []struct {
		name    string
		builder *Builder
		want    string
	}{
		{"redis", New().WithConfig(testConfig()), "redis client required"},
		{"cluster", New().WithConfig(testConfig()).WithRedis(redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{mr.Addr()}})), "redis cluster is not supported"},
		{"identities", New().WithConfig(testConfig()).WithRedis(rdb), "identity repository required"},
		{"codes", New().WithConfig(testConfig()).WithRedis(rdb).WithIdentityRepository(memory.NewIdentities()), "verification code repository required"},
		{"config", New().WithRedis(rdb), "JWT AccessKey is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.builder.Build()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBuilderSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithIdentityRepository(memory.NewIdentities()).
		WithCodeRepository(memory.NewCodes())
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer engine.Close()

	if _, err := b.Build(); err == nil {
		t.Fatal("second Build succeeded")
	}
}
