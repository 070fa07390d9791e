package authcore

import (
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
	internalaudit "github.com/okada-platform/authcore/internal/audit"
	"github.com/okada-platform/authcore/internal/ids"
	"github.com/okada-platform/authcore/internal/rate"
	"github.com/okada-platform/authcore/jwt"
	"github.com/okada-platform/authcore/password"
	"github.com/okada-platform/authcore/session"
	"github.com/okada-platform/authcore/token"
	"github.com/okada-platform/authcore/verification"
)

// Builder assembles an Engine. A Builder can be used once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	identities credential.Repository
	codes      verification.Repository
	sessions   session.Store

	notifier  Notifier
	twoFactor TwoFactorVerifier
	logger    *zap.Logger
	auditSink AuditSink
	clock     clockwork.Clock

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used by the rate limiter, the revocation index
// and, unless WithSessionStore is given, the session store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithIdentityRepository(repo credential.Repository) *Builder {
	b.identities = repo
	return b
}

func (b *Builder) WithCodeRepository(repo verification.Repository) *Builder {
	b.codes = repo
	return b
}

func (b *Builder) WithSessionStore(store session.Store) *Builder {
	b.sessions = store
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithTwoFactorVerifier(v TwoFactorVerifier) *Builder {
	b.twoFactor = v
	return b
}

func (b *Builder) WithLogger(log *zap.Logger) *Builder {
	b.logger = log
	return b
}

// WithAuditSink replaces the default sink, a ZapSink on the engine logger.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock injects the clock used for every time decision.
func (b *Builder) WithClock(clock clockwork.Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if _, ok := b.redis.(*redis.ClusterClient); ok {
		return nil, errors.New("redis cluster is not supported: session and revocation scripts touch keys across slots")
	}
	if b.identities == nil {
		return nil, errors.New("identity repository required")
	}
	if b.codes == nil {
		return nil, errors.New("verification code repository required")
	}

	log := b.logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := b.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	notifier := b.notifier
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	sink := b.auditSink
	if sink == nil {
		sink = internalaudit.NewZapSink(log)
	}

	hasher, err := buildHasher(cfg.Password)
	if err != nil {
		return nil, err
	}
	gen := ids.New(cfg.NodeID)

	credentials, err := credential.NewStore(b.identities, hasher, credential.Options{
		MinPasswordLength: cfg.Password.MinLength,
		Timeout:           cfg.Timeouts.Store,
		Clock:             clock,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	codes, err := verification.NewStore(b.codes, verification.Options{
		Secret:    cfg.Verification.Secret,
		Retention: cfg.Verification.Retention,
		Timeout:   cfg.Timeouts.Store,
		Clock:     clock,
		Logger:    log,
		NewID:     gen.KSUID,
	})
	if err != nil {
		return nil, err
	}

	manager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		RefreshTTL:    cfg.JWT.RefreshTTL,
		SigningMethod: cfg.JWT.SigningMethod,
		AccessKey:     cfg.JWT.AccessKey,
		RefreshKey:    cfg.JWT.RefreshKey,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}

	sessions := b.sessions
	if sessions == nil {
		sessions = session.NewRedisStore(b.redis, cfg.Session.RedisPrefix, cfg.Session.Retention)
	}

	e := &Engine{
		config:      cfg,
		clock:       clock,
		log:         log.Named("authcore"),
		credentials: credentials,
		codes:       codes,
		sessions:    sessions,
		notifier:    notifier,
		twoFactor:   b.twoFactor,
		metrics:     NewMetrics(cfg.Metrics),
	}

	e.limiter = rate.New(b.redis, rate.Config{
		Prefix:     cfg.RateLimits.Prefix,
		Timeout:    cfg.Timeouts.Store,
		Clock:      clock,
		Logger:     log,
		OnDegraded: e.onRateLimitDegraded,
	})

	e.tokens, err = token.NewService(
		manager,
		sessions,
		token.NewRevocationIndex(b.redis, cfg.Session.RevocationPrefix),
		token.SubjectResolverFunc(e.resolveSubject),
		token.Options{
			Timeout:      cfg.Timeouts.Store,
			Clock:        clock,
			Logger:       log,
			NewID:        gen.UUID,
			NewSessionID: gen.Snowflake,
		},
	)
	if err != nil {
		return nil, err
	}

	e.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:     cfg.Audit.Enabled,
		BufferSize:  cfg.Audit.BufferSize,
		DropIfFull:  cfg.Audit.DropIfFull,
		SinkTimeout: cfg.Timeouts.Store,
	}, sink)

	b.built = true
	return e, nil
}

// buildHasher makes the configured algorithm primary and keeps the other one
// for verifying older hashes.
func buildHasher(cfg PasswordConfig) (password.Hasher, error) {
	bcryptHasher, err := password.NewBcrypt(cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	argon, err := password.NewArgon2(cfg.Argon2)
	if err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	if cfg.Algorithm == "argon2id" {
		return password.NewMulti(argon, bcryptHasher)
	}
	return password.NewMulti(bcryptHasher, argon)
}
