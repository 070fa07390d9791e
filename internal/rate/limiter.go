package rate

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Policy is a named (window, limit) pair.
type Policy struct {
	Name   string        `yaml:"name"`
	Window time.Duration `yaml:"window"`
	Limit  int           `yaml:"limit"`
}

// Defaults for the three limited actions.
var (
	CodeGeneration  = Policy{Name: "code_generation", Window: 5 * time.Minute, Limit: 3}
	PasswordReset   = Policy{Name: "password_reset", Window: time.Hour, Limit: 3}
	OTPVerification = Policy{Name: "otp_verification", Window: 10 * time.Minute, Limit: 10}
)

// Validate rejects empty policies.
func (p Policy) Validate() error {
	if p.Name == "" || p.Window <= 0 || p.Limit <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidPolicy, p)
	}
	return nil
}

// Decision is the outcome of one CheckAndConsume call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	// RetryAfter is set on denials and equals the window.
	RetryAfter time.Duration
	// Degraded marks a fail-open decision taken without Redis.
	Degraded bool
}

// Config holds limiter wiring.
type Config struct {
	Prefix  string
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *zap.Logger
	// OnDegraded is called for every fail-open decision.
	OnDegraded func(ctx context.Context, key string, err error)
}

// Limiter is safe for concurrent use.
type Limiter struct {
	redis    redis.UniversalClient
	config   Config
	seq      atomic.Uint64
	degraded atomic.Uint64
}

// New creates a Limiter backed by redisClient.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.Prefix == "" {
		cfg.Prefix = "rl:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Limiter{redis: redisClient, config: cfg}
}

var slidingWindowLua = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, count + 1}
end
return {0, count}
`)

// Allow applies policy to subject.
func (l *Limiter) Allow(ctx context.Context, policy Policy, subject string) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	return l.CheckAndConsume(ctx, Key(policy.Name, subject), policy.Window, policy.Limit)
}

// CheckAndConsume records a request against key when fewer than limit
// requests were recorded in the trailing window. A Redis failure yields an
// allowed, Degraded decision and a nil error.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, window time.Duration, limit int) (Decision, error) {
	if window <= 0 || limit <= 0 {
		return Decision{}, ErrInvalidPolicy
	}

	now := l.config.Clock.Now()
	nowMS := now.UnixMilli()
	member := strconv.FormatInt(nowMS, 10) + "-" + strconv.FormatUint(l.seq.Add(1), 36)

	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	res, err := slidingWindowLua.Run(ctx, l.redis,
		[]string{l.config.Prefix + key},
		nowMS, window.Milliseconds(), limit, member,
	).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply length %d", len(res))
		}
		return l.failOpen(ctx, key, limit, now, window, err), nil
	}

	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: limit - int(res[1]),
		ResetAt:   now.Add(window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = window
	}
	return d, nil
}

// Reset clears the log for policy and subject.
func (l *Limiter) Reset(ctx context.Context, policy Policy, subject string) error {
	ctx, cancel := context.WithTimeout(ctx, l.config.Timeout)
	defer cancel()

	if err := l.redis.Del(ctx, l.config.Prefix+Key(policy.Name, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DegradedCount reports how many fail-open decisions were taken.
func (l *Limiter) DegradedCount() uint64 {
	return l.degraded.Load()
}

func (l *Limiter) failOpen(ctx context.Context, key string, limit int, now time.Time, window time.Duration, err error) Decision {
	l.degraded.Add(1)
	l.config.Logger.Warn("rate limiter unavailable, allowing request",
		zap.String("key", key),
		zap.Error(err),
	)
	if l.config.OnDegraded != nil {
		l.config.OnDegraded(ctx, key, err)
	}
	return Decision{
		Allowed:   true,
		Remaining: limit,
		ResetAt:   now.Add(window),
		Degraded:  true,
	}
}

// Key joins an action and a subject.
func Key(action, subject string) string {
	return action + ":" + subject
}
