package token

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationIndex is a TTL'd denylist of access-token JTIs plus a per-user
// sorted set of live access JTIs (scored by expiry, unix ms) used by
// logout-all.
type RevocationIndex struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRevocationIndex creates an index under prefix (default "rv").
func NewRevocationIndex(client redis.UniversalClient, prefix string) *RevocationIndex {
	if prefix == "" {
		prefix = "rv"
	}
	return &RevocationIndex{redis: client, prefix: prefix}
}

func (r *RevocationIndex) revokedKey(jti string) string    { return r.prefix + ":j:" + jti }
func (r *RevocationIndex) trackedKey(userID string) string { return r.prefix + ":u:" + userID }

// Revoke denylists jti for ttl. Non-positive ttls are skipped: the token has
// already expired.
func (r *RevocationIndex) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.redis.Set(ctx, r.revokedKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether jti is denylisted. Callers must treat an error as
// revoked.
func (r *RevocationIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.redis.Exists(ctx, r.revokedKey(jti)).Result()
	if err != nil {
		return true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// KEYS: tracked set
// ARGV: now, jti, expiry, ttl
var trackLua = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[2])
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[4]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// Track records a live access JTI for userID.
func (r *RevocationIndex) Track(ctx context.Context, userID, jti string, expiresAt, now time.Time) error {
	err := trackLua.Run(ctx, r.redis, []string{r.trackedKey(userID)},
		now.UnixMilli(), jti, expiresAt.UnixMilli(), expiresAt.Sub(now).Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// KEYS: tracked set
// ARGV: now, denylist prefix, except jti, extra ms
var revokeTrackedLua = redis.NewScript(`
local now = tonumber(ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
local entries = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
local n = 0
for i = 1, #entries, 2 do
  local jti = entries[i]
  if jti ~= ARGV[3] then
    local ttl = tonumber(entries[i + 1]) - now + tonumber(ARGV[4])
    redis.call('SET', ARGV[2] .. jti, '1', 'PX', math.floor(ttl))
    redis.call('ZREM', KEYS[1], jti)
    n = n + 1
  end
end
return n
`)

// RevokeTracked denylists every live tracked access JTI of userID except
// exceptJTI, adding extra to each TTL.
func (r *RevocationIndex) RevokeTracked(ctx context.Context, userID, exceptJTI string, now time.Time, extra time.Duration) (int, error) {
	n, err := revokeTrackedLua.Run(ctx, r.redis, []string{r.trackedKey(userID)},
		now.UnixMilli(), r.prefix+":j:", exceptJTI, extra.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}
