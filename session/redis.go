package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix    = "as"
	defaultRetention = 30 * 24 * time.Hour
	sweepBatch       = 500
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusReused   int64 = 2
	rotateStatusRotated  int64 = 3
	rotateStatusMismatch int64 = 4
)

// deactivate returns the access jti and expiry of the row it closed, or nil.
const luaDeactivate = `
local function deactivate(key, jti, now, reason, expz, deadz)
  local row = redis.call('HMGET', key, 'active', 'ajti', 'aexp')
  if row[1] ~= '1' then
    return nil
  end
  redis.call('HSET', key, 'active', '0', 'revoked_at', now, 'reason', reason)
  redis.call('ZREM', expz, jti)
  redis.call('ZADD', deadz, now, jti)
  return {row[2] or '', row[3] or '0'}
end
`

var createLua = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1],
  'id', ARGV[2], 'uid', ARGV[3], 'fam', ARGV[4], 'ip', ARGV[5], 'ua', ARGV[6],
  'active', '1', 'exp', ARGV[7], 'created', ARGV[8], 'used', ARGV[8],
  'ajti', ARGV[9], 'aexp', ARGV[10])
redis.call('PEXPIRE', KEYS[1], ARGV[11])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[7], ARGV[1])
return 1
`)

// KEYS: old, new, family set, user set, active zset, inactive zset
// ARGV: old jti, now, family, uid, session prefix, new jti, id, ip, ua, exp,
// ttl, access jti, access exp
var rotateLua = redis.NewScript(luaDeactivate + `
local row = redis.call('HMGET', KEYS[1], 'active', 'fam', 'uid', 'exp')
if not row[1] then
  return {0}
end
if row[2] ~= ARGV[3] or row[3] ~= ARGV[4] then
  return {4}
end
if row[1] ~= '1' then
  local out = {2}
  for _, jti in ipairs(redis.call('SMEMBERS', KEYS[3])) do
    local ref = deactivate(ARGV[5] .. jti, jti, ARGV[2], 'reuse_detected', KEYS[5], KEYS[6])
    if ref then
      table.insert(out, ref[1])
      table.insert(out, ref[2])
    end
  end
  return out
end
if tonumber(row[4]) <= tonumber(ARGV[2]) then
  deactivate(KEYS[1], ARGV[1], ARGV[2], 'expired', KEYS[5], KEYS[6])
  return {1}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {4}
end
deactivate(KEYS[1], ARGV[1], ARGV[2], 'rotated', KEYS[5], KEYS[6])
redis.call('HSET', KEYS[1], 'used', ARGV[2])
redis.call('HSET', KEYS[2],
  'id', ARGV[7], 'uid', ARGV[4], 'fam', ARGV[3], 'ip', ARGV[8], 'ua', ARGV[9],
  'active', '1', 'exp', ARGV[10], 'created', ARGV[2], 'used', ARGV[2],
  'ajti', ARGV[12], 'aexp', ARGV[13])
redis.call('PEXPIRE', KEYS[2], ARGV[11])
redis.call('SADD', KEYS[3], ARGV[6])
redis.call('SADD', KEYS[4], ARGV[6])
redis.call('ZADD', KEYS[5], ARGV[10], ARGV[6])
return {3}
`)

// KEYS: member set, active zset, inactive zset
// ARGV: session prefix, now, reason, except jti
var revokeSetLua = redis.NewScript(luaDeactivate + `
local out = {}
for _, jti in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if jti ~= ARGV[4] then
    local ref = deactivate(ARGV[1] .. jti, jti, ARGV[2], ARGV[3], KEYS[2], KEYS[3])
    if ref then
      table.insert(out, ref[1])
      table.insert(out, ref[2])
    end
  end
end
return out
`)

// KEYS: session key, active zset, inactive zset
// ARGV: jti, now, reason
var revokeOneLua = redis.NewScript(luaDeactivate + `
local ref = deactivate(KEYS[1], ARGV[1], ARGV[2], ARGV[3], KEYS[2], KEYS[3])
if ref then
  return 1
end
return 0
`)

// KEYS: active zset, inactive zset
// ARGV: session prefix, now, batch
var sweepLua = redis.NewScript(luaDeactivate + `
local n = 0
for _, jti in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, tonumber(ARGV[3]))) do
  if deactivate(ARGV[1] .. jti, jti, ARGV[2], 'expired', KEYS[1], KEYS[2]) then
    n = n + 1
  else
    redis.call('ZREM', KEYS[1], jti)
  end
end
return n
`)

// KEYS: inactive zset
// ARGV: session prefix, family prefix, user prefix, cutoff, batch
var purgeLua = redis.NewScript(`
local n = 0
for _, jti in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[4], 'LIMIT', 0, tonumber(ARGV[5]))) do
  local key = ARGV[1] .. jti
  local row = redis.call('HMGET', key, 'fam', 'uid')
  if row[1] then
    redis.call('SREM', ARGV[2] .. row[1], jti)
  end
  if row[2] then
    redis.call('SREM', ARGV[3] .. row[2], jti)
  end
  redis.call('DEL', key)
  redis.call('ZREM', KEYS[1], jti)
  n = n + 1
end
return n
`)

// RedisStore implements Store on Redis.
type RedisStore struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store under prefix. Row hashes carry a TTL of their
// remaining lifetime plus retention, so rows vanish even without Purge.
// client must not be a cluster client.
func NewRedisStore(client redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisStore{redis: client, prefix: prefix, retention: retention}
}

func (s *RedisStore) sessionPrefix() string { return s.prefix + ":s:" }
func (s *RedisStore) familyPrefix() string  { return s.prefix + ":f:" }
func (s *RedisStore) userPrefix() string    { return s.prefix + ":u:" }
func (s *RedisStore) key(jti string) string { return s.sessionPrefix() + jti }
func (s *RedisStore) familyKey(f string) string {
	return s.familyPrefix() + f
}
func (s *RedisStore) userKey(uid string) string { return s.userPrefix() + uid }
func (s *RedisStore) activeKey() string         { return s.prefix + ":active" }
func (s *RedisStore) inactiveKey() string       { return s.prefix + ":inactive" }

func (s *RedisStore) rowTTL(sess *Session, now time.Time) int64 {
	ttl := sess.ExpiresAt.Sub(now) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl.Milliseconds()
}

// Create inserts an active row.
func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	created, err := createLua.Run(ctx, s.redis,
		[]string{s.key(sess.JTI), s.familyKey(sess.FamilyID), s.userKey(sess.UserID), s.activeKey()},
		sess.JTI, sess.ID, sess.UserID, sess.FamilyID, sess.IP, sess.UserAgent,
		sess.ExpiresAt.UnixMilli(), sess.CreatedAt.UnixMilli(),
		sess.AccessJTI, sess.AccessExpiresAt.UnixMilli(),
		s.rowTTL(sess, sess.CreatedAt),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if created == 0 {
		return ErrDuplicateJTI
	}
	return nil
}

// Get loads one row.
func (s *RedisStore) Get(ctx context.Context, jti string) (*Session, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(jti)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeFields(jti, fields), nil
}

// Rotate implements Store.
func (s *RedisStore) Rotate(ctx context.Context, presented string, next *Session, now time.Time) (RotateResult, error) {
	nowMS := now.UnixMilli()
	res, err := rotateLua.Run(ctx, s.redis,
		[]string{
			s.key(presented), s.key(next.JTI),
			s.familyKey(next.FamilyID), s.userKey(next.UserID),
			s.activeKey(), s.inactiveKey(),
		},
		presented, nowMS, next.FamilyID, next.UserID, s.sessionPrefix(),
		next.JTI, next.ID, next.IP, next.UserAgent, next.ExpiresAt.UnixMilli(),
		s.rowTTL(next, now), next.AccessJTI, next.AccessExpiresAt.UnixMilli(),
	).Slice()
	if err != nil {
		return RotateResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) == 0 {
		return RotateResult{}, fmt.Errorf("%w: invalid rotate script response", ErrUnavailable)
	}
	code, ok := res[0].(int64)
	if !ok {
		return RotateResult{}, fmt.Errorf("%w: invalid rotate script status", ErrUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return RotateResult{Status: RotateNotFound}, nil
	case rotateStatusExpired:
		return RotateResult{Status: RotateExpired}, nil
	case rotateStatusMismatch:
		return RotateResult{Status: RotateMismatch}, nil
	case rotateStatusRotated:
		return RotateResult{Status: RotateRotated}, nil
	case rotateStatusReused:
		return RotateResult{Status: RotateReused, Revoked: decodeRefs(res[1:])}, nil
	default:
		return RotateResult{}, fmt.Errorf("%w: unknown rotate script status %d", ErrUnavailable, code)
	}
}

// Revoke implements Store.
func (s *RedisStore) Revoke(ctx context.Context, jti, reason string, now time.Time) (*Session, error) {
	n, err := revokeOneLua.Run(ctx, s.redis,
		[]string{s.key(jti), s.activeKey(), s.inactiveKey()},
		jti, now.UnixMilli(), reason,
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, jti)
}

// RevokeFamily implements Store.
func (s *RedisStore) RevokeFamily(ctx context.Context, familyID, reason string, now time.Time) (Revocation, error) {
	return s.revokeSet(ctx, s.familyKey(familyID), "", reason, now)
}

// RevokeUser implements Store.
func (s *RedisStore) RevokeUser(ctx context.Context, userID, exceptJTI, reason string, now time.Time) (Revocation, error) {
	return s.revokeSet(ctx, s.userKey(userID), exceptJTI, reason, now)
}

func (s *RedisStore) revokeSet(ctx context.Context, setKey, except, reason string, now time.Time) (Revocation, error) {
	res, err := revokeSetLua.Run(ctx, s.redis,
		[]string{setKey, s.activeKey(), s.inactiveKey()},
		s.sessionPrefix(), now.UnixMilli(), reason, except,
	).Slice()
	if err != nil {
		return Revocation{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return decodeRefs(res), nil
}

// ListActive implements Store.
func (s *RedisStore) ListActive(ctx context.Context, userID string) ([]*Session, error) {
	jtis, err := s.redis.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(jtis) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(jtis))
	_, err = s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, jti := range jtis {
			cmds[i] = pipe.HGetAll(ctx, s.key(jti))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out := make([]*Session, 0, len(jtis))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 || fields["active"] != "1" {
			continue
		}
		out = append(out, decodeFields(jtis[i], fields))
	}
	return out, nil
}

// SweepExpired implements Store. It works in batches until nothing is left.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, err := sweepLua.Run(ctx, s.redis,
			[]string{s.activeKey(), s.inactiveKey()},
			s.sessionPrefix(), now.UnixMilli(), sweepBatch,
		).Int()
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		total += n
		if n < sweepBatch {
			return total, nil
		}
	}
}

// Purge implements Store.
func (s *RedisStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		n, err := purgeLua.Run(ctx, s.redis,
			[]string{s.inactiveKey()},
			s.sessionPrefix(), s.familyPrefix(), s.userPrefix(), cutoff.UnixMilli(), sweepBatch,
		).Int()
		if err != nil {
			return total, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		total += n
		if n < sweepBatch {
			return total, nil
		}
	}
}

// Stats counts active and inactive rows.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var active, inactive *redis.IntCmd
	_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		active = pipe.ZCard(ctx, s.activeKey())
		inactive = pipe.ZCard(ctx, s.inactiveKey())
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return Stats{Active: int(active.Val()), Inactive: int(inactive.Val())}, nil
}

// Ping reports Redis round-trip latency.
func (s *RedisStore) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeFields(jti string, f map[string]string) *Session {
	sess := &Session{
		ID:              f["id"],
		UserID:          f["uid"],
		JTI:             jti,
		FamilyID:        f["fam"],
		IP:              f["ip"],
		UserAgent:       f["ua"],
		Active:          f["active"] == "1",
		AccessJTI:       f["ajti"],
		AccessExpiresAt: msTime(f["aexp"]),
		ExpiresAt:       msTime(f["exp"]),
		CreatedAt:       msTime(f["created"]),
		LastUsedAt:      msTime(f["used"]),
		RevokeReason:    f["reason"],
	}
	if v, ok := f["revoked_at"]; ok {
		t := msTime(v)
		sess.RevokedAt = &t
	}
	return sess
}

func decodeRefs(flat []interface{}) Revocation {
	var r Revocation
	for i := 0; i+1 < len(flat); i += 2 {
		r.Count++
		jti, _ := flat[i].(string)
		if jti == "" {
			continue
		}
		exp, _ := flat[i+1].(string)
		r.Access = append(r.Access, AccessRef{JTI: jti, ExpiresAt: msTime(exp)})
	}
	return r
}

func msTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
