// Package rate implements the sliding-window-log rate limiter shared by the
// code generation, password reset and code verification flows.
//
// # Window semantics
//
// Each key is a Redis sorted set of request timestamps (unix ms). One Lua
// script drops entries older than now-window, counts the rest and, when the
// count is below the limit, records the request and refreshes the key TTL to
// the window. Concurrent callers on the same key are serialized by Redis.
//
// Keys are "<prefix><policy>:<subject>", default prefix "rl:".
//
// # Failure policy
//
// The limiter fails open: when Redis is unreachable the request is allowed,
// the decision is marked Degraded and the OnDegraded hook fires so the caller
// can record a security event.
package rate
