// Package authcore is the credential and token lifecycle engine of the
// platform: registration, login with lockout, rotating refresh tokens with
// reuse detection, access-token revocation, verification codes and password
// reset.
//
// An [Engine] is assembled with [New] and [Builder.Build] and is safe to call
// from multiple goroutines afterwards.
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Engine], [Builder], [Config],
// request and result types, and the error taxonomy. The components it drives
// live in their own packages:
//
//   - credential: identities, password policy, lockout state
//   - verification: one-time codes with attempt budgets
//   - session and token: refresh-token lineage in Redis, access denylist
//   - internal/rate: sliding-window limiter that fails open
//
// Storage for identities and codes is supplied by the caller through
// credential.Repository and verification.Repository; storage/postgres and
// storage/memory provide implementations.
//
// # Errors
//
// Every error returned by an Engine method matches one of ErrNotFound,
// ErrExpired, ErrInvalid, ErrAttemptsExceeded, ErrRateLimited, ErrLocked,
// ErrFamilyCompromised, ErrConflict or ErrUnavailable through errors.Is.
// ValidateAccessToken is the one exception: when the revocation index cannot
// be read the token is rejected and the error matches both ErrRevoked and
// ErrUnavailable.
//
// # Scheduling
//
// The engine runs no background work besides audit delivery. Call
// [Engine.SweepExpired] periodically from a scheduler.
package authcore
