// Package jwt signs and parses the two token kinds: short-lived access tokens
// (subject, email, role, jti) and long-lived refresh tokens (subject, token
// family, jti).
//
// Access and refresh tokens are signed with separate keys, so a leaked access
// key cannot mint refresh tokens. Parsing uses the same injected clock as
// signing and classifies every failure as [ErrTokenExpired] or
// [ErrTokenInvalid].
package jwt
