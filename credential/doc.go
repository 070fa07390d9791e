// Package credential owns account identities: email and phone, password hash,
// role, account status, the login-failure counter, lock expiry and
// verification timestamps.
//
// Persistence is delegated to a [Repository] whose mutations are single-row
// atomic statements. [Store] layers policy on top: password hashing, lazy
// unlock of expired locks on every read, and the pending_verification to
// active transition once both email and phone are verified.
package credential
