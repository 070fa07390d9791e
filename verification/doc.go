// Package verification issues and checks short numeric one-time codes keyed
// by (type, identifier).
//
// Only an HMAC of each code is stored. Generating a code soft-deactivates every
// earlier unverified code for the same key, so at most one code is live.
// Attempts are counted before the comparison, and a separate confirmed flag
// distinguishes a successful check from a superseded code.
package verification
