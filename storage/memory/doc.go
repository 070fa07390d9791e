// Package memory provides mutex-guarded in-process repositories for identities
// and verification codes. They honour the same atomicity contracts as the
// Postgres repositories and back the unit tests and the daemon's -memory mode.
package memory
