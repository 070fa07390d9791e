// Package postgres implements credential.Repository, verification.Repository
// and session.Store on PostgreSQL through sqlx. Either the pgx stdlib driver
// ("pgx") or lib/pq ("postgres") can back the connection. Schema migrations
// are embedded and applied with goose.
//
// Every mutation the engine relies on for atomicity is one statement, or one
// transaction holding a row lock (session rotation) or an advisory lock (code
// replacement).
package postgres
