// Package session records refresh-token lineages.
//
// Every issued refresh token has one [Session] row keyed by its JTI. Rows
// descending from one login share a token family. [Store.Rotate] atomically
// deactivates the presented row and inserts its successor. When the presented
// row is already inactive, every row of the family is revoked in the same step.
//
// [RedisStore] keeps one hash per JTI plus family and user sets and two
// sorted sets (active rows by expiry, inactive rows by deactivation time) used
// by the sweeps. A Postgres implementation lives in storage/postgres.
//
// The Lua scripts build row keys from their arguments and share the global
// sorted sets, so RedisStore needs a single Redis node or a primary with
// replicas. Redis Cluster is not supported.
package session
