// Package token couples the JWT codec, the session store and a Redis
// revocation index into the token lifecycle: issue, refresh with rotation and
// reuse detection, validation, logout and logout-all.
//
// Revocation checks fail closed: if the index cannot be read the token is
// treated as revoked.
//
// RevocationIndex.RevokeTracked writes denylist keys named inside its script,
// so the index needs a non-cluster Redis deployment.
package token
