// Package password hashes and verifies account passwords.
//
// Two adaptive algorithms are available: bcrypt (the default, cost 12) and
// argon2id encoded as a PHC string:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// [Multi] selects the verifier by hash prefix, so identities hashed by either
// algorithm keep working after the primary algorithm changes. A hasher reports
// [Hasher.NeedsUpgrade] when the stored hash was produced with weaker
// parameters; the credential store re-hashes on the next successful login.
//
// Policy (minimum length, reuse) is enforced by the callers. This package never
// stores or logs passwords.
package password
