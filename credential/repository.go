package credential

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateIdentity is returned by Insert when the email or phone is taken.
	ErrDuplicateIdentity = errors.New("credential: identity already exists")
	ErrInvalidRole       = errors.New("credential: invalid role")
	ErrInvalidStatus     = errors.New("credential: invalid status")
	ErrInvalidEmail      = errors.New("credential: invalid email")
	ErrPasswordPolicy    = errors.New("credential: password does not meet policy")
	// ErrUnavailable wraps repository faults.
	ErrUnavailable = errors.New("credential: store unavailable")
)

// Repository persists identities. Every mutation is a single-row atomic
// statement. Lookups return (nil, nil) when nothing matches.
type Repository interface {
	Insert(ctx context.Context, identity *Identity) error
	FindByID(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByPhone(ctx context.Context, e164 string) (*Identity, error)

	// IncrementLoginAttempts adds one to the counter and returns the new value.
	IncrementLoginAttempts(ctx context.Context, id string) (int, error)
	// Lock sets status=locked and locked_until only when the row is not
	// already locked. It reports whether this call performed the transition.
	Lock(ctx context.Context, id string, until time.Time) (bool, error)
	// Unlock clears a lock and the counter; false when the row was not locked.
	Unlock(ctx context.Context, id string) (bool, error)
	// UnlockExpired unlocks every row whose lock expired before now.
	UnlockExpired(ctx context.Context, now time.Time) (int, error)
	ResetLoginAttempts(ctx context.Context, id string) error
	RecordLogin(ctx context.Context, id string, at time.Time) error
	UpdatePassword(ctx context.Context, id, hash string, at time.Time) error
	// MarkVerified stamps the channel (keeping an earlier stamp) and moves
	// pending_verification to active when both channels are stamped, in one
	// statement. Returns the updated row, or nil when id is unknown.
	MarkVerified(ctx context.Context, id string, channel Channel, at time.Time) (*Identity, error)
}
