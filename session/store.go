package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable wraps backing store faults.
	ErrUnavailable = errors.New("session: store unavailable")
	// ErrDuplicateJTI is returned by Create when the JTI already has a row.
	ErrDuplicateJTI = errors.New("session: duplicate jti")
)

// Store persists sessions. Per-JTI operations are atomic.
type Store interface {
	Create(ctx context.Context, s *Session) error
	// Get returns nil when no row exists.
	Get(ctx context.Context, jti string) (*Session, error)
	// Rotate deactivates the row for presented and inserts next, provided the
	// row is active, unexpired at now and belongs to next.FamilyID and
	// next.UserID. An inactive row revokes its whole family instead.
	Rotate(ctx context.Context, presented string, next *Session, now time.Time) (RotateResult, error)
	// Revoke deactivates one row; false when it was absent or inactive.
	Revoke(ctx context.Context, jti, reason string, now time.Time) (*Session, error)
	RevokeFamily(ctx context.Context, familyID, reason string, now time.Time) (Revocation, error)
	// RevokeUser deactivates every active row of userID except exceptJTI.
	RevokeUser(ctx context.Context, userID, exceptJTI, reason string, now time.Time) (Revocation, error)
	ListActive(ctx context.Context, userID string) ([]*Session, error)
	// SweepExpired deactivates active rows whose expiry is at or before now.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	// Purge hard-deletes rows deactivated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
