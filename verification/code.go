package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type is the purpose of a code.
type Type string

const (
	TypeEmail         Type = "email"
	TypePhone         Type = "phone"
	TypePasswordReset Type = "password_reset"
	TypeTwoFactor     Type = "two_factor"
)

// ParseType validates a boundary string.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeEmail, TypePhone, TypePasswordReset, TypeTwoFactor:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
}

var (
	// ErrNotFound covers no code, an already used code and a superseded code.
	ErrNotFound         = errors.New("verification: code not found")
	ErrExpired          = errors.New("verification: code expired")
	ErrInvalid          = errors.New("verification: code invalid")
	ErrAttemptsExceeded = errors.New("verification: attempts exceeded")
	ErrInvalidType      = errors.New("verification: invalid type")
	ErrUnavailable      = errors.New("verification: store unavailable")
)

// AttemptError carries the remaining budget with ErrInvalid or
// ErrAttemptsExceeded.
type AttemptError struct {
	Err       error
	Remaining int
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%v (%d attempts remaining)", e.Err, e.Remaining)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// Code is one stored verification code.
type Code struct {
	ID          string
	Type        Type
	Identifier  string
	CodeHash    string
	ExpiresAt   time.Time
	Verified    bool
	Confirmed   bool
	VerifiedAt  *time.Time
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
}

// Repository persists codes.
type Repository interface {
	// Replace marks every unverified code for (Type, Identifier) as verified
	// but not confirmed, then inserts code, atomically.
	Replace(ctx context.Context, code *Code) error
	// Latest returns the newest unverified code for the key, or nil.
	Latest(ctx context.Context, typ Type, identifier string) (*Code, error)
	// IncrementAttempts adds one when attempts < max_attempts and the code is
	// still unverified. ok is false when nothing was updated.
	IncrementAttempts(ctx context.Context, id string) (attempts int, ok bool, err error)
	// Confirm sets verified, confirmed and verified_at on a still unverified code.
	Confirm(ctx context.Context, id string, at time.Time) (bool, error)
	HasConfirmed(ctx context.Context, typ Type, identifier string) (bool, error)
	// HasClosed reports whether a verified row (superseded or used) for the
	// key carries hash.
	HasClosed(ctx context.Context, typ Type, identifier, hash string) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// NormalizeIdentifier trims and lowercases emails. Phones are expected in
// E.164 already.
func NormalizeIdentifier(typ Type, identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if typ == TypeEmail || strings.Contains(identifier, "@") {
		return strings.ToLower(identifier)
	}
	return identifier
}
