package authcore

import (
	"errors"
	"fmt"
	"time"

	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/token"
	"github.com/okada-platform/authcore/verification"
)

// Outcome sentinels. Every error returned by Engine matches exactly one of
// these through errors.Is, except a revocation check that could not reach
// its store, which matches both ErrRevoked and ErrUnavailable.
var (
	// ErrNotFound does not distinguish "never existed" from "already consumed".
	ErrNotFound          = errors.New("not found")
	ErrExpired           = errors.New("expired")
	ErrInvalid           = errors.New("invalid")
	ErrAttemptsExceeded  = errors.New("attempts exceeded")
	ErrRateLimited       = errors.New("rate limited")
	ErrLocked            = errors.New("account locked")
	ErrFamilyCompromised = errors.New("refresh token reuse detected")
	ErrConflict          = errors.New("conflict")
	// ErrUnavailable is the only infrastructure outcome: a backing store or
	// delivery channel could not be reached.
	ErrUnavailable = errors.New("backend unavailable")
)

// Refinements. Each wraps one of the outcome sentinels above.
var (
	ErrInvalidCredentials = fmt.Errorf("%w: credentials", ErrInvalid)
	ErrRevoked            = fmt.Errorf("%w: token revoked", ErrInvalid)
	ErrAccountInactive    = fmt.Errorf("%w: account inactive", ErrInvalid)
	ErrAccountUnverified  = fmt.Errorf("%w: account not verified", ErrInvalid)
	ErrTwoFactorRequired  = fmt.Errorf("%w: two-factor code required", ErrInvalid)
	ErrInvalidInput       = fmt.Errorf("%w: input", ErrInvalid)
	ErrPasswordPolicy     = fmt.Errorf("%w: password policy", ErrInvalidInput)
	ErrPasswordReuse      = fmt.Errorf("%w: new password equals current password", ErrPasswordPolicy)
	ErrDeliveryFailed     = fmt.Errorf("%w: message delivery failed", ErrUnavailable)
)

// RateLimitError is returned when a rate limit denies an action.
type RateLimitError struct {
	Action     string
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s, retry after %s", ErrRateLimited, e.Action, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// LockedError carries the time the lock ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s until %s", ErrLocked, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// CodeError is a failed code comparison. Err is ErrInvalid or
// ErrAttemptsExceeded.
type CodeError struct {
	Err               error
	AttemptsRemaining int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("code %s (%d attempts remaining)", e.Err, e.AttemptsRemaining)
}

func (e *CodeError) Unwrap() error { return e.Err }

// mapError translates component errors into the outcome taxonomy. Errors
// already in the taxonomy pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var attempt *verification.AttemptError
	switch {
	case isTaxonomy(err):
		return err

	case errors.As(err, &attempt):
		base := ErrInvalid
		if errors.Is(attempt.Err, verification.ErrAttemptsExceeded) {
			base = ErrAttemptsExceeded
		}
		return &CodeError{Err: base, AttemptsRemaining: attempt.Remaining}

	case errors.Is(err, token.ErrRevoked) && errors.Is(err, token.ErrUnavailable):
		return errors.Join(ErrRevoked, fmt.Errorf("%w: %v", ErrUnavailable, err))
	case errors.Is(err, token.ErrRevoked):
		return ErrRevoked
	case errors.Is(err, token.ErrFamilyCompromised):
		return ErrFamilyCompromised
	case errors.Is(err, token.ErrSubjectInactive):
		return ErrAccountInactive

	case errors.Is(err, credential.ErrDuplicateIdentity):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, credential.ErrPasswordPolicy):
		return fmt.Errorf("%w: %v", ErrPasswordPolicy, err)
	case errors.Is(err, credential.ErrInvalidEmail),
		errors.Is(err, credential.ErrInvalidPhone),
		errors.Is(err, credential.ErrInvalidRole),
		errors.Is(err, verification.ErrInvalidType):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)

	case errors.Is(err, verification.ErrNotFound),
		errors.Is(err, token.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, verification.ErrExpired),
		errors.Is(err, token.ErrExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, verification.ErrAttemptsExceeded):
		return &CodeError{Err: ErrAttemptsExceeded}
	case errors.Is(err, verification.ErrInvalid),
		errors.Is(err, token.ErrInvalid):
		return fmt.Errorf("%w: %v", ErrInvalid, err)

	default:
		// Store faults and anything unexpected.
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func isTaxonomy(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrExpired, ErrInvalid, ErrAttemptsExceeded, ErrRateLimited,
		ErrLocked, ErrFamilyCompromised, ErrConflict, ErrUnavailable,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
