package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/okada-platform/authcore"
)

// ErrorBody is the JSON shape of every rejection.
type ErrorBody struct {
	Error             string     `json:"error"`
	RetryAfterSeconds int        `json:"retry_after_seconds,omitempty"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	AttemptsRemaining *int       `json:"attempts_remaining,omitempty"`
}

// StatusFor maps the engine's outcome taxonomy onto HTTP.
func StatusFor(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, authcore.ErrDeliveryFailed):
		return http.StatusBadGateway, "delivery_failed"
	// Checked before the Invalid family: a revocation check that could not
	// run is an outage, not a bad token.
	case errors.Is(err, authcore.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, authcore.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, authcore.ErrAttemptsExceeded):
		return http.StatusTooManyRequests, "attempts_exceeded"
	case errors.Is(err, authcore.ErrLocked):
		return http.StatusLocked, "locked"
	case errors.Is(err, authcore.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, authcore.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, authcore.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, authcore.ErrAccountInactive):
		return http.StatusForbidden, "account_inactive"
	case errors.Is(err, authcore.ErrAccountUnverified):
		return http.StatusForbidden, "account_unverified"
	case errors.Is(err, authcore.ErrTwoFactorRequired):
		return http.StatusUnauthorized, "two_factor_required"
	case errors.Is(err, authcore.ErrRevoked):
		return http.StatusUnauthorized, "revoked"
	case errors.Is(err, authcore.ErrFamilyCompromised):
		return http.StatusUnauthorized, "family_compromised"
	case errors.Is(err, authcore.ErrExpired):
		return http.StatusUnauthorized, "expired"
	case errors.Is(err, authcore.ErrInvalid):
		return http.StatusUnauthorized, "invalid"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError writes err as a JSON ErrorBody with the mapped status. Rate
// limits also set Retry-After.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	body := ErrorBody{Error: code}

	var rl *authcore.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	var locked *authcore.LockedError
	if errors.As(err, &locked) {
		until := locked.Until.UTC()
		body.LockedUntil = &until
	}
	var ce *authcore.CodeError
	if errors.As(err, &ce) {
		remaining := ce.AttemptsRemaining
		body.AttemptsRemaining = &remaining
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
