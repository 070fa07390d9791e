package authcore

import (
	"context"
	"errors"
)

const (
	auditEventIdentityRegistered     = "identity_registered"
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventAccountLocked          = "account_locked"
	auditEventAccountUnlocked        = "account_unlocked"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshReuseDetected   = "refresh_reuse_detected"
	auditEventLogout                 = "logout"
	auditEventLogoutAll              = "logout_all"
	auditEventCodeSent               = "code_sent"
	auditEventCodeVerified           = "code_verified"
	auditEventCodeFailed             = "code_failed"
	auditEventPasswordResetRequested = "password_reset_requested"
	auditEventPasswordResetConfirmed = "password_reset_confirmed"
	auditEventPasswordChanged        = "password_changed"
	auditEventRateLimitTriggered     = "rate_limit_triggered"
	auditEventRateLimitDegraded      = "rate_limit_degraded"
	auditEventRevocationUnavailable  = "revocation_unavailable"
)

// AuditErrorCode is the error vocabulary of audit events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrAccountInactive    AuditErrorCode = "account_inactive"
	auditErrAccountUnverified  AuditErrorCode = "account_unverified"
	auditErrTwoFactorRequired  AuditErrorCode = "two_factor_required"
	auditErrRevoked            AuditErrorCode = "revoked"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrInvalidInput       AuditErrorCode = "invalid_input"
	auditErrInvalid            AuditErrorCode = "invalid"
	auditErrNotFound           AuditErrorCode = "not_found"
	auditErrExpired            AuditErrorCode = "expired"
	auditErrAttemptsExceeded   AuditErrorCode = "attempts_exceeded"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrLocked             AuditErrorCode = "locked"
	auditErrFamilyCompromised  AuditErrorCode = "family_compromised"
	auditErrConflict           AuditErrorCode = "conflict"
	auditErrDeliveryFailed     AuditErrorCode = "delivery_failed"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

type auditEntry struct {
	userID   string
	familyID string
	err      error
	metadata map[string]string
}

func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, entry auditEntry) {
	if e == nil || e.audit == nil {
		return
	}

	event := AuditEvent{
		Timestamp: e.clock.Now().UTC(),
		EventType: eventType,
		UserID:    entry.userID,
		FamilyID:  entry.familyID,
		IP:        clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Success:   success,
		Metadata:  entry.metadata,
	}
	if code := auditErrorCode(entry.err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, policy RateLimitPolicy, subject string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, auditEntry{
		err: ErrRateLimited,
		metadata: map[string]string{
			"policy":  policy.Name,
			"subject": maskDestination(subject),
		},
	})
}

// onRateLimitDegraded is the limiter's fail-open hook. The limiter logs the
// cause itself.
func (e *Engine) onRateLimitDegraded(ctx context.Context, key string, err error) {
	e.metricInc(MetricRateLimitDegraded)
	e.emitAudit(ctx, auditEventRateLimitDegraded, false, auditEntry{
		err:      ErrUnavailable,
		metadata: map[string]string{"key_kind": keyKind(key)},
	})
}

// keyKind strips the subject from a limiter key.
func keyKind(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// auditErrorCode picks the most specific code, refinements first.
func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountInactive):
		return auditErrAccountInactive
	case errors.Is(err, ErrAccountUnverified):
		return auditErrAccountUnverified
	case errors.Is(err, ErrTwoFactorRequired):
		return auditErrTwoFactorRequired
	case errors.Is(err, ErrRevoked):
		return auditErrRevoked
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrInvalidInput):
		return auditErrInvalidInput
	case errors.Is(err, ErrDeliveryFailed):
		return auditErrDeliveryFailed
	case errors.Is(err, ErrInvalid):
		return auditErrInvalid
	case errors.Is(err, ErrNotFound):
		return auditErrNotFound
	case errors.Is(err, ErrExpired):
		return auditErrExpired
	case errors.Is(err, ErrAttemptsExceeded):
		return auditErrAttemptsExceeded
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrLocked):
		return auditErrLocked
	case errors.Is(err, ErrFamilyCompromised):
		return auditErrFamilyCompromised
	case errors.Is(err, ErrConflict):
		return auditErrConflict
	case errors.Is(err, ErrUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
