package authcore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
)

// Login authenticates by email or phone and password and opens a session.
//
// Unknown identifiers and wrong passwords both return ErrInvalidCredentials.
// The failure that reaches Lockout.MaxAttempts locks the account and returns
// a *LockedError, as does any attempt while the lock holds.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	start := e.clock.Now()
	defer e.observe(MetricLoginLatency, start)

	identity, err := e.credentials.FindByIdentifier(ctx, req.Identifier)
	if err != nil {
		return nil, e.loginFailed(ctx, "", mapError(err))
	}
	if identity == nil {
		e.credentials.CheckAbsentPassword(req.Password)
		return nil, e.loginFailed(ctx, "", ErrInvalidCredentials)
	}

	switch {
	case identity.Status == credential.StatusLocked:
		e.metricInc(MetricLoginLocked)
		until := start
		if identity.LockedUntil != nil {
			until = *identity.LockedUntil
		}
		return nil, e.loginFailed(ctx, identity.ID, &LockedError{Until: until})
	case !identity.CanLogin():
		return nil, e.loginFailed(ctx, identity.ID, ErrAccountInactive)
	case identity.Status == credential.StatusPendingVerification && e.config.RequireVerifiedLogin:
		return nil, e.loginFailed(ctx, identity.ID, ErrAccountUnverified)
	}

	ok, err := e.credentials.CheckPassword(identity, req.Password)
	if err != nil {
		return nil, e.loginFailed(ctx, identity.ID, mapError(err))
	}
	if !ok {
		return nil, e.loginFailed(ctx, identity.ID, e.recordFailure(ctx, identity))
	}

	if identity.TwoFactorEnabled && e.twoFactor != nil {
		if req.TwoFactorCode == "" {
			return nil, e.loginFailed(ctx, identity.ID, ErrTwoFactorRequired)
		}
		ok, err := e.twoFactor.VerifyTwoFactor(ctx, identity, req.TwoFactorCode)
		if err != nil {
			return nil, e.loginFailed(ctx, identity.ID, fmt.Errorf("%w: two-factor: %v", ErrUnavailable, err))
		}
		if !ok {
			return nil, e.loginFailed(ctx, identity.ID, e.recordFailure(ctx, identity))
		}
	}

	if err := e.credentials.RecordLogin(ctx, identity.ID); err != nil {
		return nil, e.loginFailed(ctx, identity.ID, mapError(err))
	}
	e.credentials.UpgradeHashIfNeeded(ctx, identity, req.Password)

	pair, err := e.tokens.Issue(ctx, subjectOf(identity), clientFor(ctx, req.Client))
	if err != nil {
		return nil, e.loginFailed(ctx, identity.ID, mapError(err))
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, auditEntry{userID: identity.ID, familyID: pair.FamilyID})
	return &LoginResult{Identity: identity, Tokens: pair}, nil
}

// recordFailure counts one failed attempt and locks the account when the
// count reaches the limit. Only the caller that performs the lock audits it.
func (e *Engine) recordFailure(ctx context.Context, identity *credential.Identity) error {
	n, err := e.credentials.RecordLoginFailure(ctx, identity.ID)
	if err != nil {
		return mapError(err)
	}
	if n < e.config.Lockout.MaxAttempts {
		return ErrInvalidCredentials
	}

	locked, until, err := e.credentials.Lock(ctx, identity.ID, e.config.Lockout.Duration)
	if err != nil {
		return mapError(err)
	}
	if locked {
		e.metricInc(MetricAccountLocked)
		e.emitAudit(ctx, auditEventAccountLocked, true, auditEntry{
			userID:   identity.ID,
			metadata: map[string]string{"until": until.UTC().Format(time.RFC3339)},
		})
		e.log.Warn("account locked", zap.String("identity_id", identity.ID), zap.Int("attempts", n), zap.Time("until", until))
	}
	return &LockedError{Until: until}
}

func (e *Engine) loginFailed(ctx context.Context, userID string, err error) error {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, auditEntry{userID: userID, err: err})
	return err
}
