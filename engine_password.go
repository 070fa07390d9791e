package authcore

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
	"github.com/okada-platform/authcore/session"
	"github.com/okada-platform/authcore/token"
)

// RequestPasswordReset sends a reset code to the email or phone given as
// identifier. Unknown, locked and disabled accounts get the same nil result
// without a code being sent. A delivery failure is returned.
func (e *Engine) RequestPasswordReset(ctx context.Context, identifier, locale string) error {
	dest, channel, err := resetTarget(identifier)
	if err != nil {
		return err
	}
	if err := e.allow(ctx, e.config.RateLimits.PasswordReset, dest); err != nil {
		return err
	}

	identity, err := e.findByDestination(ctx, channel, dest)
	if err != nil {
		return mapError(err)
	}
	if identity == nil || !identity.CanLogin() {
		e.log.Debug("password reset for unknown or disabled account ignored")
		return nil
	}

	loc := identity.Profile.Locale
	if strings.TrimSpace(locale) != "" {
		loc = e.locale(locale)
	}
	if loc == "" {
		loc = e.config.DefaultLocale
	}

	e.metricInc(MetricPasswordResetRequest)
	if _, err := e.issueCode(ctx, CodePasswordReset, dest, channel, loc); err != nil {
		e.emitAudit(ctx, auditEventPasswordResetRequested, false, auditEntry{userID: identity.ID, err: err})
		return err
	}
	e.emitAudit(ctx, auditEventPasswordResetRequested, true, auditEntry{
		userID:   identity.ID,
		metadata: map[string]string{"channel": string(channel)},
	})
	return nil
}

// ConfirmPasswordReset checks the reset code, sets newPassword, closes every
// session of the account and clears any lock.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, identifier, code, newPassword string) error {
	dest, channel, err := resetTarget(identifier)
	if err != nil {
		return err
	}
	if err := e.allow(ctx, e.config.RateLimits.OTPVerification, string(CodePasswordReset)+":"+dest); err != nil {
		return err
	}
	if err := e.credentials.CheckPasswordPolicy(newPassword); err != nil {
		return mapError(err)
	}

	if err := e.codes.Verify(ctx, CodePasswordReset, dest, code); err != nil {
		err = mapError(err)
		e.metricInc(MetricCodeFailed)
		e.emitAudit(ctx, auditEventCodeFailed, false, auditEntry{err: err, metadata: map[string]string{"type": string(CodePasswordReset)}})
		return err
	}

	identity, err := e.findByDestination(ctx, channel, dest)
	if err != nil {
		return mapError(err)
	}
	if identity == nil {
		return ErrNotFound
	}

	if err := e.credentials.SetPassword(ctx, identity.ID, newPassword); err != nil {
		return mapError(err)
	}
	n, err := e.tokens.RevokeUser(ctx, identity.ID, token.Except{}, session.ReasonPasswordReset)
	if err != nil {
		return mapError(err)
	}
	if err := e.unlock(ctx, identity.ID, "password_reset"); err != nil {
		return err
	}

	e.metricInc(MetricPasswordResetConfirm)
	e.emitAudit(ctx, auditEventPasswordResetConfirmed, true, auditEntry{
		userID:   identity.ID,
		metadata: map[string]string{"sessions_revoked": fmt.Sprint(n)},
	})
	e.notifyPasswordChanged(ctx, identity, channel)
	return nil
}

// ChangePassword replaces the password of the access token's owner after
// checking current. Every other session is closed; the caller's session,
// named by refreshToken or found through the access token, is kept.
func (e *Engine) ChangePassword(ctx context.Context, accessToken, current, next, refreshToken string) error {
	claims, err := e.validate(ctx, accessToken)
	if err != nil {
		return err
	}

	identity, err := e.credentials.Get(ctx, claims.Subject)
	if err != nil {
		return mapError(err)
	}
	if identity == nil {
		return ErrNotFound
	}
	if !identity.CanLogin() {
		return ErrAccountInactive
	}

	ok, err := e.credentials.CheckPassword(identity, current)
	if err != nil {
		return mapError(err)
	}
	if !ok {
		e.emitAudit(ctx, auditEventPasswordChanged, false, auditEntry{userID: identity.ID, err: ErrInvalidCredentials})
		return ErrInvalidCredentials
	}
	if next == current {
		return ErrPasswordReuse
	}

	keep, err := e.tokens.CurrentSession(ctx, claims, refreshToken)
	if err != nil {
		return mapError(err)
	}
	if err := e.credentials.SetPassword(ctx, identity.ID, next); err != nil {
		return mapError(err)
	}
	n, err := e.tokens.RevokeUser(ctx, identity.ID, token.Except{RefreshJTI: keep, AccessJTI: claims.ID}, session.ReasonPasswordChanged)
	if err != nil {
		return mapError(err)
	}

	e.metricInc(MetricPasswordChange)
	e.emitAudit(ctx, auditEventPasswordChanged, true, auditEntry{
		userID:   identity.ID,
		metadata: map[string]string{"sessions_revoked": fmt.Sprint(n)},
	})
	e.notifyPasswordChanged(ctx, identity, credential.ChannelEmail)
	return nil
}

// UnlockAccount clears a lock and the failure counter. It reports whether
// the account was locked.
func (e *Engine) UnlockAccount(ctx context.Context, identityID string) (bool, error) {
	unlocked, err := e.credentials.Unlock(ctx, identityID)
	if err != nil {
		return false, mapError(err)
	}
	if unlocked {
		e.metricInc(MetricAccountUnlocked)
		e.emitAudit(ctx, auditEventAccountUnlocked, true, auditEntry{
			userID:   identityID,
			metadata: map[string]string{"by": "admin"},
		})
	}
	return unlocked, nil
}

func (e *Engine) unlock(ctx context.Context, identityID, by string) error {
	unlocked, err := e.credentials.Unlock(ctx, identityID)
	if err != nil {
		return mapError(err)
	}
	if !unlocked {
		if err := e.credentials.ResetLoginAttempts(ctx, identityID); err != nil {
			return mapError(err)
		}
		return nil
	}
	e.metricInc(MetricAccountUnlocked)
	e.emitAudit(ctx, auditEventAccountUnlocked, true, auditEntry{
		userID:   identityID,
		metadata: map[string]string{"by": by},
	})
	return nil
}

// notifyPasswordChanged is best effort.
func (e *Engine) notifyPasswordChanged(ctx context.Context, identity *credential.Identity, channel credential.Channel) {
	dest := identity.Email
	if channel == credential.ChannelPhone {
		dest = identity.Phone.Formatted
	}
	locale := identity.Profile.Locale
	if locale == "" {
		locale = e.config.DefaultLocale
	}
	if err := e.notifier.SendPasswordChanged(ctx, channel, dest, locale); err != nil {
		e.log.Warn("password change notice not delivered", zap.String("identity_id", identity.ID), zap.Error(err))
	}
}

// resetTarget routes a reset identifier on its shape.
func resetTarget(identifier string) (string, credential.Channel, error) {
	if strings.Contains(identifier, "@") {
		return codeTarget(CodeEmail, identifier)
	}
	return codeTarget(CodePhone, identifier)
}
