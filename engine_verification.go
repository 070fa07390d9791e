package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
)

// SendVerificationCode generates a fresh email or phone code, superseding any
// earlier one for the same destination, and delivers it. It returns the
// code's expiry.
func (e *Engine) SendVerificationCode(ctx context.Context, typ CodeType, identifier, locale string) (time.Time, error) {
	dest, channel, err := codeTarget(typ, identifier)
	if err != nil {
		return time.Time{}, err
	}
	if err := e.allow(ctx, e.config.RateLimits.CodeGeneration, string(typ)+":"+dest); err != nil {
		return time.Time{}, err
	}

	issued, err := e.issueCode(ctx, typ, dest, channel, e.locale(locale))
	if err != nil {
		e.emitAudit(ctx, auditEventCodeSent, false, auditEntry{err: err, metadata: map[string]string{"type": string(typ)}})
		if issued == nil {
			return time.Time{}, err
		}
		return issued.ExpiresAt, err
	}
	e.emitAudit(ctx, auditEventCodeSent, true, auditEntry{metadata: map[string]string{"type": string(typ)}})
	return issued.ExpiresAt, nil
}

// VerifyCode checks a code. On success the identity owning the destination,
// if any, gets that channel marked verified and becomes active once both
// channels are.
//
// A wrong code returns a *CodeError matching ErrInvalid with the attempts
// left; the failure that exhausts the budget matches ErrAttemptsExceeded.
func (e *Engine) VerifyCode(ctx context.Context, typ CodeType, identifier, code string) error {
	dest, channel, err := codeTarget(typ, identifier)
	if err != nil {
		return err
	}
	if err := e.allow(ctx, e.config.RateLimits.OTPVerification, string(typ)+":"+dest); err != nil {
		return err
	}

	if err := e.codes.Verify(ctx, typ, dest, code); err != nil {
		err = mapError(err)
		if errors.Is(err, ErrAttemptsExceeded) {
			e.metricInc(MetricCodeAttemptsExceeded)
		} else {
			e.metricInc(MetricCodeFailed)
		}
		e.emitAudit(ctx, auditEventCodeFailed, false, auditEntry{err: err, metadata: map[string]string{"type": string(typ)}})
		return err
	}
	e.metricInc(MetricCodeVerified)

	identity, err := e.findByDestination(ctx, channel, dest)
	if err != nil {
		return mapError(err)
	}
	userID := ""
	if identity != nil {
		updated, err := e.credentials.MarkVerified(ctx, identity.ID, channel)
		if err != nil {
			return mapError(err)
		}
		userID = identity.ID
		if updated != nil && updated.Status != identity.Status {
			e.log.Info("identity activated", zap.String("identity_id", identity.ID))
		}
	}
	e.emitAudit(ctx, auditEventCodeVerified, true, auditEntry{userID: userID, metadata: map[string]string{"type": string(typ)}})
	return nil
}

// VerificationStatus reports whether any code for the destination was ever
// confirmed.
func (e *Engine) VerificationStatus(ctx context.Context, typ CodeType, identifier string) (bool, error) {
	dest, _, err := codeTarget(typ, identifier)
	if err != nil {
		return false, err
	}
	ok, err := e.codes.IsVerified(ctx, typ, dest)
	if err != nil {
		return false, mapError(err)
	}
	return ok, nil
}

func (e *Engine) findByDestination(ctx context.Context, channel credential.Channel, dest string) (*credential.Identity, error) {
	if channel == credential.ChannelEmail {
		return e.credentials.FindByEmail(ctx, dest)
	}
	return e.credentials.FindByPhone(ctx, dest)
}

// codeTarget normalizes the destination of an email or phone code.
func codeTarget(typ CodeType, identifier string) (string, credential.Channel, error) {
	switch typ {
	case CodeEmail:
		email := credential.NormalizeEmail(identifier)
		if !credential.IsEmail(email) {
			return "", "", fmt.Errorf("%w: email", ErrInvalidInput)
		}
		return email, credential.ChannelEmail, nil
	case CodePhone:
		phone, err := credential.ParsePhone(identifier)
		if err != nil {
			return "", "", fmt.Errorf("%w: phone", ErrInvalidInput)
		}
		return phone.Formatted, credential.ChannelPhone, nil
	}
	return "", "", fmt.Errorf("%w: code type %q", ErrInvalidInput, typ)
}
