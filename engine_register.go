package authcore

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
)

// Register creates a pending_verification identity and sends one code to its
// email and one to its phone.
//
// A duplicate email or phone is ErrConflict. When a code cannot be delivered
// the identity is kept, the result is still returned and the error matches
// ErrDeliveryFailed; the caller can resend with SendVerificationCode.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	role := credential.RoleCustomer
	if strings.TrimSpace(req.Role) != "" {
		r, err := credential.ParseRole(req.Role)
		if err != nil {
			return nil, mapError(err)
		}
		role = r
	}
	locale := e.locale(req.Locale)

	identity, err := e.credentials.CreateIdentity(ctx, credential.NewIdentity{
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
		Role:     role,
		Profile: credential.Profile{
			FirstName: strings.TrimSpace(req.FirstName),
			LastName:  strings.TrimSpace(req.LastName),
			Locale:    locale,
		},
	})
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrConflict) {
			e.metricInc(MetricRegisterConflict)
		}
		return nil, err
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, auditEventIdentityRegistered, true, auditEntry{
		userID:   identity.ID,
		metadata: map[string]string{"role": string(identity.Role)},
	})
	e.log.Info("identity registered", zap.String("identity_id", identity.ID), zap.String("role", string(identity.Role)))

	result := &RegisterResult{Identity: identity}

	emailCode, emailErr := e.issueCode(ctx, CodeEmail, identity.Email, credential.ChannelEmail, locale)
	if emailCode != nil {
		result.EmailCodeExpiresAt = emailCode.ExpiresAt
	}
	phoneCode, phoneErr := e.issueCode(ctx, CodePhone, identity.Phone.Formatted, credential.ChannelPhone, locale)
	if phoneCode != nil {
		result.PhoneCodeExpiresAt = phoneCode.ExpiresAt
	}

	for _, err := range []error{emailErr, phoneErr} {
		if err != nil {
			e.emitAudit(ctx, auditEventCodeSent, false, auditEntry{userID: identity.ID, err: err})
			return result, err
		}
	}
	e.emitAudit(ctx, auditEventCodeSent, true, auditEntry{
		userID:   identity.ID,
		metadata: map[string]string{"purpose": "registration"},
	})
	return result, nil
}
