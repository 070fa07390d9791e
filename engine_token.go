package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/okada-platform/authcore/session"
	"github.com/okada-platform/authcore/token"
)

// Refresh rotates a refresh token. Presenting a token that was already
// rotated revokes its whole family and returns ErrFamilyCompromised.
func (e *Engine) Refresh(ctx context.Context, refreshToken string, client Client) (*TokenPair, error) {
	pair, subject, err := e.tokens.Refresh(ctx, refreshToken, clientFor(ctx, client))
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		if errors.Is(err, token.ErrFamilyCompromised) {
			e.metricInc(MetricRefreshReuseDetected)
			entry := auditEntry{err: ErrFamilyCompromised}
			var reuse *token.ReuseError
			if errors.As(err, &reuse) {
				entry.userID, entry.familyID = reuse.UserID, reuse.FamilyID
				entry.metadata = map[string]string{"revoked_sessions": strconv.Itoa(reuse.Revoked)}
			}
			e.emitAudit(ctx, auditEventRefreshReuseDetected, false, entry)
		}
		return nil, mapError(err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, auditEntry{userID: subject.UserID, familyID: pair.FamilyID})
	return pair, nil
}

// ValidateAccessToken checks signature, expiry and revocation. The failures
// are ErrExpired, ErrInvalid and ErrRevoked. When the revocation index cannot
// be read the token is rejected with an error matching both ErrRevoked and
// ErrUnavailable.
func (e *Engine) ValidateAccessToken(ctx context.Context, accessToken string) (*AccessInfo, error) {
	start := e.clock.Now()
	defer e.observe(MetricValidateLatency, start)

	claims, err := e.validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	return &AccessInfo{
		UserID:    claims.Subject,
		Email:     claims.Email,
		Role:      claims.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Logout revokes the access token and deactivates its session. refreshToken
// may be empty, in which case the session minted with accessToken is closed.
func (e *Engine) Logout(ctx context.Context, accessToken, refreshToken string) error {
	claims, err := e.validate(ctx, accessToken)
	if err != nil {
		return err
	}
	if err := e.tokens.Logout(ctx, claims, refreshToken); err != nil {
		return mapError(err)
	}

	e.metricInc(MetricLogout)
	e.metricInc(MetricTokenRevoked)
	e.emitAudit(ctx, auditEventLogout, true, auditEntry{userID: claims.Subject})
	return nil
}

// LogoutAll closes every session of the token's owner and revokes every
// access token issued to them. It returns the number of sessions closed.
func (e *Engine) LogoutAll(ctx context.Context, accessToken string) (int, error) {
	claims, err := e.validate(ctx, accessToken)
	if err != nil {
		return 0, err
	}
	n, err := e.tokens.LogoutAll(ctx, claims.Subject)
	if err != nil {
		return n, mapError(err)
	}

	e.metricInc(MetricLogoutAll)
	if e.metrics != nil {
		e.metrics.Add(MetricTokenRevoked, uint64(n))
	}
	e.emitAudit(ctx, auditEventLogoutAll, true, auditEntry{
		userID:   claims.Subject,
		metadata: map[string]string{"sessions": strconv.Itoa(n)},
	})
	return n, nil
}

// ListSessions returns the active sessions of the token's owner.
func (e *Engine) ListSessions(ctx context.Context, accessToken string) ([]*session.Session, error) {
	claims, err := e.validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	rows, err := e.tokens.Sessions(ctx, claims.Subject)
	if err != nil {
		return nil, mapError(err)
	}
	return rows, nil
}
