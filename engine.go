package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore/credential"
	internalaudit "github.com/okada-platform/authcore/internal/audit"
	"github.com/okada-platform/authcore/internal/rate"
	"github.com/okada-platform/authcore/jwt"
	"github.com/okada-platform/authcore/session"
	"github.com/okada-platform/authcore/token"
	"github.com/okada-platform/authcore/verification"
)

// Engine runs the credential and token lifecycle. Build it with New().
//
// An Engine is safe for concurrent use. Close flushes the audit pipeline.
type Engine struct {
	config Config
	clock  clockwork.Clock
	log    *zap.Logger

	credentials *credential.Store
	codes       *verification.Store
	sessions    session.Store
	tokens      *token.Service
	limiter     *rate.Limiter

	notifier  Notifier
	twoFactor TwoFactorVerifier

	audit   *internalaudit.Dispatcher
	metrics *Metrics
}

var _ Sweeper = (*Engine)(nil)

// Close drains queued audit events. The engine must not be used afterwards.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped is the number of audit events lost to a full buffer, a
// cancelled context or a failing sink.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// RateLimitDegraded counts decisions taken while the limiter's backend was
// unreachable.
func (e *Engine) RateLimitDegraded() uint64 {
	return e.limiter.DegradedCount()
}

func (e *Engine) metricInc(id MetricID) {
	if e.metrics != nil {
		e.metrics.Inc(id)
	}
}

func (e *Engine) observe(id MetricID, start time.Time) {
	if e.metrics != nil {
		e.metrics.Observe(id, e.clock.Since(start))
	}
}

// resolveSubject reloads the identity behind a refresh token.
func (e *Engine) resolveSubject(ctx context.Context, userID string) (token.Subject, error) {
	identity, err := e.credentials.Get(ctx, userID)
	if err != nil {
		return token.Subject{}, err
	}
	if identity == nil || !identity.CanLogin() {
		return token.Subject{}, token.ErrSubjectInactive
	}
	return subjectOf(identity), nil
}

func subjectOf(identity *credential.Identity) token.Subject {
	return token.Subject{
		UserID: identity.ID,
		Email:  identity.Email,
		Role:   string(identity.Role),
	}
}

// allow consumes one unit of policy for subject. A denial is audited and
// returned as *RateLimitError. Backend faults never deny.
func (e *Engine) allow(ctx context.Context, policy RateLimitPolicy, subject string) error {
	d, err := e.limiter.Allow(ctx, policy, subject)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if d.Allowed {
		return nil
	}
	e.emitRateLimit(ctx, policy, subject)
	return &RateLimitError{Action: policy.Name, RetryAfter: d.RetryAfter, ResetAt: d.ResetAt}
}

// deliver sends one code. A refused or failed delivery is ErrDeliveryFailed.
func (e *Engine) deliver(ctx context.Context, msg VerificationMessage) error {
	ok, err := e.notifier.SendVerificationMessage(ctx, msg)
	if err == nil && ok {
		e.metricInc(MetricCodeSent)
		return nil
	}
	e.metricInc(MetricCodeDeliveryFailed)
	e.log.Warn("verification message not delivered",
		zap.String("channel", string(msg.Channel)),
		zap.String("purpose", string(msg.Purpose)),
		zap.Error(err),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return ErrDeliveryFailed
}

// issueCode generates and delivers a code of typ for identifier.
func (e *Engine) issueCode(ctx context.Context, typ CodeType, identifier string, channel credential.Channel, locale credential.Locale) (*verification.Issued, error) {
	issued, err := e.codes.Generate(ctx, verification.Request{
		Type:        typ,
		Identifier:  identifier,
		Expiry:      e.config.Verification.Expiry,
		MaxAttempts: e.config.Verification.MaxAttempts,
		Length:      e.config.Verification.Length,
	})
	if err != nil {
		return nil, mapError(err)
	}
	err = e.deliver(ctx, VerificationMessage{
		Channel:     channel,
		Destination: identifier,
		Purpose:     typ,
		Code:        issued.Code,
		ExpiresAt:   issued.ExpiresAt,
		Locale:      locale,
	})
	return issued, err
}

func (e *Engine) locale(s string) credential.Locale {
	return credential.ParseLocale(s, e.config.DefaultLocale)
}

// validate maps token validation failures and audits an unreadable
// revocation index.
func (e *Engine) validate(ctx context.Context, accessToken string) (*jwt.AccessClaims, error) {
	claims, err := e.tokens.Validate(ctx, accessToken)
	if err != nil {
		if errors.Is(err, token.ErrUnavailable) {
			e.metricInc(MetricRevocationUnavailable)
			e.emitAudit(ctx, auditEventRevocationUnavailable, false, auditEntry{err: ErrUnavailable})
		}
		return nil, mapError(err)
	}
	return claims, nil
}
