package authcore

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// SweepExpired runs one maintenance pass: expired codes past retention are
// deleted, sessions past expiry are deactivated, inactive sessions past
// retention are purged and expired locks are cleared. Every step runs; the
// report counts what succeeded and the errors are joined.
func (e *Engine) SweepExpired(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   []error
		err    error
	)

	if report.ExpiredCodes, err = e.codes.SweepExpired(ctx); err != nil {
		errs = append(errs, mapError(err))
	}
	if report.ExpiredSessions, err = e.tokens.SweepExpired(ctx); err != nil {
		errs = append(errs, mapError(err))
	}
	if report.PurgedSessions, err = e.tokens.PurgeInactive(ctx, e.config.Session.Retention); err != nil {
		errs = append(errs, mapError(err))
	}
	if report.UnlockedAccounts, err = e.credentials.SweepExpiredLocks(ctx); err != nil {
		errs = append(errs, mapError(err))
	}

	if e.metrics != nil {
		e.metrics.Add(MetricSweepRemoved, uint64(report.Total()))
	}
	if report.Total() > 0 || len(errs) > 0 {
		e.log.Info("sweep finished",
			zap.Int("codes", report.ExpiredCodes),
			zap.Int("sessions_expired", report.ExpiredSessions),
			zap.Int("sessions_purged", report.PurgedSessions),
			zap.Int("accounts_unlocked", report.UnlockedAccounts),
			zap.Int("errors", len(errs)),
		)
	}
	return report, errors.Join(errs...)
}
