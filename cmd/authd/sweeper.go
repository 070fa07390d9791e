package main

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/okada-platform/authcore"
)

// runSweeper calls SweepExpired every interval until ctx ends. A failed pass
// is logged and retried on the next tick; partial counts are still reported.
func runSweeper(ctx context.Context, sw authcore.Sweeper, clock clockwork.Clock, every time.Duration, log *zap.Logger) {
	ticker := clock.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			report, err := sw.SweepExpired(ctx)
			fields := []zap.Field{
				zap.Int("expired_codes", report.ExpiredCodes),
				zap.Int("expired_sessions", report.ExpiredSessions),
				zap.Int("purged_sessions", report.PurgedSessions),
				zap.Int("unlocked_accounts", report.UnlockedAccounts),
			}
			if err != nil {
				log.Warn("sweep incomplete", append(fields, zap.Error(err))...)
				continue
			}
			if report.Total() > 0 {
				log.Info("sweep", fields...)
			}
		}
	}
}
