package orders

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunSweeps expires stale unpaid orders and recovers stalled paid ones
// every interval until ctx is done. Each pass handles at most batch orders
// of each kind.
func (l *Ledger) RunSweeps(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("order sweeps started", zap.Duration("interval", interval))
	for {
		if _, err := l.ExpireStale(ctx, batch); err != nil && ctx.Err() == nil {
			l.logger.Error("expiry sweep failed", zap.Error(err))
		}
		if _, err := l.RecoverStalled(ctx, batch); err != nil && ctx.Err() == nil {
			l.logger.Error("stalled order sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			l.logger.Info("order sweeps stopped")
			return
		case <-ticker.C:
		}
	}
}
