package riptide

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// runRetryLoop drains the retry set on a ticker, moving due jobs back
// into their original lanes where the dispatch loop picks them up.
func (q *Queue) runRetryLoop(ctx context.Context) {
	ticker := time.NewTicker(q.config.RetryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				moved, err := q.store.ReadmitDueRetries(ctx, time.Now(), 100)
				if err != nil {
					if ctx.Err() == nil {
						q.logger.Warn("error re-admitting due retries", zap.Error(err))
					}
					break
				}
				if moved < 100 {
					break
				}
			}
		}
	}
}
