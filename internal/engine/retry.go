package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/channel"
	"github.com/alfredjeanlab/dealroom/internal/metrics"
)

// retryFetch calls fetch until it succeeds, waiting b.Delay(n) after the
// n-th failure. It reports false when ctx ends first.
func retryFetch(ctx context.Context, b channel.Backoff, log *zap.Logger, m *metrics.Metrics, fetch func(context.Context) error) bool {
	for attempt := 0; ; attempt++ {
		err := fetch(ctx)
		if err == nil {
			m.Resync("ok")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.Resync("error")
		delay := b.Delay(attempt)
		log.Warn("engine: resync failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return false
		}
	}
}
