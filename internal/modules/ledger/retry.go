package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"order_engine/pkg/db"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"
)

// RetryPolicy bounds retries of writes that lose a lock race.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Jitter   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 50, Base: 10 * time.Millisecond, Jitter: 40 * time.Millisecond}
}

func (p RetryPolicy) delay() time.Duration {
	if p.Jitter <= 0 {
		return p.Base
	}
	return p.Base + rand.N(p.Jitter)
}

// RetryOnConflict reruns fn while it fails with db.ErrLockConflict, sleeping
// Base plus random jitter between attempts. Other errors return at once.
func RetryOnConflict(ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !db.IsLockConflict(err) {
			return err
		}
		if attempt >= p.Attempts {
			return fmt.Errorf("%s: lock conflict after %d attempts: %w", op, attempt, err)
		}
		metrics.LedgerLockRetries.Inc()
		logger.Debug("ledger: %s lock conflict, attempt %d/%d", op, attempt, p.Attempts)

		t := time.NewTimer(p.delay())
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
}
