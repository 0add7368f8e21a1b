package sessions

import (
	"context"
	"time"

	"order_engine/pkg/logger"
)

// Janitor evicts expired dedup keys of every cache in the session.
func (s *AccountSession) Janitor(ctx context.Context) {
	ticker := time.NewTicker(s.Settings.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepCaches()
		}
	}
}

// SweepCaches returns the number of keys evicted.
func (s *AccountSession) SweepCaches() int {
	removed := 0
	for _, c := range s.Caches() {
		n := c.Sweep()
		removed += n
		if n > 0 {
			logger.Debug("[JANITOR] acct=%d %s: evicted %d, left %d", s.AccountID, c.Name(), n, c.Len())
		}
	}
	return removed
}
