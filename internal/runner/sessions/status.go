package sessions

import (
	"context"
	"fmt"
	"time"

	"order_engine/internal/models"
	"order_engine/pkg/logger"
)

// Snapshot is a point-in-time view of a session for logs and status queries.
type Snapshot struct {
	AccountID     int64
	OpenPositions []models.Position
	LiveOrders    int
	PendingEntry  int
	BookSymbols   []string
}

func (s Snapshot) String() string {
	return fmt.Sprintf("acct=%d positions=%d orders=%d entries=%d books=%d",
		s.AccountID, len(s.OpenPositions), s.LiveOrders, s.PendingEntry, len(s.BookSymbols))
}

// Status reads the session state from the ledger, not from the exchange.
func (s *AccountSession) Status(ctx context.Context) (Snapshot, error) {
	positions, err := s.Ledger.ListOpenPositions(ctx, s.AccountID)
	if err != nil {
		return Snapshot{}, err
	}
	orders, err := s.Ledger.ListLiveOrders(ctx, s.AccountID, "")
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()

	return Snapshot{
		AccountID:     s.AccountID,
		OpenPositions: positions,
		LiveOrders:    len(orders),
		PendingEntry:  pending,
		BookSymbols:   s.Books.Symbols(),
	}, nil
}

func (s *AccountSession) healthLoop(ctx context.Context) {
	if s.Settings.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.Settings.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.Status(ctx)
			if err != nil {
				logger.Warn("[HEALTH] acct=%d status: %v", s.AccountID, err)
				continue
			}
			logger.Info("🩺 HEALTH | %s", snap)
		}
	}
}
