package trailing

import (
	"context"
	"time"

	"order_engine/internal/models"
	"order_engine/pkg/logger"
)

type Prices interface {
	Watch(symbol string)
	Fresh(symbol string, maxAge time.Duration) (models.BookTicker, bool)
}

// Monitor feeds open ledger positions and live book prices into the engine.
type Monitor struct {
	engine *Engine
	prices Prices
	maxAge time.Duration
}

func NewMonitor(e *Engine, prices Prices, maxAge time.Duration) *Monitor {
	return &Monitor{engine: e, prices: prices, maxAge: maxAge}
}

// Tick marks every open position to the book and evaluates it. Failures are
// per position and never stop the tick.
func (m *Monitor) Tick(ctx context.Context) (transitions int, err error) {
	e := m.engine
	positions, err := e.Ledger.ListOpenPositions(ctx, e.AccountID)
	if err != nil {
		return 0, err
	}

	open := make(map[int64]bool, len(positions))
	for _, p := range positions {
		open[p.ID] = true
	}
	e.Forget(open)

	for _, p := range positions {
		if ctx.Err() != nil {
			return transitions, ctx.Err()
		}
		m.prices.Watch(p.Symbol)
		price, err := m.price(p.Symbol)
		if err != nil {
			logger.Debug("[TRAIL] p%d %s: %v", p.ID, p.Symbol, err)
			continue
		}
		if err := e.Ledger.UpdatePositionMark(ctx, p.ID, price, p.UnrealizedAt(price)); err != nil {
			logger.Warn("[TRAIL] mark p%d: %v", p.ID, err)
		}

		var sig *models.Signal
		if p.SignalID != nil {
			s, err := e.Ledger.GetSignal(ctx, *p.SignalID)
			if err != nil {
				logger.Warn("[TRAIL] p%d signal %d: %v", p.ID, *p.SignalID, err)
				continue
			}
			sig = &s
		}
		if sig == nil {
			continue
		}

		tr, err := e.Evaluate(ctx, p, price, sig)
		if err != nil {
			logger.Error("[TRAIL] %v", err)
			continue
		}
		if tr.Applied {
			transitions++
		}
	}
	return transitions, nil
}

func (m *Monitor) price(symbol string) (float64, error) {
	bt, ok := m.prices.Fresh(symbol, m.maxAge)
	if !ok || !bt.Valid() {
		return 0, errNoPrice
	}
	return bt.Mid(), nil
}

// Run ticks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("[TRAIL] tick: %v", err)
			}
		}
	}
}
