// Package trailing moves a position's stop as its targets are reached:
// ORIGINAL -> TP1_BREAKEVEN (stop at entry) -> TP3_TP1 (stop at target 1).
package trailing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"order_engine/internal/exchange"
	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"
	"order_engine/pkg/tracing"
)

type Rules interface {
	Get(ctx context.Context, symbol string) (models.PrecisionRule, error)
}

type Config struct {
	MinRecheck  time.Duration
	SettleDelay time.Duration
	CallTimeout time.Duration
	Retry       ledger.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		MinRecheck:  5 * time.Second,
		SettleDelay: 500 * time.Millisecond,
		CallTimeout: 5 * time.Second,
		Retry:       ledger.DefaultRetryPolicy(),
	}
}

type Deps struct {
	AccountID int64
	Gateway   exchange.Gateway
	Ledger    ledger.Ledger
	Rules     Rules
	Notifier  notifier.Notifier
}

// Engine evaluates trailing transitions. A position never runs two
// transitions at once, and no lock is held while the exchange is called.
type Engine struct {
	Deps
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu        sync.Mutex
	lastCheck map[int64]time.Time
	busy      map[int64]struct{}
}

func New(d Deps, cfg Config) *Engine {
	return &Engine{
		Deps:      d,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
		lastCheck: make(map[int64]time.Time),
		busy:      make(map[int64]struct{}),
	}
}

type Transition struct {
	PositionID int64
	Symbol     string
	From       models.TrailingLevel
	To         models.TrailingLevel
	StopPrice  float64
	Canceled   []string
	NewOrderID string
	Applied    bool
}

// Decide returns the level price calls for, if it is a step up from the
// position's current level. Stop is the new stop price before tick rounding.
func Decide(p models.Position, price float64, sig *models.Signal) (to models.TrailingLevel, stop float64, ok bool) {
	if sig == nil || len(sig.Targets) == 0 || price <= 0 {
		return "", 0, false
	}
	side := models.ResolveSide(p, sig, p.Quantity)
	level := p.TrailingLevel
	if level == "" {
		level = models.TrailingOriginal
	}

	if tp3 := sig.Target(3); tp3 > 0 && level != models.TrailingTP3TP1 && side.Favorable(price, tp3) {
		return models.TrailingTP3TP1, sig.Target(1), true
	}
	if level == models.TrailingOriginal && side.Favorable(price, sig.Target(1)) && p.EntryPrice > 0 {
		return models.TrailingTP1Breakeven, p.EntryPrice, true
	}
	return "", 0, false
}

// Evaluate checks p against price and runs at most one transition. A zero
// Transition with nil error means nothing was due.
func (e *Engine) Evaluate(ctx context.Context, p models.Position, price float64, sig *models.Signal) (Transition, error) {
	if !e.due(p.ID) {
		return Transition{}, nil
	}
	to, stop, ok := Decide(p, price, sig)
	if !ok {
		return Transition{}, nil
	}
	if !e.tryAcquire(p.ID) {
		logger.Debug("[TRAIL] position %d transition already running", p.ID)
		return Transition{}, nil
	}
	defer e.release(p.ID)

	return e.apply(ctx, p, sig, to, stop, price)
}

func (e *Engine) due(positionID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if last, ok := e.lastCheck[positionID]; ok && now.Sub(last) < e.cfg.MinRecheck {
		return false
	}
	e.lastCheck[positionID] = now
	return true
}

func (e *Engine) tryAcquire(positionID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.busy[positionID]; ok {
		return false
	}
	e.busy[positionID] = struct{}{}
	return true
}

func (e *Engine) release(positionID int64) {
	e.mu.Lock()
	delete(e.busy, positionID)
	e.mu.Unlock()
}

// Forget drops throttle state of positions that are no longer open.
func (e *Engine) Forget(open map[int64]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.lastCheck {
		if !open[id] {
			delete(e.lastCheck, id)
		}
	}
}

// apply cancels every stop, waits, places the new stop and only then stores
// the level. A failure before the level is stored is retried on a later tick.
func (e *Engine) apply(ctx context.Context, p models.Position, sig *models.Signal, to models.TrailingLevel, stop, price float64) (tr Transition, err error) {
	span, ctx := tracing.StartSpan(ctx, "trailing.apply", map[string]any{
		"account": e.AccountID, "position": p.ID, "symbol": p.Symbol, "level": string(to),
	})
	defer func() {
		if err != nil {
			err = fmt.Errorf("trailing.apply p%d %s: %w", p.ID, to, err)
		}
		tracing.Finish(span, err)
	}()

	side := models.ResolveSide(p, sig, p.Quantity)
	tr = Transition{PositionID: p.ID, Symbol: p.Symbol, From: p.TrailingLevel, To: to}

	rule, err := e.Rules.Get(ctx, p.Symbol)
	if err != nil {
		return tr, err
	}
	tr.StopPrice = helper.RoundToTick(stop, rule.TickSize)
	logger.Info("[TRAIL] p%d %s %s price=%g: %s -> %s stop=%g",
		p.ID, p.Symbol, side, price, tr.From, to, tr.StopPrice)

	// 1. все живые SL
	canceled, err := e.cancelStops(ctx, p.Symbol)
	tr.Canceled = canceled
	if err != nil {
		return tr, err
	}

	// 2.
	if !e.sleep(ctx, e.cfg.SettleDelay) {
		return tr, ctx.Err()
	}

	// 3. новый стоп на всю позицию
	tag := ""
	if sig != nil {
		tag = sig.OriginTag()
	}
	cctx, cancel := e.callCtx(ctx)
	ack, err := e.Gateway.PlaceOrder(cctx, exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          side.Opposite(),
		Type:          models.OrderTypeStopMarket,
		StopPrice:     tr.StopPrice,
		ClosePosition: true,
		ClientOrderID: models.NewClientOrderID(tag, models.RoleStopLoss),
	})
	cancel()
	if err != nil {
		e.Notifier.Notify(ctx, e.AccountID, "❗️ %s: old stop cancelled, new stop at %g failed: %v", p.Symbol, tr.StopPrice, err)
		return tr, err
	}
	tr.NewOrderID = ack.OrderID
	metrics.ProtectiveOrdersPlaced.WithLabelValues(string(models.RoleStopLoss)).Inc()

	// 4.
	err = ledger.RetryOnConflict(ctx, e.cfg.Retry, "trailing.advance", func(ctx context.Context) error {
		applied, err := e.Ledger.AdvanceTrailingLevel(ctx, p.ID, to)
		tr.Applied = applied
		return err
	})
	if err != nil {
		return tr, err
	}
	if !tr.Applied {
		logger.Warn("[TRAIL] p%d level %s was already reached elsewhere", p.ID, to)
		return tr, nil
	}

	// 5.
	metrics.TrailingTransitions.WithLabelValues(string(to)).Inc()
	e.Notifier.Notify(ctx, e.AccountID, "🛡 %s %s: stop moved to %g (%s)", p.Symbol, side, tr.StopPrice, to)
	return tr, nil
}

// cancelStops cancels every live stop for symbol known to the ledger or the
// exchange. Orders already gone count as cancelled.
func (e *Engine) cancelStops(ctx context.Context, symbol string) ([]string, error) {
	ids := make(map[string]struct{})

	live, err := e.Ledger.ListLiveOrders(ctx, e.AccountID, symbol)
	if err != nil {
		return nil, err
	}
	for _, o := range live {
		if o.Role == models.RoleStopLoss || o.Type == models.OrderTypeStopMarket {
			ids[o.ExternalID] = struct{}{}
		}
	}

	cctx, cancel := e.callCtx(ctx)
	open, err := e.Gateway.QueryOpenOrders(cctx, symbol)
	cancel()
	if err != nil {
		return nil, err
	}
	for _, o := range open {
		if o.Type == models.OrderTypeStopMarket {
			ids[o.OrderID] = struct{}{}
		}
	}

	var canceled []string
	for id := range ids {
		cctx, cancel := e.callCtx(ctx)
		err := e.Gateway.CancelOrder(cctx, symbol, id)
		cancel()
		if err != nil && !exchange.IsNotFound(err) {
			return canceled, err
		}
		canceled = append(canceled, id)
	}
	return canceled, nil
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var errNoPrice = errors.New("trailing: no fresh price")
