// Package protection places the stop-loss and take-profit orders that guard an
// open position.
package protection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order_engine/internal/engine/dedup"
	"order_engine/internal/exchange"
	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"
	"order_engine/pkg/tracing"

	"github.com/shopspring/decimal"
)

var (
	ErrNoPrices   = errors.New("protection: signal has no stop or targets")
	ErrNoQuantity = errors.New("protection: nothing to protect")
	ErrNoSide     = errors.New("protection: position side unknown")
)

type Rules interface {
	Get(ctx context.Context, symbol string) (models.PrecisionRule, error)
}

type Config struct {
	// Ladder is the share of filled quantity reduced at each target, in target order.
	Ladder      []float64
	PendingTTL  time.Duration
	CallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Ladder:      []float64{0.25, 0.30, 0.25, 0.10},
		PendingTTL:  time.Minute,
		CallTimeout: 5 * time.Second,
	}
}

type Deps struct {
	AccountID int64
	Gateway   exchange.Gateway
	Ledger    ledger.Ledger
	Rules     Rules
	Notifier  notifier.Notifier
	// Pending remembers placements not yet confirmed by the event feed.
	// A private cache is created when nil.
	Pending *dedup.Cache
}

type Manager struct {
	Deps
	cfg Config
}

func New(d Deps, cfg Config) *Manager {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = time.Minute
	}
	if d.Pending == nil {
		d.Pending = dedup.New("protection-pending", cfg.PendingTTL)
	}
	return &Manager{Deps: d, cfg: cfg}
}

// PendingCache exposes the pending-placement cache so a janitor can sweep it.
func (m *Manager) PendingCache() *dedup.Cache { return m.Pending }

type Request struct {
	Position models.Position
	Signal   models.Signal
	// FilledQty sizes the ladder; the position quantity is used when zero.
	FilledQty float64
}

// Leg is one protective order.
type Leg struct {
	Role          models.OrderRole
	Type          models.OrderType
	Side          models.Side
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
}

type Skip struct {
	Role   models.OrderRole
	Reason string
}

type Report struct {
	Planned []Leg
	Placed  []Leg
	Skipped []Skip
	Failed  []Skip
}

// Complete reports whether every planned leg is now live or pending.
func (r Report) Complete() bool { return len(r.Failed) == 0 }

// Plan builds the protective legs for req without touching the exchange.
//
// Legs: one close-on-trigger stop at the signal stop, reduce-only take-profits
// sized by the ladder on targets 1..n, and a close-on-trigger take-profit on the
// last target. With as many targets as ladder steps the close-all takes the
// place of the last ladder leg. Ladder legs that floor below min qty are
// dropped.
func (m *Manager) Plan(req Request, rule models.PrecisionRule) ([]Leg, []Skip, error) {
	sig := req.Signal
	if !sig.HasProtection() {
		return nil, nil, ErrNoPrices
	}
	side := models.ResolveSide(req.Position, &sig, 0)
	if !side.Valid() {
		return nil, nil, ErrNoSide
	}
	qty := req.FilledQty
	if qty <= 0 {
		qty = req.Position.Quantity
	}
	if qty <= 0 {
		return nil, nil, ErrNoQuantity
	}

	closeSide := side.Opposite()
	var legs []Leg
	var skipped []Skip

	legs = append(legs, Leg{
		Role:          models.RoleStopLoss,
		Type:          models.OrderTypeStopMarket,
		Side:          closeSide,
		StopPrice:     helper.RoundToTick(sig.StopPrice, rule.TickSize),
		ClosePosition: true,
	})

	targets := len(sig.Targets)
	filled := decimal.NewFromFloat(qty)
	for i, share := range m.cfg.Ladder {
		n := i + 1
		if n > targets {
			break
		}
		role := models.PartialReduceRole(n)
		if n == targets && n == len(m.cfg.Ladder) {
			skipped = append(skipped, Skip{Role: role, Reason: "replaced by close-all"})
			continue
		}
		legQty := helper.FloorToStep(filled.Mul(decimal.NewFromFloat(share)).InexactFloat64(), rule.StepSize)
		if legQty <= 0 || legQty < rule.MinQty {
			skipped = append(skipped, Skip{Role: role, Reason: fmt.Sprintf("qty %g below min %g", legQty, rule.MinQty)})
			continue
		}
		legs = append(legs, Leg{
			Role:       role,
			Type:       models.OrderTypeTakeProfitMarket,
			Side:       closeSide,
			Quantity:   legQty,
			StopPrice:  helper.RoundToTick(sig.Target(n), rule.TickSize),
			ReduceOnly: true,
		})
	}

	legs = append(legs, Leg{
		Role:          models.RoleTakeProfit,
		Type:          models.OrderTypeTakeProfitMarket,
		Side:          closeSide,
		StopPrice:     helper.RoundToTick(sig.Target(targets), rule.TickSize),
		ClosePosition: true,
	})
	return legs, skipped, nil
}

// Ensure places every protective leg that is not already live or pending.
// Placement is fire-and-forget: rows are written only when the event feed
// confirms the order.
func (m *Manager) Ensure(ctx context.Context, req Request) (rep Report, err error) {
	span, ctx := tracing.StartSpan(ctx, "protection.Ensure", map[string]any{
		"account": m.AccountID, "signal": req.Signal.ID, "symbol": req.Position.Symbol,
	})
	defer func() {
		if err != nil {
			err = fmt.Errorf("protection.Ensure s%d: %w", req.Signal.ID, err)
		}
		tracing.Finish(span, err)
	}()

	symbol := req.Position.Symbol
	if symbol == "" {
		symbol = req.Signal.Symbol
	}
	rule, err := m.Rules.Get(ctx, symbol)
	if err != nil {
		return rep, err
	}
	legs, skipped, err := m.Plan(req, rule)
	if err != nil {
		return rep, err
	}
	rep.Planned = legs
	rep.Skipped = skipped

	open, err := m.openClientIDs(ctx, symbol)
	if err != nil {
		return rep, err
	}

	tag := req.Signal.OriginTag()
	var errs []error
	for _, leg := range legs {
		if reason, ok := m.alreadyCovered(ctx, tag, leg.Role, open); ok {
			rep.Skipped = append(rep.Skipped, Skip{Role: leg.Role, Reason: reason})
			continue
		}

		key := dedup.PendingPlacementKey(m.AccountID, tag, string(leg.Role))
		if !m.Pending.TryAcquire(key) {
			rep.Skipped = append(rep.Skipped, Skip{Role: leg.Role, Reason: "placement pending"})
			continue
		}

		if err := m.place(ctx, symbol, tag, leg); err != nil {
			// a transient failure may still have reached the exchange; the
			// pending key stays and the open-order check settles it later
			if !exchange.IsTransient(err) {
				m.Pending.Forget(key)
			}
			rep.Failed = append(rep.Failed, Skip{Role: leg.Role, Reason: err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", leg.Role, err))
			continue
		}
		rep.Placed = append(rep.Placed, leg)
	}

	logger.Info("[PROTECT] s%d %s placed=%d skipped=%d failed=%d",
		req.Signal.ID, symbol, len(rep.Placed), len(rep.Skipped), len(rep.Failed))
	if len(errs) > 0 {
		m.Notifier.Notify(ctx, m.AccountID, "⚠️ Protection incomplete for %s: %d of %d orders failed",
			symbol, len(rep.Failed), len(legs))
		return rep, errors.Join(errs...)
	}
	return rep, nil
}

// alreadyCovered checks the ledger and the exchange for a live order of role
// placed for tag.
func (m *Manager) alreadyCovered(ctx context.Context, tag string, role models.OrderRole, open []string) (string, bool) {
	if _, err := m.Ledger.FindLiveOrder(ctx, m.AccountID, tag, role); err == nil {
		return "live in ledger", true
	} else if !errors.Is(err, ledger.ErrNotFound) {
		logger.Warn("[PROTECT] ledger lookup %s/%s: %v", tag, role, err)
	}

	prefix := models.ClientOrderIDPrefix(tag, role)
	if prefix == "" {
		return "", false
	}
	for _, id := range open {
		if strings.HasPrefix(id, prefix) {
			return "open on exchange", true
		}
	}
	return "", false
}

func (m *Manager) openClientIDs(ctx context.Context, symbol string) ([]string, error) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	orders, err := m.Gateway.QueryOpenOrders(cctx, symbol)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ClientOrderID)
	}
	return ids, nil
}

func (m *Manager) place(ctx context.Context, symbol, tag string, leg Leg) error {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()

	ack, err := m.Gateway.PlaceOrder(cctx, exchange.OrderRequest{
		Symbol:        symbol,
		Side:          leg.Side,
		Type:          leg.Type,
		Quantity:      leg.Quantity,
		StopPrice:     leg.StopPrice,
		ReduceOnly:    leg.ReduceOnly,
		ClosePosition: leg.ClosePosition,
		ClientOrderID: models.NewClientOrderID(tag, leg.Role),
	})
	if err != nil {
		logger.Error("[PROTECT] %s %s %s @ %g: %v", symbol, tag, leg.Role, leg.StopPrice, err)
		return err
	}
	metrics.ProtectiveOrdersPlaced.WithLabelValues(roleLabel(leg.Role)).Inc()
	logger.Info("[PROTECT] %s %s %s %s qty=%g stop=%g id=%s",
		symbol, tag, leg.Role, leg.Side, leg.Quantity, leg.StopPrice, ack.OrderID)
	return nil
}

func (m *Manager) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

// roleLabel folds the ladder roles into one metric label.
func roleLabel(r models.OrderRole) string {
	if r.Protective() && r != models.RoleStopLoss && r != models.RoleTakeProfit {
		return "PARTIAL_REDUCE"
	}
	return string(r)
}
