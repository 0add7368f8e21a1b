// Package ingest applies user-data push events to the ledger. Every event is
// keyed, and the key is taken before any side effect so concurrent or repeated
// deliveries of the same event act once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"order_engine/internal/engine/dedup"
	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"
)

const (
	kindAccount = "account_update"
	kindOrder   = "order_update"
	kindClose   = "position_close"
)

type FillPublisher interface {
	Publish(obs models.FillObservation)
}

type Config struct {
	DedupTTL  time.Duration
	CloseTTL  time.Duration
	NotifyTTL time.Duration
	Retry     ledger.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		DedupTTL:  30 * time.Second,
		CloseTTL:  3 * time.Minute,
		NotifyTTL: 3 * time.Minute,
		Retry:     ledger.DefaultRetryPolicy(),
	}
}

type Deps struct {
	AccountID int64
	Ledger    ledger.Ledger
	Fills     FillPublisher
	Notifier  notifier.Notifier
}

// Ingestor implements exchange.UserDataHandler for one account.
type Ingestor struct {
	Deps
	cfg Config
	now func() time.Time

	events   *dedup.Cache
	closes   *dedup.Cache
	outcomes *dedup.Cache
}

func New(d Deps, cfg Config) *Ingestor {
	return &Ingestor{
		Deps:     d,
		cfg:      cfg,
		now:      time.Now,
		events:   dedup.New("events", cfg.DedupTTL),
		closes:   dedup.New("closes", cfg.CloseTTL),
		outcomes: dedup.New("outcomes", cfg.NotifyTTL),
	}
}

// Caches returns the dedup caches for the janitor.
func (i *Ingestor) Caches() []*dedup.Cache {
	return []*dedup.Cache{i.events, i.closes, i.outcomes}
}

func (i *Ingestor) HandleAccountUpdate(ctx context.Context, ev models.AccountUpdate) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("ingest.HandleAccountUpdate: %w", err)
		}
	}()
	metrics.EventsTotal.WithLabelValues(kindAccount).Inc()

	acct := i.account(ev.AccountID)
	key := dedup.AccountUpdateKey(ev.EventTime, acct, ev.Reason)
	if !i.events.TryAcquire(key) {
		metrics.EventsDeduplicated.WithLabelValues(kindAccount).Inc()
		logger.Debug("[INGEST] duplicate account update %s", key)
		return nil
	}

	err = ledger.RetryOnConflict(ctx, i.cfg.Retry, "ingest.balances", func(ctx context.Context) error {
		return i.Ledger.RunInTx(ctx, func(ctx context.Context) error {
			for _, b := range ev.Balances {
				if _, err := i.Ledger.UpsertBalance(ctx, models.Balance{
					AccountID:     acct,
					Asset:         b.Asset,
					WalletBalance: b.WalletBalance,
					Available:     b.CrossWallet,
				}); err != nil {
					return err
				}
			}
			for _, p := range ev.Positions {
				if p.Amount == 0 {
					continue
				}
				stale, err := i.closedSince(ctx, acct, p.Symbol, ev.EventTime)
				if err != nil {
					return err
				}
				if stale {
					logger.Info("[INGEST] %s update from %d predates its close, skipped", p.Symbol, ev.EventTime)
					continue
				}
				if _, err := i.Ledger.UpsertOpenPosition(ctx, models.Position{
					AccountID:     acct,
					Symbol:        helper.NormSymbol(p.Symbol),
					Side:          models.SideFromQuantity(p.Amount),
					Quantity:      math.Abs(p.Amount),
					EntryPrice:    p.EntryPrice,
					UnrealizedPnL: p.UnrealizedPnL,
					MarginType:    p.MarginType,
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		// let a redelivery try again
		i.events.Forget(key)
		return err
	}

	var errs []error
	for _, p := range ev.Positions {
		if p.Amount != 0 {
			continue
		}
		if _, _, err := i.closePosition(ctx, p.Symbol, p.RealizedPnL, "stream:"+ev.Reason, eventAt(ev.EventTime, i.now)); err != nil {
			errs = append(errs, err)
		}
	}
	logger.Debug("[INGEST] account update %s: balances=%d positions=%d", ev.Reason, len(ev.Balances), len(ev.Positions))
	return errors.Join(errs...)
}

// ClosePosition closes the live position for symbol at most once per close
// TTL and notifies at most once per outcome. A missing position is not an
// error and is never created. Reconciliation shares this path.
func (i *Ingestor) ClosePosition(ctx context.Context, symbol string, realizedPnL float64, source string) (models.Position, bool, error) {
	return i.closePosition(ctx, symbol, realizedPnL, source, i.now())
}

// closePosition records the close at at; pushed closes use the exchange event time.
func (i *Ingestor) closePosition(ctx context.Context, symbol string, realizedPnL float64, source string, at time.Time) (models.Position, bool, error) {
	symbol = helper.NormSymbol(symbol)
	pos, err := i.Ledger.GetOpenPosition(ctx, i.AccountID, symbol)
	if errors.Is(err, ledger.ErrNotFound) {
		logger.Debug("[INGEST] close %s: no live position", symbol)
		return models.Position{}, false, nil
	}
	if err != nil {
		return models.Position{}, false, err
	}

	key := dedup.PositionCloseKey(i.AccountID, pos.ID)
	if !i.closes.TryAcquire(key) {
		metrics.EventsDeduplicated.WithLabelValues(kindClose).Inc()
		return models.Position{}, false, nil
	}

	var (
		closedPos models.Position
		closed    bool
	)
	err = ledger.RetryOnConflict(ctx, i.cfg.Retry, "ingest.close", func(ctx context.Context) error {
		var err error
		closedPos, closed, err = i.Ledger.ClosePosition(ctx, i.AccountID, symbol, realizedPnL, at)
		return err
	})
	if err != nil {
		i.closes.Forget(key)
		return models.Position{}, false, fmt.Errorf("close %s: %w", symbol, err)
	}
	if !closed {
		return models.Position{}, false, nil
	}

	logger.Info("[INGEST] position %d %s %s closed (%s) pnl=%.2f",
		closedPos.ID, symbol, closedPos.Side, source, realizedPnL)
	if i.outcomes.TryAcquire(dedup.OutcomeKey(i.AccountID, closedPos.ID, symbol, realizedPnL)) {
		icon := "🟢"
		if realizedPnL < 0 {
			icon = "🔴"
		}
		i.Notifier.Notify(ctx, i.AccountID, "%s Position closed: %s %s qty=%g entry=%g pnl=%.2f",
			icon, symbol, closedPos.Side, closedPos.Quantity, closedPos.EntryPrice, realizedPnL)
	}
	return closedPos, true, nil
}

// closedSince reports whether symbol has no live position and its last close
// is not older than the event at eventTime (ms). Such an update describes the
// position that was already closed.
func (i *Ingestor) closedSince(ctx context.Context, acct int64, symbol string, eventTime int64) (bool, error) {
	if eventTime <= 0 {
		return false, nil
	}
	symbol = helper.NormSymbol(symbol)
	_, err := i.Ledger.GetOpenPosition(ctx, acct, symbol)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, ledger.ErrNotFound):
		return false, err
	}
	last, err := i.Ledger.LastClosedPosition(ctx, acct, symbol)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return last.ClosedAt != nil && !time.UnixMilli(eventTime).After(*last.ClosedAt), nil
}

func eventAt(ms int64, now func() time.Time) time.Time {
	if ms <= 0 {
		return now()
	}
	return time.UnixMilli(ms)
}

func (i *Ingestor) HandleOrderUpdate(ctx context.Context, ev models.OrderUpdate) (err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("ingest.HandleOrderUpdate %s: %w", ev.OrderID, err)
		}
	}()
	metrics.EventsTotal.WithLabelValues(kindOrder).Inc()

	acct := i.account(ev.AccountID)
	symbol := helper.NormSymbol(ev.Symbol)

	// the hub dedups by cumulative qty on its own, so every sighting goes out
	if i.Fills != nil {
		i.Fills.Publish(models.FillObservation{
			AccountID: acct,
			Symbol:    symbol,
			OrderID:   ev.OrderID,
			Status:    ev.Status,
			CumQty:    ev.CumFilledQty,
			AvgPrice:  ev.AvgPrice,
			Source:    models.FillSourcePush,
			At:        i.now(),
		})
	}

	key := dedup.OrderEventKey(acct, ev.OrderID, string(ev.Status), ev.CumFilledQty)
	if !i.events.TryAcquire(key) {
		metrics.EventsDeduplicated.WithLabelValues(kindOrder).Inc()
		return nil
	}

	tag, role, _ := models.ParseClientOrderID(ev.ClientOrderID)
	o := models.Order{
		AccountID:     acct,
		ExternalID:    ev.OrderID,
		ClientOrderID: ev.ClientOrderID,
		Symbol:        symbol,
		Side:          ev.Side,
		Type:          ev.Type,
		Role:          role,
		Quantity:      ev.OrigQty,
		Price:         ev.Price,
		StopPrice:     ev.StopPrice,
		ExecutedQty:   ev.CumFilledQty,
		AvgPrice:      ev.AvgPrice,
		Status:        ev.Status,
		ReduceOnly:    ev.ReduceOnly,
		ClosePosition: ev.ClosePosition,
		OriginTag:     tag,
	}

	var res ledger.ApplyResult
	err = ledger.RetryOnConflict(ctx, i.cfg.Retry, "ingest.order", func(ctx context.Context) error {
		return i.Ledger.RunInTx(ctx, func(ctx context.Context) error {
			if pos, err := i.Ledger.GetOpenPosition(ctx, acct, symbol); err == nil {
				o.PositionID = &pos.ID
			} else if !errors.Is(err, ledger.ErrNotFound) {
				return err
			}
			var err error
			res, err = i.Ledger.ApplyOrder(ctx, o)
			return err
		})
	})
	if err != nil {
		i.events.Forget(key)
		return err
	}

	logger.Debug("[INGEST] order %s %s %s %s cum=%g: %s", symbol, ev.OrderID, role, ev.Status, ev.CumFilledQty, res)
	if role.Protective() && (ev.Status == models.OrderRejected || ev.Status == models.OrderExpired) {
		logger.Warn("[INGEST] %s order %s %s ended %s", symbol, ev.OrderID, role, ev.Status)
	}
	return nil
}

func (i *Ingestor) account(id int64) int64 {
	if id != 0 {
		return id
	}
	return i.AccountID
}
