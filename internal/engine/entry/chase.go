package entry

import (
	"context"
	"time"

	"order_engine/internal/engine/fills"
	"order_engine/internal/exchange"
	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"

	"github.com/shopspring/decimal"
)

// run is the working set of one entry. Nothing here is persisted; the ledger
// learns about orders from the event feed.
type run struct {
	sig      models.Signal
	side     models.Side
	rule     models.PrecisionRule
	basis    float64
	refPrice float64
	target   float64

	tracker  *fills.Tracker
	resting  *restingOrder
	attempts int
	market   []string
}

type restingOrder struct {
	orderID string
	price   float64
	qty     float64
}

// remaining is target minus everything filled, floored to the step.
func (r *run) remaining() float64 {
	rem := decimal.NewFromFloat(r.target).Sub(decimal.NewFromFloat(r.tracker.Filled()))
	if !rem.IsPositive() {
		return 0
	}
	return helper.FloorToStep(rem.InexactFloat64(), r.rule.StepSize)
}

// placeable reports whether qty at px passes the exchange minimums.
func (r *run) placeable(qty, px float64) bool {
	if qty <= 0 || qty < r.rule.MinQty {
		return false
	}
	if r.rule.MinNotional > 0 && px > 0 && qty*px < r.rule.MinNotional {
		return false
	}
	return true
}

func (r *run) marketQty() float64 {
	total := decimal.Zero
	for _, id := range r.market {
		total = total.Add(decimal.NewFromFloat(r.tracker.CumQty(id)))
	}
	return total.InexactFloat64()
}

// makerPrice is one tick inside the spread on our side, or the best level on
// our side when the spread is a single tick or less.
func makerPrice(side models.Side, bt models.BookTicker, tick float64) float64 {
	bid := decimal.NewFromFloat(bt.BidPrice)
	ask := decimal.NewFromFloat(bt.AskPrice)
	t := decimal.NewFromFloat(tick)
	tight := tick <= 0 || !ask.Sub(bid).GreaterThan(t)

	switch side {
	case models.SideBuy:
		if tight {
			return bt.BidPrice
		}
		return helper.RoundDownToTick(bid.Add(t).InexactFloat64(), tick)
	case models.SideSell:
		if tight {
			return bt.AskPrice
		}
		return helper.RoundUpToTick(ask.Sub(t).InexactFloat64(), tick)
	}
	return 0
}

// movedMoreThanTick reports |a-b| > tick.
func movedMoreThanTick(a, b, tick float64) bool {
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs()
	return diff.GreaterThan(decimal.NewFromFloat(tick))
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) bool {
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

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// observe feeds an exchange-side order snapshot into the tracker.
func (e *Engine) observe(r *run, st exchange.OrderState, src models.FillSource) {
	r.tracker.Observe(models.FillObservation{
		AccountID: e.AccountID,
		Symbol:    st.Symbol,
		OrderID:   st.OrderID,
		Status:    st.Status,
		CumQty:    st.ExecutedQty,
		AvgPrice:  st.AvgPrice,
		Source:    src,
		At:        e.now(),
	})
}

// drain applies every pushed observation waiting in obs.
func drain(obs <-chan models.FillObservation, r *run) {
	for {
		select {
		case o, ok := <-obs:
			if !ok {
				return
			}
			r.tracker.Observe(o)
		default:
			return
		}
	}
}

// chase places and moves post-only orders until the target fills, the attempt
// ceiling is hit or the timeout passes. A stale book pauses chasing.
func (e *Engine) chase(ctx context.Context, r *run) error {
	obs, unsubscribe := e.Fills.Subscribe(helper.NormSymbol(r.sig.Symbol), 256)
	defer unsubscribe()

	deadline := e.now().Add(e.cfg.Timeout)
	stalled := false
	for r.attempts < e.cfg.MaxAttempts && e.now().Before(deadline) {
		drain(obs, r)
		if r.resting != nil {
			if err := e.poll(ctx, r); err != nil {
				return err
			}
		}

		rem := r.remaining()
		if rem <= 0 || rem < r.rule.MinQty {
			return nil
		}

		bt, ok := e.Books.Fresh(r.sig.Symbol, e.cfg.BookStaleAfter)
		if !ok {
			if !stalled {
				logger.Warn("[ENTRY] s%d book for %s is stale, pausing", r.sig.ID, r.sig.Symbol)
				stalled = true
			}
			if !e.sleep(ctx, e.cfg.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		stalled = false

		px := makerPrice(r.side, bt, r.rule.TickSize)
		switch {
		case r.resting == nil:
			if !r.placeable(rem, px) {
				return nil
			}
			r.attempts++
			if err := e.placeMaker(ctx, r, px, rem); err != nil {
				return err
			}
		case movedMoreThanTick(px, r.resting.price, r.rule.TickSize):
			r.attempts++
			if err := e.replace(ctx, r, px); err != nil {
				return err
			}
		}

		if !e.sleep(ctx, e.cfg.PollInterval) {
			return ctx.Err()
		}
	}
	drain(obs, r)
	if r.attempts >= e.cfg.MaxAttempts {
		logger.Info("[ENTRY] s%d attempt ceiling %d reached", r.sig.ID, e.cfg.MaxAttempts)
	} else if !e.now().Before(deadline) {
		logger.Info("[ENTRY] s%d chase timeout after %s", r.sig.ID, e.cfg.Timeout)
	}
	return nil
}

// placeMaker submits a GTX limit order. Would-take and transient failures are
// absorbed; the loop recomputes the price on its next pass. Any other failure
// may hide an accepted order, so it is looked up by client id first.
func (e *Engine) placeMaker(ctx context.Context, r *run, px, qty float64) error {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	clientID := models.NewClientOrderID(r.sig.OriginTag(), models.RoleEntry)
	ack, err := e.Gateway.PlaceOrder(cctx, exchange.OrderRequest{
		Symbol:        r.sig.Symbol,
		Side:          r.side,
		Type:          models.OrderTypeLimit,
		Quantity:      qty,
		Price:         px,
		TimeInForce:   exchange.GTX,
		ClientOrderID: clientID,
	})
	switch {
	case err == nil:
	case exchange.IsWouldTake(err):
		metrics.EntryWouldTake.Inc()
		logger.Debug("[ENTRY] s%d post-only at %g would take, repricing", r.sig.ID, px)
		return nil
	case exchange.IsDuplicate(err):
		st, ok := e.adopt(ctx, r, clientID)
		if !ok {
			return nil
		}
		ack = exchange.OrderAck{
			OrderID:       st.OrderID,
			ClientOrderID: st.ClientOrderID,
			Status:        st.Status,
			ExecutedQty:   st.ExecutedQty,
			AvgPrice:      st.AvgPrice,
		}
	default:
		e.dropUnacked(ctx, r, clientID)
		if exchange.IsTransient(err) {
			logger.Warn("[ENTRY] s%d place maker: %v", r.sig.ID, err)
			return nil
		}
		return err
	}

	r.tracker.Track(ack.OrderID)
	e.observe(r, exchange.OrderState{
		OrderID:     ack.OrderID,
		Symbol:      r.sig.Symbol,
		Status:      ack.Status,
		ExecutedQty: ack.ExecutedQty,
		AvgPrice:    ack.AvgPrice,
	}, models.FillSourcePoll)

	if ack.Status.Terminal() {
		// GTX that would take can also come back EXPIRED instead of rejected
		if ack.Status == models.OrderExpired && ack.ExecutedQty == 0 {
			metrics.EntryWouldTake.Inc()
		}
		return nil
	}
	r.resting = &restingOrder{orderID: ack.OrderID, price: px, qty: qty}
	logger.Debug("[ENTRY] s%d maker %s %g @ %g", r.sig.ID, ack.OrderID, qty, px)
	return nil
}

// adopt looks up an order the exchange accepted on an earlier attempt of the
// same placement. When it cannot be read back it is cancelled instead.
func (e *Engine) adopt(ctx context.Context, r *run, clientID string) (exchange.OrderState, bool) {
	cctx, cancel := e.callCtx(ctx)
	st, err := e.Gateway.QueryByClientID(cctx, r.sig.Symbol, clientID)
	cancel()
	if err != nil {
		logger.Warn("[ENTRY] s%d read back %s: %v", r.sig.ID, clientID, err)
		e.dropUnacked(ctx, r, clientID)
		return exchange.OrderState{}, false
	}
	logger.Info("[ENTRY] s%d adopted maker %s (%s)", r.sig.ID, st.OrderID, clientID)
	return st, true
}

// dropUnacked cancels an order whose placement was never acknowledged and
// books whatever it filled. It runs on a context that survives ctx, since a
// cancelled run must not leave the order behind.
func (e *Engine) dropUnacked(ctx context.Context, r *run, clientID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*e.cfg.CallTimeout)
	defer cancel()

	err := e.Gateway.CancelByClientID(ctx, r.sig.Symbol, clientID)
	if err != nil && !exchange.IsNotFound(err) {
		logger.Error("[ENTRY] s%d cancel unacked %s: %v", r.sig.ID, clientID, err)
		e.Notifier.Notify(ctx, e.AccountID, "⚠️ Entry order %s on %s may still be open: %v", clientID, r.sig.Symbol, err)
		return
	}

	// not found on cancel is also what a filled order answers
	st, err := e.Gateway.QueryByClientID(ctx, r.sig.Symbol, clientID)
	switch {
	case err == nil:
	case exchange.IsNotFound(err):
		return
	default:
		logger.Warn("[ENTRY] s%d read back unacked %s: %v", r.sig.ID, clientID, err)
		return
	}
	r.tracker.Track(st.OrderID)
	e.observe(r, st, models.FillSourcePoll)
	logger.Info("[ENTRY] s%d unacked maker %s cancelled, executed %g", r.sig.ID, st.OrderID, st.ExecutedQty)
}

// poll refreshes the resting order's fills from the REST side.
func (e *Engine) poll(ctx context.Context, r *run) error {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	st, err := e.Gateway.QueryOrder(cctx, r.sig.Symbol, r.resting.orderID)
	switch {
	case err == nil:
	case exchange.IsNotFound(err):
		r.resting = nil
		return nil
	case exchange.IsTransient(err):
		logger.Warn("[ENTRY] s%d poll %s: %v", r.sig.ID, r.resting.orderID, err)
		return nil
	default:
		return err
	}
	e.observe(r, st, models.FillSourcePoll)
	if st.Status.Terminal() {
		r.resting = nil
	}
	return nil
}

// replace moves the resting order to px: cancel, collect its final fills, then
// place the new remainder.
func (e *Engine) replace(ctx context.Context, r *run, px float64) error {
	old := r.resting
	done, err := e.cancelResting(ctx, r)
	if err != nil || !done {
		return err
	}

	rem := r.remaining()
	if !r.placeable(rem, px) {
		return nil
	}
	logger.Debug("[ENTRY] s%d move %s %g@%g -> %g@%g", r.sig.ID, old.orderID, old.qty, old.price, rem, px)
	return e.placeMaker(ctx, r, px, rem)
}

// cancelResting cancels the resting order and re-reads its final fills. done is
// false when the order may still be live (transient cancel failure).
func (e *Engine) cancelResting(ctx context.Context, r *run) (done bool, err error) {
	if r.resting == nil {
		return true, nil
	}
	id := r.resting.orderID

	cctx, cancel := e.callCtx(ctx)
	err = e.Gateway.CancelOrder(cctx, r.sig.Symbol, id)
	cancel()
	switch {
	case err == nil, exchange.IsNotFound(err):
	case exchange.IsTransient(err):
		logger.Warn("[ENTRY] s%d cancel %s: %v", r.sig.ID, id, err)
		return false, nil
	default:
		return false, err
	}

	cctx, cancel = e.callCtx(ctx)
	st, qerr := e.Gateway.QueryOrder(cctx, r.sig.Symbol, id)
	cancel()
	if qerr == nil {
		e.observe(r, st, models.FillSourcePoll)
	} else {
		logger.Warn("[ENTRY] s%d final query %s: %v", r.sig.ID, id, qerr)
	}
	r.resting = nil
	return true, nil
}

// finish cancels what is still resting and sends a market order for a
// remainder that is not dust.
func (e *Engine) finish(ctx context.Context, r *run) error {
	if r.resting != nil {
		done, err := e.cancelResting(ctx, r)
		if err != nil {
			return err
		}
		if !done {
			// one more try; a live chase order must not be left behind
			if done, err = e.cancelResting(ctx, r); err != nil {
				return err
			}
			if !done {
				return exchange.ErrTransient
			}
		}
	}

	rem := r.remaining()
	if rem <= 0 {
		return nil
	}
	minRem := decimal.NewFromFloat(r.target).Mul(decimal.NewFromFloat(e.cfg.MinMarketRemainder)).InexactFloat64()
	if rem < minRem || !r.placeable(rem, r.refPrice) {
		logger.Info("[ENTRY] s%d remainder %g is dust, no market order", r.sig.ID, rem)
		return nil
	}

	metrics.EntryMarketFallback.Inc()
	if err := e.placeMarket(ctx, r, rem); err != nil {
		// maker fills already make a position; it must still be recorded
		logger.Error("[ENTRY] s%d market fallback for %g: %v", r.sig.ID, rem, err)
		e.Notifier.Notify(ctx, e.AccountID, "⚠️ Market fallback failed: %s %g: %v", r.sig.Symbol, rem, err)
	}
	return nil
}

func (e *Engine) placeMarket(ctx context.Context, r *run, qty float64) error {
	cctx, cancel := e.callCtx(ctx)
	ack, err := e.Gateway.PlaceOrder(cctx, exchange.OrderRequest{
		Symbol:        r.sig.Symbol,
		Side:          r.side,
		Type:          models.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: models.NewClientOrderID(r.sig.OriginTag(), models.RoleEntryMarket),
	})
	cancel()
	if err != nil {
		return err
	}
	logger.Info("[ENTRY] s%d market %s qty=%g", r.sig.ID, ack.OrderID, qty)

	r.tracker.Track(ack.OrderID)
	r.market = append(r.market, ack.OrderID)
	e.observe(r, exchange.OrderState{
		OrderID:     ack.OrderID,
		Symbol:      r.sig.Symbol,
		Status:      ack.Status,
		ExecutedQty: ack.ExecutedQty,
		AvgPrice:    ack.AvgPrice,
	}, models.FillSourcePoll)

	// market orders settle fast; poll a few times if the ack was not final
	for i := 0; i < 10 && !r.tracker.Status(ack.OrderID).Terminal(); i++ {
		if !e.sleep(ctx, e.cfg.PollInterval) {
			return ctx.Err()
		}
		cctx, cancel := e.callCtx(ctx)
		st, err := e.Gateway.QueryOrder(cctx, r.sig.Symbol, ack.OrderID)
		cancel()
		if err != nil {
			logger.Warn("[ENTRY] s%d poll market %s: %v", r.sig.ID, ack.OrderID, err)
			continue
		}
		e.observe(r, st, models.FillSourcePoll)
	}
	return nil
}
