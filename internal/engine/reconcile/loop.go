// Package reconcile periodically compares exchange truth with the ledger and
// repairs what diverged. Each item is isolated: one failure is logged,
// counted and skipped.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"order_engine/internal/engine/protection"
	"order_engine/internal/exchange"
	"order_engine/internal/helper"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	"order_engine/pkg/logger"
	"order_engine/pkg/metrics"
	"order_engine/pkg/tracing"
)

// Closer closes a live position once, shared with event ingestion.
type Closer interface {
	ClosePosition(ctx context.Context, symbol string, realizedPnL float64, source string) (models.Position, bool, error)
}

type Protector interface {
	Ensure(ctx context.Context, req protection.Request) (protection.Report, error)
}

type SweepRecorder interface {
	TouchSweep(at time.Time)
}

type Config struct {
	Interval     time.Duration
	CallTimeout  time.Duration
	OrderGrace   time.Duration
	OrphanMinAge time.Duration
	LinkSkew     time.Duration
	Retry        exchange.RetryPolicy
	LedgerRetry  ledger.RetryPolicy
}

func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		CallTimeout:  10 * time.Second,
		OrderGrace:   30 * time.Second,
		OrphanMinAge: 2 * time.Minute,
		LinkSkew:     time.Minute,
		Retry:        exchange.DefaultRetry,
		LedgerRetry:  ledger.DefaultRetryPolicy(),
	}
}

type Deps struct {
	AccountID int64
	Gateway   exchange.Gateway
	Ledger    ledger.Ledger
	Closer    Closer
	Protector Protector
	State     SweepRecorder // optional
}

type Loop struct {
	Deps
	cfg Config
	now func() time.Time

	// sweeps never overlap
	running sync.Mutex
}

func New(d Deps, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Loop{Deps: d, cfg: cfg, now: time.Now}
}

type Report struct {
	PositionsCreated   int
	PositionsClosed    int
	PositionsRefreshed int
	OrdersInserted     int
	OrdersUpdated      int
	OrdersArchived     int
	OrphansRepaired    int
	SignalsLinked      int
	Failures           int
	Took               time.Duration
}

func (r Report) String() string {
	return fmt.Sprintf("positions +%d -%d ~%d | orders +%d ~%d archived=%d | orphans=%d linked=%d | failures=%d took=%s",
		r.PositionsCreated, r.PositionsClosed, r.PositionsRefreshed,
		r.OrdersInserted, r.OrdersUpdated, r.OrdersArchived,
		r.OrphansRepaired, r.SignalsLinked, r.Failures, r.Took.Round(time.Millisecond))
}

// sweep carries what one pass learned from the exchange. A nil entry means the
// fetch failed and the data is unknown, not empty.
type sweep struct {
	rep        Report
	exPos      map[string]exchange.PositionState
	exPosKnown bool
	exOrders   map[string][]exchange.OrderState
}

// Start sweeps right away and then every Interval until ctx is done.
func (l *Loop) Start(ctx context.Context) {
	l.Sweep(ctx)
	t := time.NewTicker(l.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep(ctx)
		}
	}
}

// Sweep runs steps (a) positions, (b) orders, (c) orphan repair and
// (d) signal linking.
func (l *Loop) Sweep(ctx context.Context) Report {
	l.running.Lock()
	defer l.running.Unlock()

	started := l.now()
	span, ctx := tracing.StartSpan(ctx, "reconcile.Sweep", map[string]any{"account": l.AccountID})

	s := &sweep{exOrders: make(map[string][]exchange.OrderState)}
	l.positions(ctx, s)
	l.orders(ctx, s)
	l.orphans(ctx, s)
	l.link(ctx, s)

	s.rep.Took = l.now().Sub(started)
	if open, err := l.Ledger.ListOpenPositions(ctx, l.AccountID); err == nil {
		metrics.OpenPositions.WithLabelValues(strconv.FormatInt(l.AccountID, 10)).Set(float64(len(open)))
	}
	if l.State != nil {
		l.State.TouchSweep(l.now())
	}

	var err error
	if s.rep.Failures > 0 {
		err = fmt.Errorf("%d items failed", s.rep.Failures)
	}
	tracing.Finish(span, err)

	if s.rep.Failures > 0 || s.rep.PositionsCreated+s.rep.PositionsClosed+s.rep.OrdersInserted+s.rep.OrdersArchived+s.rep.OrphansRepaired+s.rep.SignalsLinked > 0 {
		logger.Info("[RECONCILE] acct=%d %s", l.AccountID, s.rep)
	} else {
		logger.Debug("[RECONCILE] acct=%d %s", l.AccountID, s.rep)
	}
	return s.rep
}

func (l *Loop) fail(s *sweep, step string, format string, args ...any) {
	s.rep.Failures++
	metrics.ReconcileFailures.WithLabelValues(step).Inc()
	logger.Error("[RECONCILE] acct=%d %s: %s", l.AccountID, step, fmt.Sprintf(format, args...))
}

func repaired(kind string) { metrics.ReconcileRepairs.WithLabelValues(kind).Inc() }

// call bounds one exchange call with its own timeout and retries transient
// failures.
func call[T any](ctx context.Context, l *Loop, fn func(ctx context.Context) (T, error)) (T, error) {
	return exchange.Retry(ctx, l.cfg.Retry, func(ctx context.Context) (T, error) {
		cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
		defer cancel()
		return fn(cctx)
	})
}

func (l *Loop) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return ledger.RetryOnConflict(ctx, l.cfg.LedgerRetry, op, fn)
}

// (a)

func (l *Loop) positions(ctx context.Context, s *sweep) {
	ex, err := call(ctx, l, func(ctx context.Context) ([]exchange.PositionState, error) {
		return l.Gateway.QueryPositions(ctx)
	})
	if err != nil {
		l.fail(s, "positions", "query exchange: %v", err)
		return
	}
	s.exPos = make(map[string]exchange.PositionState, len(ex))
	for _, p := range ex {
		if p.Quantity != 0 {
			s.exPos[helper.NormSymbol(p.Symbol)] = p
		}
	}
	s.exPosKnown = true

	local, err := l.Ledger.ListOpenPositions(ctx, l.AccountID)
	if err != nil {
		l.fail(s, "positions", "list ledger: %v", err)
		return
	}
	inLedger := make(map[string]models.Position, len(local))
	for _, p := range local {
		inLedger[p.Symbol] = p
	}

	for _, sym := range sortedKeys(s.exPos) {
		ep := s.exPos[sym]
		lp, ok := inLedger[sym]
		if !ok {
			l.createPosition(ctx, s, sym, ep)
			continue
		}
		l.refreshPosition(ctx, s, lp, ep)
	}

	for _, lp := range local {
		if _, ok := s.exPos[lp.Symbol]; ok {
			continue
		}
		_, closed, err := l.Closer.ClosePosition(ctx, lp.Symbol, lp.UnrealizedPnL, "reconcile")
		if err != nil {
			l.fail(s, "positions", "close %s: %v", lp.Symbol, err)
			continue
		}
		if closed {
			s.rep.PositionsClosed++
			repaired("position_closed")
		}
	}
}

func (l *Loop) createPosition(ctx context.Context, s *sweep, sym string, ep exchange.PositionState) {
	err := l.write(ctx, "reconcile.createPosition", func(ctx context.Context) error {
		_, err := l.Ledger.UpsertOpenPosition(ctx, positionFromExchange(l.AccountID, sym, ep))
		return err
	})
	if err != nil {
		l.fail(s, "positions", "create %s: %v", sym, err)
		return
	}
	s.rep.PositionsCreated++
	repaired("position_created")
	logger.Warn("[RECONCILE] acct=%d %s position %g found only on exchange, recorded", l.AccountID, sym, ep.Quantity)
}

func (l *Loop) refreshPosition(ctx context.Context, s *sweep, lp models.Position, ep exchange.PositionState) {
	next := positionFromExchange(l.AccountID, lp.Symbol, ep)
	changed := lp.Quantity != next.Quantity || lp.Side != next.Side || (next.EntryPrice > 0 && lp.EntryPrice != next.EntryPrice)

	err := l.write(ctx, "reconcile.refreshPosition", func(ctx context.Context) error {
		return l.Ledger.RunInTx(ctx, func(ctx context.Context) error {
			if changed {
				if _, err := l.Ledger.UpsertOpenPosition(ctx, next); err != nil {
					return err
				}
			}
			if ep.MarkPrice > 0 {
				return l.Ledger.UpdatePositionMark(ctx, lp.ID, ep.MarkPrice, ep.UnrealizedPnL)
			}
			return nil
		})
	})
	if err != nil {
		l.fail(s, "positions", "refresh %s: %v", lp.Symbol, err)
		return
	}
	s.rep.PositionsRefreshed++
	if changed {
		repaired("position_resized")
		logger.Info("[RECONCILE] %s ledger %s %g -> exchange %s %g", lp.Symbol, lp.Side, lp.Quantity, next.Side, next.Quantity)
	}
}

func positionFromExchange(accountID int64, sym string, ep exchange.PositionState) models.Position {
	return models.Position{
		AccountID:     accountID,
		Symbol:        sym,
		Side:          models.SideFromQuantity(ep.Quantity),
		Quantity:      math.Abs(ep.Quantity),
		EntryPrice:    ep.EntryPrice,
		CurrentPrice:  ep.MarkPrice,
		Leverage:      ep.Leverage,
		MarginType:    ep.MarginType,
		UnrealizedPnL: ep.UnrealizedPnL,
	}
}

// (b)

func (l *Loop) orders(ctx context.Context, s *sweep) {
	symbols := make(map[string]struct{})
	if local, err := l.Ledger.ListOpenPositions(ctx, l.AccountID); err == nil {
		for _, p := range local {
			symbols[p.Symbol] = struct{}{}
		}
	} else {
		l.fail(s, "orders", "list positions: %v", err)
	}
	live, err := l.Ledger.ListLiveOrders(ctx, l.AccountID, "")
	if err != nil {
		l.fail(s, "orders", "list live orders: %v", err)
		return
	}
	bySymbol := make(map[string][]models.Order)
	for _, o := range live {
		symbols[o.Symbol] = struct{}{}
		bySymbol[o.Symbol] = append(bySymbol[o.Symbol], o)
	}
	for sym := range s.exPos {
		symbols[sym] = struct{}{}
	}

	for _, sym := range sortedKeys(symbols) {
		if ctx.Err() != nil {
			return
		}
		l.ordersForSymbol(ctx, s, sym, bySymbol[sym])
	}
}

func (l *Loop) ordersForSymbol(ctx context.Context, s *sweep, sym string, local []models.Order) {
	open, err := call(ctx, l, func(ctx context.Context) ([]exchange.OrderState, error) {
		return l.Gateway.QueryOpenOrders(ctx, sym)
	})
	if err != nil {
		l.fail(s, "orders", "open orders %s: %v", sym, err)
		return
	}
	s.exOrders[sym] = open

	var posID *int64
	if p, err := l.Ledger.GetOpenPosition(ctx, l.AccountID, sym); err == nil {
		posID = &p.ID
	}

	onExchange := make(map[string]struct{}, len(open))
	for _, st := range open {
		onExchange[st.OrderID] = struct{}{}
		o := orderFromExchange(l.AccountID, sym, st, posID)
		var res ledger.ApplyResult
		err := l.write(ctx, "reconcile.applyOrder", func(ctx context.Context) error {
			var err error
			res, err = l.Ledger.ApplyOrder(ctx, o)
			return err
		})
		if err != nil {
			l.fail(s, "orders", "apply %s/%s: %v", sym, st.OrderID, err)
			continue
		}
		switch res {
		case ledger.ApplyInserted:
			s.rep.OrdersInserted++
			repaired("order_inserted")
		case ledger.ApplyUpdated:
			s.rep.OrdersUpdated++
		case ledger.ApplyArchived:
			s.rep.OrdersArchived++
			repaired("order_archived")
		}
	}

	grace := l.now().Add(-l.cfg.OrderGrace)
	for _, o := range local {
		if _, ok := onExchange[o.ExternalID]; ok {
			continue
		}
		if o.Status.Terminal() {
			l.archive(ctx, s, o, o.Status)
			continue
		}
		seen := o.UpdatedAt
		if seen.IsZero() {
			seen = o.CreatedAt
		}
		if seen.After(grace) {
			continue
		}
		l.settleMissingOrder(ctx, s, o)
	}
}

// settleMissingOrder resolves a ledger order the open-order list no longer shows.
func (l *Loop) settleMissingOrder(ctx context.Context, s *sweep, o models.Order) {
	st, err := call(ctx, l, func(ctx context.Context) (exchange.OrderState, error) {
		return l.Gateway.QueryOrder(ctx, o.Symbol, o.ExternalID)
	})
	switch {
	case exchange.IsNotFound(err):
		l.archive(ctx, s, o, models.OrderCanceled)
	case err != nil:
		l.fail(s, "orders", "query %s/%s: %v", o.Symbol, o.ExternalID, err)
	case st.Status.Terminal():
		next := orderFromExchange(l.AccountID, o.Symbol, st, o.PositionID)
		err := l.write(ctx, "reconcile.applyOrder", func(ctx context.Context) error {
			res, err := l.Ledger.ApplyOrder(ctx, next)
			if err == nil && res != ledger.ApplyArchived {
				// stale row the forward-only rule would keep; force it out
				return l.Ledger.ArchiveOrder(ctx, l.AccountID, o.Symbol, o.ExternalID, st.Status)
			}
			return err
		})
		if err != nil {
			l.fail(s, "orders", "archive %s/%s: %v", o.Symbol, o.ExternalID, err)
			return
		}
		s.rep.OrdersArchived++
		repaired("order_archived")
	default:
		logger.Debug("[RECONCILE] %s order %s still %s on exchange", o.Symbol, o.ExternalID, st.Status)
	}
}

func (l *Loop) archive(ctx context.Context, s *sweep, o models.Order, status models.OrderStatus) {
	err := l.write(ctx, "reconcile.archiveOrder", func(ctx context.Context) error {
		return l.Ledger.ArchiveOrder(ctx, l.AccountID, o.Symbol, o.ExternalID, status)
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return
	}
	if err != nil {
		l.fail(s, "orders", "archive %s/%s: %v", o.Symbol, o.ExternalID, err)
		return
	}
	s.rep.OrdersArchived++
	repaired("order_archived")
	logger.Info("[RECONCILE] %s order %s (%s) archived as %s", o.Symbol, o.ExternalID, o.Role, status)
}

func orderFromExchange(accountID int64, sym string, st exchange.OrderState, posID *int64) models.Order {
	tag, role, _ := models.ParseClientOrderID(st.ClientOrderID)
	return models.Order{
		AccountID:     accountID,
		ExternalID:    st.OrderID,
		ClientOrderID: st.ClientOrderID,
		Symbol:        sym,
		Side:          st.Side,
		Type:          st.Type,
		Role:          role,
		Quantity:      st.OrigQty,
		Price:         st.Price,
		StopPrice:     st.StopPrice,
		ExecutedQty:   st.ExecutedQty,
		AvgPrice:      st.AvgPrice,
		Status:        st.Status,
		ReduceOnly:    st.ReduceOnly,
		ClosePosition: st.ClosePosition,
		OriginTag:     tag,
		PositionID:    posID,
	}
}

// (c)

func (l *Loop) orphans(ctx context.Context, s *sweep) {
	if l.Protector == nil {
		return
	}
	local, err := l.Ledger.ListOpenPositions(ctx, l.AccountID)
	if err != nil {
		l.fail(s, "orphans", "list positions: %v", err)
		return
	}
	minOpened := l.now().Add(-l.cfg.OrphanMinAge)

	for _, p := range local {
		if p.SignalID == nil || p.OpenedAt.After(minOpened) {
			continue
		}
		open, known := s.exOrders[p.Symbol]
		if !known || len(open) > 0 {
			continue
		}
		if protected, err := l.hasProtection(ctx, p.Symbol); err != nil {
			l.fail(s, "orphans", "orders %s: %v", p.Symbol, err)
			continue
		} else if protected {
			continue
		}

		sig, err := l.Ledger.GetSignal(ctx, *p.SignalID)
		if err != nil {
			l.fail(s, "orphans", "signal %d: %v", *p.SignalID, err)
			continue
		}
		if !sig.HasProtection() {
			continue
		}

		logger.Warn("[RECONCILE] %s position %d has no protection, restoring from s%d", p.Symbol, p.ID, sig.ID)
		rep, err := l.Protector.Ensure(ctx, protection.Request{Position: p, Signal: sig, FilledQty: p.Quantity})
		if err != nil {
			l.fail(s, "orphans", "protect %s: %v", p.Symbol, err)
			continue
		}
		if len(rep.Placed) > 0 {
			s.rep.OrphansRepaired++
			repaired("orphan_protected")
		}
	}
}

func (l *Loop) hasProtection(ctx context.Context, symbol string) (bool, error) {
	live, err := l.Ledger.ListLiveOrders(ctx, l.AccountID, symbol)
	if err != nil {
		return false, err
	}
	for _, o := range live {
		if o.Role.Protective() {
			return true, nil
		}
	}
	return false, nil
}

// (d)

func (l *Loop) link(ctx context.Context, s *sweep) {
	sigs, err := l.Ledger.ListExecutedUnlinked(ctx, l.AccountID)
	if err != nil {
		l.fail(s, "link", "list signals: %v", err)
		return
	}
	if len(sigs) == 0 {
		return
	}
	open, err := l.Ledger.ListOpenPositions(ctx, l.AccountID)
	if err != nil {
		l.fail(s, "link", "list positions: %v", err)
		return
	}

	taken := make(map[int64]bool)
	for _, p := range open {
		if p.SignalID != nil {
			taken[p.ID] = true
		}
	}

	for _, sig := range sigs {
		best, ok := plausiblePosition(sig, open, taken, l.cfg.LinkSkew)
		if !ok {
			continue
		}
		err := l.write(ctx, "reconcile.link", func(ctx context.Context) error {
			return l.Ledger.LinkSignalPosition(ctx, sig.ID, best.ID)
		})
		if err != nil {
			l.fail(s, "link", "s%d -> p%d: %v", sig.ID, best.ID, err)
			continue
		}
		taken[best.ID] = true
		s.rep.SignalsLinked++
		repaired("signal_linked")
		logger.Info("[RECONCILE] linked s%d to position %d %s", sig.ID, best.ID, best.Symbol)
	}
}

// plausiblePosition picks the unlinked open position of the signal's symbol and
// side opened closest to the signal, no earlier than its creation minus skew.
func plausiblePosition(sig models.Signal, open []models.Position, taken map[int64]bool, skew time.Duration) (models.Position, bool) {
	var (
		best     models.Position
		bestDist time.Duration
		found    bool
	)
	earliest := sig.CreatedAt.Add(-skew)
	for _, p := range open {
		if taken[p.ID] || p.Symbol != helper.NormSymbol(sig.Symbol) {
			continue
		}
		if sig.Side.Valid() && p.Side != sig.Side {
			continue
		}
		if p.OpenedAt.Before(earliest) {
			continue
		}
		dist := p.OpenedAt.Sub(sig.CreatedAt)
		if dist < 0 {
			dist = -dist
		}
		if !found || dist < bestDist {
			best, bestDist, found = p, dist, true
		}
	}
	return best, found
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
