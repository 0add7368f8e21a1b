package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"order_engine/internal/engine/fills"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
	"order_engine/pkg/db"
)

const acct = int64(7)

// countingLedger counts writes and can fail them with lock conflicts.
type countingLedger struct {
	*ledger.Memory

	mu           sync.Mutex
	balanceCalls int
	orderCalls   int
	closeCalls   int
	conflicts    int
}

func (l *countingLedger) UpsertBalance(ctx context.Context, b models.Balance) (models.Balance, error) {
	l.mu.Lock()
	l.balanceCalls++
	if l.conflicts > 0 {
		l.conflicts--
		l.mu.Unlock()
		return models.Balance{}, fmt.Errorf("upsert balance: %w", db.ErrLockConflict)
	}
	l.mu.Unlock()
	return l.Memory.UpsertBalance(ctx, b)
}

func (l *countingLedger) ApplyOrder(ctx context.Context, o models.Order) (ledger.ApplyResult, error) {
	l.mu.Lock()
	l.orderCalls++
	l.mu.Unlock()
	return l.Memory.ApplyOrder(ctx, o)
}

func (l *countingLedger) ClosePosition(ctx context.Context, accountID int64, symbol string, pnl float64, at time.Time) (models.Position, bool, error) {
	l.mu.Lock()
	l.closeCalls++
	l.mu.Unlock()
	return l.Memory.ClosePosition(ctx, accountID, symbol, pnl, at)
}

type fixture struct {
	ledger *countingLedger
	hub    *fills.Hub
	notes  *notifier.Recorder
	in     *Ingestor
}

func newFixture() *fixture {
	f := &fixture{
		ledger: &countingLedger{Memory: ledger.NewMemory()},
		hub:    fills.NewHub(),
		notes:  notifier.NewRecorder(),
	}
	f.in = New(Deps{AccountID: acct, Ledger: f.ledger, Fills: f.hub, Notifier: f.notes}, Config{
		DedupTTL:  30 * time.Second,
		CloseTTL:  3 * time.Minute,
		NotifyTTL: 3 * time.Minute,
		Retry:     ledger.RetryPolicy{Attempts: 5, Base: time.Millisecond},
	})
	return f
}

func balanceEvent(eventTime int64, available float64) models.AccountUpdate {
	return models.AccountUpdate{
		AccountID: acct,
		EventTime: eventTime,
		Reason:    "ORDER",
		Balances:  []models.BalanceUpdate{{Asset: "USDT", WalletBalance: available, CrossWallet: available}},
	}
}

func TestDuplicateAccountUpdateAppliedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := balanceEvent(1_700_000_000_000, 1000)

	if err := f.in.HandleAccountUpdate(ctx, ev); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := f.in.HandleAccountUpdate(ctx, ev); err != nil {
		t.Fatal(err)
	}

	if f.ledger.balanceCalls != 1 {
		t.Fatalf("balance writes = %d, want 1", f.ledger.balanceCalls)
	}
	b, err := f.ledger.GetBalance(ctx, acct, "USDT")
	if err != nil || b.Available != 1000 || b.CalcBase != 1000 {
		t.Fatalf("balance = %+v, %v", b, err)
	}
}

func TestConcurrentDeliveriesActOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := balanceEvent(1_700_000_000_001, 500)

	var wg sync.WaitGroup
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.in.HandleAccountUpdate(ctx, ev); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if f.ledger.balanceCalls != 1 {
		t.Fatalf("balance writes = %d, want 1", f.ledger.balanceCalls)
	}
}

func TestCalcBaseIsHighWaterMark(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	steps := []struct {
		available float64
		calcBase  float64
	}{
		{1000, 1000},
		{800, 1000},
		{1200, 1200},
		{50, 1200},
	}
	for n, s := range steps {
		if err := f.in.HandleAccountUpdate(ctx, balanceEvent(int64(n+1), s.available)); err != nil {
			t.Fatal(err)
		}
		b, _ := f.ledger.GetBalance(ctx, acct, "USDT")
		if b.Available != s.available || b.CalcBase != s.calcBase {
			t.Fatalf("step %d: available=%g calcBase=%g, want %g/%g", n, b.Available, b.CalcBase, s.available, s.calcBase)
		}
	}
}

func TestZeroPositionClosesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.ledger.UpsertOpenPosition(ctx, models.Position{AccountID: acct, Symbol: "XYZUSDT", Side: models.SideBuy, Quantity: 5, EntryPrice: 100}); err != nil {
		t.Fatal(err)
	}

	zero := func(eventTime int64) models.AccountUpdate {
		return models.AccountUpdate{AccountID: acct, EventTime: eventTime, Reason: "ORDER",
			Positions: []models.PositionUpdate{{Symbol: "XYZUSDT", Amount: 0, RealizedPnL: 12.345}}}
	}
	// two distinct events reporting the same closure
	for _, et := range []int64{10, 11} {
		if err := f.in.HandleAccountUpdate(ctx, zero(et)); err != nil {
			t.Fatal(err)
		}
	}
	// and the reconciliation path on top
	if _, closed, err := f.in.ClosePosition(ctx, "XYZUSDT", 12.345, "reconcile"); err != nil || closed {
		t.Fatalf("reconcile close: closed=%v err=%v", closed, err)
	}

	hist := f.ledger.ClosedPositions(acct)
	if len(hist) != 1 || hist[0].RealizedPnL != 12.345 || hist[0].Status != models.PositionClosed {
		t.Fatalf("history = %+v", hist)
	}
	if _, err := f.ledger.GetOpenPosition(ctx, acct, "XYZUSDT"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("position still live: %v", err)
	}
	if f.notes.Count("Position closed") != 1 {
		t.Fatalf("notifications = %v", f.notes.Messages())
	}
}

func TestZeroPositionNeverInserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := models.AccountUpdate{AccountID: acct, EventTime: 1, Reason: "ORDER",
		Positions: []models.PositionUpdate{{Symbol: "ABCUSDT", Amount: 0}}}

	if err := f.in.HandleAccountUpdate(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if open, _ := f.ledger.ListOpenPositions(ctx, acct); len(open) != 0 {
		t.Fatalf("open = %+v", open)
	}
	if f.ledger.closeCalls != 0 {
		t.Fatal("nothing to close")
	}
}

func TestNonzeroPositionUpserts(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := models.AccountUpdate{AccountID: acct, EventTime: 1, Reason: "ORDER",
		Positions: []models.PositionUpdate{{Symbol: "xyzusdt", Amount: -5, EntryPrice: 101, UnrealizedPnL: -2, MarginType: "cross"}}}

	if err := f.in.HandleAccountUpdate(ctx, ev); err != nil {
		t.Fatal(err)
	}
	p, err := f.ledger.GetOpenPosition(ctx, acct, "XYZUSDT")
	if err != nil || p.Side != models.SideSell || p.Quantity != 5 || p.EntryPrice != 101 {
		t.Fatalf("position = %+v, %v", p, err)
	}
}

func TestPositionUpdateAfterCloseIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.ledger.UpsertOpenPosition(ctx, models.Position{AccountID: acct, Symbol: "XYZUSDT", Side: models.SideBuy, Quantity: 5, EntryPrice: 100}); err != nil {
		t.Fatal(err)
	}
	update := func(eventTime int64, amount float64, reason string) models.AccountUpdate {
		return models.AccountUpdate{AccountID: acct, EventTime: eventTime, Reason: reason,
			Positions: []models.PositionUpdate{{Symbol: "XYZUSDT", Amount: amount, EntryPrice: 100, RealizedPnL: 7}}}
	}
	if err := f.in.HandleAccountUpdate(ctx, update(1_700_000_002_000, 0, "ORDER")); err != nil {
		t.Fatal(err)
	}
	last, err := f.ledger.LastClosedPosition(ctx, acct, "XYZUSDT")
	if err != nil || last.ClosedAt == nil || !last.ClosedAt.Equal(time.UnixMilli(1_700_000_002_000)) {
		t.Fatalf("last closed = %+v, %v", last, err)
	}

	steps := []struct {
		name      string
		eventTime int64
		amount    float64
		reason    string
		wantOpen  bool
	}{
		{"older than the close", 1_700_000_001_500, 5, "ORDER", false},
		{"same time as the close", 1_700_000_002_000, 3, "FUNDING_FEE", false},
		{"new position after the close", 1_700_000_003_000, 2, "ORDER", true},
	}
	for _, st := range steps {
		if err := f.in.HandleAccountUpdate(ctx, update(st.eventTime, st.amount, st.reason)); err != nil {
			t.Fatalf("%s: %v", st.name, err)
		}
		p, err := f.ledger.GetOpenPosition(ctx, acct, "XYZUSDT")
		if st.wantOpen != (err == nil) {
			t.Fatalf("%s: open position = %+v, %v", st.name, p, err)
		}
		if st.wantOpen && p.Quantity != st.amount {
			t.Fatalf("%s: quantity = %g", st.name, p.Quantity)
		}
	}
	if n := len(f.ledger.ClosedPositions(acct)); n != 1 {
		t.Fatalf("history = %d rows", n)
	}
}

func TestLockConflictIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.ledger.conflicts = 3

	if err := f.in.HandleAccountUpdate(ctx, balanceEvent(1, 1000)); err != nil {
		t.Fatal(err)
	}
	if f.ledger.balanceCalls != 4 {
		t.Fatalf("attempts = %d, want 4", f.ledger.balanceCalls)
	}
}

func TestLockConflictPropagatesAfterCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.ledger.conflicts = 100
	ev := balanceEvent(1, 1000)

	err := f.in.HandleAccountUpdate(ctx, ev)
	if !db.IsLockConflict(err) {
		t.Fatalf("err = %v", err)
	}
	if f.ledger.balanceCalls != 5 {
		t.Fatalf("attempts = %d, want 5", f.ledger.balanceCalls)
	}

	// the key was released, so a redelivery is processed
	f.ledger.conflicts = 0
	if err := f.in.HandleAccountUpdate(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if b, _ := f.ledger.GetBalance(ctx, acct, "USDT"); b.Available != 1000 {
		t.Fatalf("balance = %+v", b)
	}
}

func orderEvent(status models.OrderStatus, cum float64) models.OrderUpdate {
	return models.OrderUpdate{
		AccountID:     acct,
		Symbol:        "XYZUSDT",
		OrderID:       "9001",
		ClientOrderID: "s42_R2_0a1b2c3d",
		Side:          models.SideSell,
		Type:          models.OrderTypeTakeProfitMarket,
		Status:        status,
		OrigQty:       1.5,
		StopPrice:     120,
		CumFilledQty:  cum,
		ReduceOnly:    true,
	}
}

func TestOrderUpdatesForwardOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	pos, _ := f.ledger.UpsertOpenPosition(ctx, models.Position{AccountID: acct, Symbol: "XYZUSDT", Side: models.SideBuy, Quantity: 5})

	for _, ev := range []models.OrderUpdate{
		orderEvent(models.OrderNew, 0),
		orderEvent(models.OrderNew, 0), // duplicate
		orderEvent(models.OrderPartiallyFilled, 0.5),
		orderEvent(models.OrderNew, 0), // late, stale
	} {
		if err := f.in.HandleOrderUpdate(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if f.ledger.orderCalls != 2 {
		t.Fatalf("order writes = %d, want 2", f.ledger.orderCalls)
	}

	o, err := f.ledger.FindLiveOrder(ctx, acct, "s42", models.PartialReduceRole(2))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderPartiallyFilled || o.ExecutedQty != 0.5 || o.PositionID == nil || *o.PositionID != pos.ID {
		t.Fatalf("order = %+v", o)
	}

	if err := f.in.HandleOrderUpdate(ctx, orderEvent(models.OrderFilled, 1.5)); err != nil {
		t.Fatal(err)
	}
	if live, _ := f.ledger.ListLiveOrders(ctx, acct, "XYZUSDT"); len(live) != 0 {
		t.Fatalf("terminal order still live: %+v", live)
	}
	if h, ok := f.ledger.ArchivedOrder(acct, "XYZUSDT", "9001"); !ok || h.Status != models.OrderFilled {
		t.Fatalf("history = %+v", h)
	}

	// a late NEW after history never revives the row
	if err := f.in.HandleOrderUpdate(ctx, orderEvent(models.OrderPartiallyFilled, 1.0)); err != nil {
		t.Fatal(err)
	}
	if live, _ := f.ledger.ListLiveOrders(ctx, acct, "XYZUSDT"); len(live) != 0 {
		t.Fatalf("row revived: %+v", live)
	}
}

func TestForeignOrderIsExternal(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ev := orderEvent(models.OrderNew, 0)
	ev.ClientOrderID = "web_abc123"

	if err := f.in.HandleOrderUpdate(ctx, ev); err != nil {
		t.Fatal(err)
	}
	live, _ := f.ledger.ListLiveOrders(ctx, acct, "XYZUSDT")
	if len(live) != 1 || live[0].Role != models.RoleExternal || live[0].OriginTag != "" {
		t.Fatalf("live = %+v", live)
	}
}

func TestOrderUpdatesReachFillHub(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	obs, unsubscribe := f.hub.Subscribe("XYZUSDT", 8)
	defer unsubscribe()

	ev := orderEvent(models.OrderPartiallyFilled, 0.5)
	for n := 0; n < 2; n++ {
		if err := f.in.HandleOrderUpdate(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	for n := 0; n < 2; n++ {
		select {
		case o := <-obs:
			if o.OrderID != "9001" || o.CumQty != 0.5 || o.Source != models.FillSourcePush {
				t.Fatalf("observation = %+v", o)
			}
		default:
			t.Fatalf("observation %d missing", n)
		}
	}
}
