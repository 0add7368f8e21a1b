package trailing

import (
	"context"
	"sync"
	"testing"
	"time"

	"order_engine/internal/engine/precision"
	"order_engine/internal/exchange"
	"order_engine/internal/exchange/exchangetest"
	"order_engine/internal/models"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
)

const acct = int64(7)

type fixture struct {
	gw     *exchangetest.Gateway
	ledger *ledger.Memory
	notes  *notifier.Recorder
	e      *Engine
	pos    models.Position
	sig    models.Signal
	stopID string
}

func newFixture(t *testing.T, side models.Side, targets []float64, stop float64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		gw:     exchangetest.New(),
		ledger: ledger.NewMemory(),
		notes:  notifier.NewRecorder(),
	}
	f.gw.SetRule(models.PrecisionRule{Symbol: "XYZUSDT", TickSize: 0.01, StepSize: 0.001, MinQty: 0.001})

	sig, err := f.ledger.InsertSignal(ctx, models.Signal{AccountID: acct, Symbol: "XYZUSDT", Side: side,
		Targets: targets, StopPrice: stop, Status: models.SignalExecuted})
	if err != nil {
		t.Fatal(err)
	}
	f.sig = sig
	pos, err := f.ledger.UpsertOpenPosition(ctx, models.Position{AccountID: acct, Symbol: "XYZUSDT", Side: side,
		Quantity: 5, EntryPrice: 100, SignalID: &sig.ID})
	if err != nil {
		t.Fatal(err)
	}
	f.pos = pos

	// the original stop, known to both sides
	closeSide := side.Opposite()
	f.stopID = f.gw.AddOrder(exchange.OrderState{Symbol: "XYZUSDT", Side: closeSide, Type: models.OrderTypeStopMarket,
		StopPrice: stop, ClosePosition: true, ClientOrderID: models.NewClientOrderID(sig.OriginTag(), models.RoleStopLoss)})
	if _, err := f.ledger.ApplyOrder(ctx, models.Order{AccountID: acct, ExternalID: f.stopID, Symbol: "XYZUSDT",
		Type: models.OrderTypeStopMarket, Role: models.RoleStopLoss, Status: models.OrderNew, OriginTag: sig.OriginTag()}); err != nil {
		t.Fatal(err)
	}

	f.e = New(Deps{
		AccountID: acct,
		Gateway:   f.gw,
		Ledger:    f.ledger,
		Rules:     precision.NewCache(f.gw, time.Hour),
		Notifier:  f.notes,
	}, Config{CallTimeout: time.Second, Retry: ledger.RetryPolicy{Attempts: 3, Base: time.Millisecond}})
	return f
}

func (f *fixture) position(t *testing.T) models.Position {
	t.Helper()
	p, err := f.ledger.GetOpenPosition(context.Background(), acct, "XYZUSDT")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBreakevenOnFirstTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130, 140}, 95)

	tr, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Applied || tr.To != models.TrailingTP1Breakeven || tr.StopPrice != 100 {
		t.Fatalf("transition = %+v", tr)
	}
	if f.gw.Count("CancelOrder") != 1 || len(f.gw.Placed()) != 1 {
		t.Fatalf("cancels=%d places=%d", f.gw.Count("CancelOrder"), len(f.gw.Placed()))
	}
	newStop := f.gw.Placed()[0]
	if newStop.Type != models.OrderTypeStopMarket || newStop.Side != models.SideSell || !newStop.ClosePosition || newStop.StopPrice != 100 {
		t.Fatalf("new stop = %+v", newStop)
	}
	if old, _ := f.gw.Order(f.stopID); old.Status != models.OrderCanceled {
		t.Fatalf("old stop %s", old.Status)
	}
	if p := f.position(t); p.TrailingLevel != models.TrailingTP1Breakeven {
		t.Fatalf("level = %s", p.TrailingLevel)
	}

	// a later tick inside the same band does nothing
	tr, err = f.e.Evaluate(ctx, f.position(t), 111, &f.sig)
	if err != nil || tr.Applied || tr.To != "" {
		t.Fatalf("second tick: %+v, %v", tr, err)
	}
	if f.gw.Count("CancelOrder") != 1 || len(f.gw.Placed()) != 1 {
		t.Fatal("second tick must not touch the exchange")
	}
	if f.notes.Count("stop moved") != 1 {
		t.Fatalf("notifications = %v", f.notes.Messages())
	}
}

func TestThirdTargetLocksFirstTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130, 140}, 95)

	if _, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig); err != nil {
		t.Fatal(err)
	}
	tr, err := f.e.Evaluate(ctx, f.position(t), 130.5, &f.sig)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Applied || tr.From != models.TrailingTP1Breakeven || tr.To != models.TrailingTP3TP1 || tr.StopPrice != 110 {
		t.Fatalf("transition = %+v", tr)
	}
	// the breakeven stop from the first transition is the one cancelled now
	if len(f.gw.OpenOrders()) != 1 || f.gw.OpenOrders()[0].StopPrice != 110 {
		t.Fatalf("open orders = %+v", f.gw.OpenOrders())
	}
}

func TestLevelNeverRegresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)

	tr, err := f.e.Evaluate(ctx, f.position(t), 135, &f.sig)
	if err != nil || tr.To != models.TrailingTP3TP1 {
		t.Fatalf("transition = %+v, %v", tr, err)
	}
	for _, price := range []float64{131, 112, 99} {
		tr, err := f.e.Evaluate(ctx, f.position(t), price, &f.sig)
		if err != nil || tr.Applied {
			t.Fatalf("price %g: %+v, %v", price, tr, err)
		}
	}
	if ok, _ := f.ledger.AdvanceTrailingLevel(ctx, f.pos.ID, models.TrailingTP1Breakeven); ok {
		t.Fatal("ledger accepted a lower level")
	}
	if p := f.position(t); p.TrailingLevel != models.TrailingTP3TP1 {
		t.Fatalf("level = %s", p.TrailingLevel)
	}
}

func TestCancelBeforePlaceBeforePersist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)

	var levelAtPlace models.TrailingLevel
	f.gw.OnPlaced = func(g *exchangetest.Gateway, st exchange.OrderState) {
		levelAtPlace = f.position(t).TrailingLevel
		if old, _ := g.Order(f.stopID); !old.Status.Terminal() {
			t.Error("new stop placed while the old one was live")
		}
	}

	if _, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig); err != nil {
		t.Fatal(err)
	}
	if levelAtPlace != models.TrailingOriginal {
		t.Fatalf("level stored before the new stop: %s", levelAtPlace)
	}
}

func TestFailedPlacementLeavesLevel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)
	f.gw.OnPlace = func(exchange.OrderRequest) error {
		return &exchange.Error{Op: "fake.PlaceOrder", Kind: exchange.KindRejected, Code: -2021, Msg: "order would immediately trigger"}
	}

	if _, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig); err == nil {
		t.Fatal("expected placement error")
	}
	if p := f.position(t); p.TrailingLevel != models.TrailingOriginal {
		t.Fatalf("level = %s", p.TrailingLevel)
	}
	if f.notes.Count("new stop") != 1 {
		t.Fatalf("notifications = %v", f.notes.Messages())
	}

	f.gw.OnPlace = nil
	tr, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig)
	if err != nil || !tr.Applied {
		t.Fatalf("retry: %+v, %v", tr, err)
	}
}

func TestStopAlreadyGoneIsTolerated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)
	if err := f.gw.CancelOrder(ctx, "XYZUSDT", f.stopID); err != nil {
		t.Fatal(err)
	}

	tr, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig)
	if err != nil || !tr.Applied {
		t.Fatalf("transition = %+v, %v", tr, err)
	}
}

func TestShortSideFromSignal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideSell, []float64{90, 80, 70}, 105)
	p := f.position(t)
	p.Side = models.SideNone

	tr, err := f.e.Evaluate(ctx, p, 89.5, &f.sig)
	if err != nil || !tr.Applied || tr.To != models.TrailingTP1Breakeven {
		t.Fatalf("transition = %+v, %v", tr, err)
	}
	if st := f.gw.Placed()[0]; st.Side != models.SideBuy || st.StopPrice != 100 {
		t.Fatalf("new stop = %+v", st)
	}
}

func TestRecheckThrottle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)
	f.e.cfg.MinRecheck = time.Minute
	now := time.Unix(1_700_000_000, 0)
	f.e.now = func() time.Time { return now }

	if tr, _ := f.e.Evaluate(ctx, f.position(t), 105, &f.sig); tr.Applied {
		t.Fatal("nothing due at 105")
	}
	now = now.Add(10 * time.Second)
	if tr, _ := f.e.Evaluate(ctx, f.position(t), 110, &f.sig); tr.Applied {
		t.Fatal("evaluation inside the recheck interval")
	}
	now = now.Add(time.Minute)
	if tr, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig); err != nil || !tr.Applied {
		t.Fatalf("after interval: %+v, %v", tr, err)
	}
}

func TestOneTransitionPerPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.e.sleep = func(ctx context.Context, d time.Duration) bool {
		close(entered)
		<-release
		return true
	}

	var (
		wg    sync.WaitGroup
		first Transition
		ferr  error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, ferr = f.e.Evaluate(ctx, f.position(t), 110, &f.sig)
	}()

	<-entered
	second, err := f.e.Evaluate(ctx, f.position(t), 110, &f.sig)
	if err != nil || second.Applied || second.To != "" {
		t.Fatalf("concurrent evaluation ran: %+v, %v", second, err)
	}
	close(release)
	wg.Wait()

	if ferr != nil || !first.Applied {
		t.Fatalf("first = %+v, %v", first, ferr)
	}
	if len(f.gw.Placed()) != 1 {
		t.Fatalf("placements = %d", len(f.gw.Placed()))
	}
}

func TestDecide(t *testing.T) {
	sig := &models.Signal{Side: models.SideBuy, Targets: []float64{110, 120, 130}}
	pos := func(level models.TrailingLevel) models.Position {
		return models.Position{Side: models.SideBuy, Quantity: 1, EntryPrice: 100, TrailingLevel: level}
	}
	tests := []struct {
		name  string
		pos   models.Position
		sig   *models.Signal
		price float64
		want  models.TrailingLevel
		stop  float64
	}{
		{"below tp1", pos(models.TrailingOriginal), sig, 109.9, "", 0},
		{"tp1 from original", pos(models.TrailingOriginal), sig, 110, models.TrailingTP1Breakeven, 100},
		{"empty level is original", pos(""), sig, 110, models.TrailingTP1Breakeven, 100},
		{"tp1 again", pos(models.TrailingTP1Breakeven), sig, 125, "", 0},
		{"tp3 from breakeven", pos(models.TrailingTP1Breakeven), sig, 130, models.TrailingTP3TP1, 110},
		{"tp3 straight from original", pos(models.TrailingOriginal), sig, 140, models.TrailingTP3TP1, 110},
		{"tp3 again", pos(models.TrailingTP3TP1), sig, 150, "", 0},
		{"no signal", pos(models.TrailingOriginal), nil, 150, "", 0},
		{"two targets never reach tp3", pos(models.TrailingTP1Breakeven),
			&models.Signal{Side: models.SideBuy, Targets: []float64{110, 120}}, 200, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, stop, ok := Decide(tt.pos, tt.price, tt.sig)
			if got != tt.want || stop != tt.stop || ok != (tt.want != "") {
				t.Fatalf("Decide = %s %g %v, want %s %g", got, stop, ok, tt.want, tt.stop)
			}
		})
	}
}
