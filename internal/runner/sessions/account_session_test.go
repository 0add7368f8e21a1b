package sessions

import (
	"context"
	"testing"
	"time"

	"order_engine/internal/engine/precision"
	"order_engine/internal/exchange"
	"order_engine/internal/exchange/exchangetest"
	"order_engine/internal/models"
	"order_engine/internal/modules/config"
	"order_engine/internal/modules/ledger"
	notifier "order_engine/internal/modules/notifier/service"
)

const acct = int64(11)

// streams replays a fixed book and optional user-data events, then blocks.
type streams struct {
	book   models.BookTicker
	events []models.AccountUpdate
}

func (s *streams) SubscribeUserData(ctx context.Context, h exchange.UserDataHandler) error {
	for _, ev := range s.events {
		if err := h.HandleAccountUpdate(ctx, ev); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func (s *streams) SubscribeBook(ctx context.Context, symbol string) <-chan models.BookTicker {
	ch := make(chan models.BookTicker, 1)
	bt := s.book
	bt.Symbol = symbol
	bt.At = time.Now()
	ch <- bt
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type fixture struct {
	gw     *exchangetest.Gateway
	ledger *ledger.Memory
	notes  *notifier.Recorder
	st     *streams
	s      *AccountSession
}

func testSettings() Settings {
	cfg := config.Default()
	st := NewSettings(&cfg)
	st.Entry.Timeout = 500 * time.Millisecond
	st.Entry.PollInterval = time.Millisecond
	st.Entry.BookStaleAfter = time.Hour
	st.Entry.CallTimeout = time.Second
	st.Trailing.SettleDelay = 0
	st.Reconcile.Retry = exchange.RetryPolicy{Attempts: 1}
	st.SignalPoll = 10 * time.Millisecond
	st.MonitorInterval = 10 * time.Millisecond
	st.JanitorInterval = 10 * time.Millisecond
	return st
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		gw:     exchangetest.New(),
		ledger: ledger.NewMemory(),
		notes:  notifier.NewRecorder(),
		st:     &streams{book: models.BookTicker{BidPrice: 99.95, AskPrice: 100.05}},
	}
	f.gw.SetRule(models.PrecisionRule{Symbol: "XYZUSDT", TickSize: 0.05, StepSize: 0.001, MinQty: 0.001, MaxQty: 1000, MinNotional: 5})
	f.gw.SetBook(models.BookTicker{Symbol: "XYZUSDT", BidPrice: 99.95, AskPrice: 100.05, At: time.Now()})
	// entry orders fill in full at their price, protective orders rest
	f.gw.OnPlaced = func(g *exchangetest.Gateway, st exchange.OrderState) {
		switch st.Type {
		case models.OrderTypeLimit:
			g.Fill(st.OrderID, st.OrigQty, st.Price)
		case models.OrderTypeMarket:
			g.Fill(st.OrderID, st.OrigQty, 100)
		}
	}
	if _, err := f.ledger.UpsertBalance(ctx, models.Balance{AccountID: acct, Asset: "USDT", Available: 1000}); err != nil {
		t.Fatal(err)
	}

	f.s = New(ctx, Deps{
		Account:  config.Account{ID: acct, QuoteAsset: "USDT", Enabled: true},
		Gateway:  f.gw,
		Streams:  f.st,
		Ledger:   f.ledger,
		Rules:    precision.NewCache(f.gw, time.Hour),
		Notifier: f.notes,
	}, testSettings())
	t.Cleanup(f.s.Cancel)
	return f
}

func (f *fixture) signal(t *testing.T) models.Signal {
	t.Helper()
	sig, err := f.ledger.InsertSignal(context.Background(), models.Signal{
		AccountID:       acct,
		Symbol:          "XYZUSDT",
		Side:            models.SideBuy,
		CapitalFraction: 0.10,
		Leverage:        5,
		Targets:         []float64{110, 120, 130, 140},
		StopPrice:       95,
	})
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func TestOpenAndProtect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sig := f.signal(t)

	f.s.OpenAndProtect(ctx, sig)

	got, _ := f.ledger.GetSignal(ctx, sig.ID)
	if got.Status != models.SignalExecuted || got.PositionID == nil {
		t.Fatalf("signal = %+v", got)
	}
	pos, err := f.ledger.GetOpenPosition(ctx, acct, "XYZUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if pos.Quantity != 5 || pos.Side != models.SideBuy {
		t.Fatalf("position = %+v", pos)
	}

	roles := make(map[models.OrderRole]int)
	for _, r := range f.gw.Placed() {
		_, role, _ := models.ParseClientOrderID(r.ClientOrderID)
		roles[role]++
	}
	if roles[models.RoleStopLoss] != 1 || roles[models.RoleTakeProfit] != 1 || roles[models.PartialReduceRole(1)] != 1 {
		t.Fatalf("placed roles = %v", roles)
	}
}

func TestPollSignalsOneRunPerSymbol(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.signal(t)
	second := f.signal(t)

	if n := f.s.PollSignals(ctx); n != 1 {
		t.Fatalf("started %d runs, want 1", n)
	}
	f.s.wg.Wait()

	got, _ := f.ledger.GetSignal(ctx, first.ID)
	if got.Status != models.SignalExecuted {
		t.Fatalf("first = %+v", got)
	}

	// the position is open now, so the second signal is refused
	if n := f.s.PollSignals(ctx); n != 1 {
		t.Fatalf("started %d runs, want 1", n)
	}
	f.s.wg.Wait()
	got, _ = f.ledger.GetSignal(ctx, second.ID)
	if got.Status != models.SignalError {
		t.Fatalf("second = %+v", got)
	}
	if n := f.s.PollSignals(ctx); n != 0 {
		t.Fatalf("started %d runs with nothing pending", n)
	}
}

func TestSessionStartStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.st.events = []models.AccountUpdate{{
		AccountID: acct,
		EventTime: 1700000000000,
		Reason:    "DEPOSIT",
		Balances:  []models.BalanceUpdate{{Asset: "USDT", WalletBalance: 1500, CrossWallet: 1500}},
	}}
	sig := f.signal(t)

	f.s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for {
		b, _ := f.ledger.GetBalance(ctx, acct, "USDT")
		s, _ := f.ledger.GetSignal(ctx, sig.ID)
		if b.WalletBalance == 1500 && s.Status == models.SignalExecuted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("balance = %+v, signal = %+v", b, s)
		}
		time.Sleep(5 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		f.s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop")
	}
}

func TestNewSettings(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Entry.MaxAttempts = 7
	cfg.Engine.Entry.CompletionRatio = 0
	cfg.Engine.Protection.Ladder = []float64{0.5, 0.5}
	cfg.Engine.Ingest.LockRetryAttempts = 9
	cfg.Engine.Signals.BatchSize = 0

	st := NewSettings(&cfg)
	if st.Entry.MaxAttempts != 7 {
		t.Errorf("entry attempts = %d", st.Entry.MaxAttempts)
	}
	if st.CompletionRatio != 0.95 {
		t.Errorf("completion ratio = %g", st.CompletionRatio)
	}
	if len(st.Protection.Ladder) != 2 {
		t.Errorf("ladder = %v", st.Protection.Ladder)
	}
	if st.Ingest.Retry.Attempts != 9 || st.Trailing.Retry.Attempts != 9 || st.Reconcile.LedgerRetry.Attempts != 9 {
		t.Errorf("retry attempts = %d/%d/%d", st.Ingest.Retry.Attempts, st.Trailing.Retry.Attempts, st.Reconcile.LedgerRetry.Attempts)
	}
	if st.SignalBatch != 20 {
		t.Errorf("batch = %d", st.SignalBatch)
	}
}
