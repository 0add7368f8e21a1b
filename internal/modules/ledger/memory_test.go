package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"order_engine/internal/models"
	"order_engine/pkg/db"
)

func TestApplyOrderForwardOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	base := models.Order{AccountID: 1, ExternalID: "100", Symbol: "XYZUSDT", Role: models.RoleTakeProfit, OriginTag: "s1", Quantity: 2}
	step := func(status models.OrderStatus, executed float64) models.Order {
		o := base
		o.Status = status
		o.ExecutedQty = executed
		return o
	}

	tests := []struct {
		name string
		in   models.Order
		want ApplyResult
	}{
		{name: "insert NEW", in: step(models.OrderNew, 0), want: ApplyInserted},
		{name: "duplicate NEW", in: step(models.OrderNew, 0), want: ApplyIgnored},
		{name: "partial", in: step(models.OrderPartiallyFilled, 1), want: ApplyUpdated},
		{name: "late NEW after partial", in: step(models.OrderNew, 0), want: ApplyIgnored},
		{name: "filled", in: step(models.OrderFilled, 2), want: ApplyArchived},
		{name: "NEW after terminal", in: step(models.OrderNew, 0), want: ApplyIgnored},
		{name: "partial after terminal", in: step(models.OrderPartiallyFilled, 1.5), want: ApplyIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.ApplyOrder(ctx, tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("ApplyOrder = %s, want %s", got, tt.want)
			}
		})
	}

	live, _ := m.ListLiveOrders(ctx, 1, "")
	if len(live) != 0 {
		t.Fatalf("terminal order must not stay live: %+v", live)
	}
	arch, ok := m.ArchivedOrder(1, "XYZUSDT", "100")
	if !ok || arch.Status != models.OrderFilled || arch.Role != models.RoleTakeProfit {
		t.Fatalf("history row = %+v, %v", arch, ok)
	}
}

func TestApplyOrderKeepsRoleFromEarlierSighting(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, _ = m.ApplyOrder(ctx, models.Order{AccountID: 1, ExternalID: "7", Symbol: "XYZUSDT", Status: models.OrderNew,
		Role: models.RoleStopLoss, OriginTag: "s9", ClientOrderID: "s9_SL_abcdef12"})
	// a REST poll knows nothing about the role
	_, _ = m.ApplyOrder(ctx, models.Order{AccountID: 1, ExternalID: "7", Symbol: "XYZUSDT", Status: models.OrderPartiallyFilled,
		Role: models.RoleExternal, ExecutedQty: 1})

	o, err := m.FindLiveOrder(ctx, 1, "s9", models.RoleStopLoss)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OrderPartiallyFilled || o.ClientOrderID != "s9_SL_abcdef12" {
		t.Fatalf("merged order = %+v", o)
	}
}

func TestArchiveOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _ = m.ApplyOrder(ctx, models.Order{AccountID: 1, ExternalID: "5", Symbol: "XYZUSDT", Status: models.OrderNew})

	if err := m.ArchiveOrder(ctx, 1, "XYZUSDT", "5", models.OrderNew); err == nil {
		t.Fatal("non-terminal archive must fail")
	}
	if err := m.ArchiveOrder(ctx, 1, "XYZUSDT", "5", models.OrderCanceled); err != nil {
		t.Fatal(err)
	}
	if err := m.ArchiveOrder(ctx, 1, "XYZUSDT", "5", models.OrderCanceled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second archive: %v", err)
	}
	if res, _ := m.ApplyOrder(ctx, models.Order{AccountID: 1, ExternalID: "5", Symbol: "XYZUSDT", Status: models.OrderNew}); res != ApplyIgnored {
		t.Fatalf("archived order revived: %s", res)
	}
}

func TestPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p, err := m.UpsertOpenPosition(ctx, models.Position{AccountID: 1, Symbol: "xyzusdt", Side: models.SideBuy, Quantity: 5, EntryPrice: 100})
	if err != nil {
		t.Fatal(err)
	}
	if p.TrailingLevel != models.TrailingOriginal || p.Status != models.PositionOpen {
		t.Fatalf("new position = %+v", p)
	}

	again, _ := m.UpsertOpenPosition(ctx, models.Position{AccountID: 1, Symbol: "XYZUSDT", Side: models.SideBuy, Quantity: 4})
	if again.ID != p.ID || again.Quantity != 4 || again.EntryPrice != 100 {
		t.Fatalf("upsert must update the same row: %+v", again)
	}

	levels := []struct {
		level models.TrailingLevel
		moved bool
	}{
		{models.TrailingTP1Breakeven, true},
		{models.TrailingTP1Breakeven, false},
		{models.TrailingTP3TP1, true},
		{models.TrailingTP1Breakeven, false},
	}
	for _, l := range levels {
		moved, err := m.AdvanceTrailingLevel(ctx, p.ID, l.level)
		if err != nil {
			t.Fatal(err)
		}
		if moved != l.moved {
			t.Fatalf("AdvanceTrailingLevel(%s) = %v, want %v", l.level, moved, l.moved)
		}
	}

	at := time.Now()
	closed, ok, err := m.ClosePosition(ctx, 1, "XYZUSDT", 12.5, at)
	if err != nil || !ok {
		t.Fatalf("close: %v %v", ok, err)
	}
	if closed.Status != models.PositionClosed || closed.TrailingLevel != models.TrailingTP3TP1 {
		t.Fatalf("closed = %+v", closed)
	}
	if _, ok, _ := m.ClosePosition(ctx, 1, "XYZUSDT", 12.5, at); ok {
		t.Fatal("second close must be a no-op")
	}
	if _, err := m.GetOpenPosition(ctx, 1, "XYZUSDT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("position still live: %v", err)
	}
	if h := m.ClosedPositions(1); len(h) != 1 {
		t.Fatalf("history size = %d", len(h))
	}
}

func TestLastClosedPosition(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.LastClosedPosition(ctx, 1, "XYZUSDT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty history: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for n, pnl := range []float64{1, 2, 3} {
		if _, err := m.UpsertOpenPosition(ctx, models.Position{AccountID: 1, Symbol: "XYZUSDT", Side: models.SideBuy, Quantity: 1}); err != nil {
			t.Fatal(err)
		}
		if _, _, err := m.ClosePosition(ctx, 1, "XYZUSDT", pnl, base.Add(time.Duration(n)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.UpsertOpenPosition(ctx, models.Position{AccountID: 1, Symbol: "ABCUSDT", Side: models.SideSell, Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.ClosePosition(ctx, 1, "ABCUSDT", 9, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	last, err := m.LastClosedPosition(ctx, 1, "xyzusdt")
	if err != nil {
		t.Fatal(err)
	}
	if last.RealizedPnL != 3 || !last.ClosedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("last closed = %+v", last)
	}
	if _, err := m.LastClosedPosition(ctx, 2, "XYZUSDT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other account: %v", err)
	}
}

func TestCalcBaseHighWaterMark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, avail := range []float64{1000, 800, 1200, 300} {
		if _, err := m.UpsertBalance(ctx, models.Balance{AccountID: 1, Asset: "usdt", Available: avail}); err != nil {
			t.Fatal(err)
		}
	}
	b, err := m.GetBalance(ctx, 1, "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if b.CalcBase != 1200 || b.Available != 300 {
		t.Fatalf("balance = %+v", b)
	}
}

func TestRunInTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	sig, _ := m.InsertSignal(ctx, models.Signal{AccountID: 1, Symbol: "XYZUSDT", Side: models.SideBuy})

	boom := errors.New("boom")
	err := m.RunInTx(ctx, func(ctx context.Context) error {
		p, err := m.UpsertOpenPosition(ctx, models.Position{AccountID: 1, Symbol: "XYZUSDT", Side: models.SideBuy, Quantity: 1})
		if err != nil {
			return err
		}
		if err := m.LinkSignalPosition(ctx, sig.ID, p.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if ps, _ := m.ListOpenPositions(ctx, 1); len(ps) != 0 {
		t.Fatalf("rolled back position survived: %+v", ps)
	}
	got, _ := m.GetSignal(ctx, sig.ID)
	if got.PositionID != nil {
		t.Fatal("rolled back link survived")
	}
}

func TestRetryOnConflict(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, Base: time.Millisecond, Jitter: time.Millisecond}
	conflict := fmt.Errorf("upsert balance: %w", db.ErrLockConflict)

	t.Run("succeeds after conflicts", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), policy, "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return conflict
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("gives up at ceiling", func(t *testing.T) {
		calls := 0
		err := RetryOnConflict(context.Background(), policy, "op", func(context.Context) error {
			calls++
			return conflict
		})
		if !db.IsLockConflict(err) || calls != policy.Attempts {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := RetryOnConflict(context.Background(), policy, "op", func(context.Context) error {
			calls++
			return boom
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Fatalf("err=%v calls=%d", err, calls)
		}
	})
}
