package service

import (
	"context"
	"reflect"
	"testing"
	"time"

	"order_engine/internal/engine/precision"
	"order_engine/internal/exchange/exchangetest"
	"order_engine/internal/models"
	"order_engine/internal/modules/config"
	"order_engine/internal/modules/ledger"
)

func TestWarmup(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()

	cfg := config.Default()
	cfg.Accounts = []config.Account{{ID: 1, Enabled: true}, {ID: 2, Enabled: true}, {ID: 3}}

	mustPos := func(acct int64, sym string) {
		if _, err := l.UpsertOpenPosition(ctx, models.Position{AccountID: acct, Symbol: sym, Side: models.SideBuy, Quantity: 1}); err != nil {
			t.Fatal(err)
		}
	}
	mustSig := func(acct int64, sym string, st models.SignalStatus) {
		if _, err := l.InsertSignal(ctx, models.Signal{AccountID: acct, Symbol: sym, Side: models.SideBuy, Status: st}); err != nil {
			t.Fatal(err)
		}
	}
	mustPos(1, "BTCUSDT")
	mustSig(1, "ethusdt", models.SignalPending)
	mustSig(1, "XRPUSDT", models.SignalExecuted) // not pending
	mustPos(2, "BTCUSDT")
	mustSig(2, "SOLUSDT", models.SignalPending)
	mustPos(3, "DOGEUSDT") // disabled account

	gw := exchangetest.New()
	for _, s := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"} {
		gw.SetRule(models.PrecisionRule{Symbol: s, TickSize: 0.01, StepSize: 0.001})
	}
	cache := precision.NewCache(gw, time.Hour)
	w := NewWarmuper(cache, l, &cfg)

	syms, err := w.Symbols(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}; !reflect.DeepEqual(syms, want) {
		t.Fatalf("symbols = %v, want %v", syms, want)
	}

	if err := w.Warmup(ctx); err != nil {
		t.Fatal(err)
	}
	if n := gw.Count("QuerySymbolRules"); n != 3 {
		t.Fatalf("rules fetched %d times", n)
	}

	// warmed rules are served without another request
	if _, err := cache.Get(ctx, "ETHUSDT"); err != nil {
		t.Fatal(err)
	}
	if n := gw.Count("QuerySymbolRules"); n != 3 {
		t.Fatalf("rules fetched %d times after warmup", n)
	}
}

func TestWarmupReportsMissingRule(t *testing.T) {
	ctx := context.Background()
	l := ledger.NewMemory()
	cfg := config.Default()
	cfg.Accounts = []config.Account{{ID: 1, Enabled: true}}
	if _, err := l.InsertSignal(ctx, models.Signal{AccountID: 1, Symbol: "NOPEUSDT", Side: models.SideBuy}); err != nil {
		t.Fatal(err)
	}

	w := NewWarmuper(precision.NewCache(exchangetest.New(), time.Hour), l, &cfg)
	if err := w.Warmup(ctx); err == nil {
		t.Fatal("warmup succeeded for unknown symbol")
	}
}
