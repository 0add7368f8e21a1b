package trailing

import (
	"context"
	"testing"
	"time"

	"order_engine/internal/models"
)

type prices struct {
	watched map[string]int
	books   map[string]models.BookTicker
}

func (p *prices) Watch(symbol string) { p.watched[symbol]++ }

func (p *prices) Fresh(symbol string, _ time.Duration) (models.BookTicker, bool) {
	bt, ok := p.books[symbol]
	return bt, ok
}

func TestMonitorTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, models.SideBuy, []float64{110, 120, 130}, 95)
	px := &prices{watched: map[string]int{}, books: map[string]models.BookTicker{}}
	m := NewMonitor(f.e, px, time.Second)

	// no price yet: nothing happens, symbol gets watched
	n, err := m.Tick(ctx)
	if err != nil || n != 0 || px.watched["XYZUSDT"] != 1 {
		t.Fatalf("tick = %d, %v, watched %v", n, err, px.watched)
	}

	px.books["XYZUSDT"] = models.BookTicker{Symbol: "XYZUSDT", BidPrice: 110, AskPrice: 110.5, At: time.Now()}
	n, err = m.Tick(ctx)
	if err != nil || n != 1 {
		t.Fatalf("tick = %d, %v", n, err)
	}
	p := f.position(t)
	if p.CurrentPrice != 110.25 || p.TrailingLevel != models.TrailingTP1Breakeven {
		t.Fatalf("position = %+v", p)
	}
	if p.UnrealizedPnL <= 0 {
		t.Fatalf("unrealized = %g", p.UnrealizedPnL)
	}
}
