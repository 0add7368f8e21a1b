package book

import (
	"context"
	"sync"
	"testing"
	"time"

	"order_engine/internal/models"
)

type chanSource struct {
	mu    sync.Mutex
	subs  map[string]int
	chans map[string]chan models.BookTicker
}

func newChanSource() *chanSource {
	return &chanSource{subs: make(map[string]int), chans: make(map[string]chan models.BookTicker)}
}

func (s *chanSource) SubscribeBook(ctx context.Context, symbol string) <-chan models.BookTicker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[symbol]++
	ch := make(chan models.BookTicker, 8)
	s.chans[symbol] = ch
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

func (s *chanSource) push(symbol string, bt models.BookTicker) {
	s.mu.Lock()
	ch := s.chans[symbol]
	s.mu.Unlock()
	ch <- bt
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFeedSingleReaderPerSymbol(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newChanSource()
	f := NewFeed(ctx, src)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Latest("xyzusdt")
		}()
	}
	wg.Wait()

	src.mu.Lock()
	n := src.subs["XYZUSDT"]
	src.mu.Unlock()
	if n != 1 {
		t.Fatalf("subscriptions = %d, want 1", n)
	}

	if _, ok := f.Latest("XYZUSDT"); ok {
		t.Fatal("no data yet")
	}
	src.push("XYZUSDT", models.BookTicker{Symbol: "XYZUSDT", BidPrice: 99.9, AskPrice: 100, At: time.Now()})
	waitFor(t, func() bool { _, ok := f.Latest("XYZUSDT"); return ok })
}

func TestFeedFreshRejectsStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newChanSource()
	f := NewFeed(ctx, src)
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	f.Watch("XYZUSDT")
	src.push("XYZUSDT", models.BookTicker{Symbol: "XYZUSDT", BidPrice: 99.9, AskPrice: 100, At: now.Add(-5 * time.Second)})
	waitFor(t, func() bool { _, ok := f.Latest("XYZUSDT"); return ok })

	if _, ok := f.Fresh("XYZUSDT", 3*time.Second); ok {
		t.Fatal("5s old book must be stale with a 3s bound")
	}
	if _, ok := f.Fresh("XYZUSDT", 10*time.Second); !ok {
		t.Fatal("5s old book must be fresh with a 10s bound")
	}
}

func TestFeedRestartsAfterClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := newChanSource()
	f := NewFeed(ctx, src)
	f.Watch("XYZUSDT")
	cancel()

	waitFor(t, func() bool { return len(f.Symbols()) == 0 })
}
