package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireWithinTTL(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := New("acct", 30*time.Second, WithClock(clk.Now))

	key := AccountUpdateKey(1700000000123, 7, "ORDER")
	if !c.TryAcquire(key) {
		t.Fatal("first delivery must be accepted")
	}

	clk.Advance(50 * time.Millisecond)
	if c.TryAcquire(key) {
		t.Fatal("duplicate within TTL must be dropped")
	}

	clk.Advance(30 * time.Second)
	if !c.TryAcquire(key) {
		t.Fatal("key must be accepted again after TTL")
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	c := New("acct", time.Minute)
	key := AccountUpdateKey(1, 7, "ORDER")

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.TryAcquire(key) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 1 {
		t.Fatalf("accepted %d concurrent deliveries, want 1", got)
	}
}

func TestSweepAndForget(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := New("close", time.Minute, WithClock(clk.Now))

	c.TryAcquire("a")
	c.TryAcquire("b")
	clk.Advance(2 * time.Minute)
	c.TryAcquire("c")

	if removed := c.Sweep(); removed != 2 {
		t.Fatalf("Sweep removed %d, want 2", removed)
	}
	if c.Len() != 1 || !c.Seen("c") {
		t.Fatalf("unexpected cache contents, len=%d", c.Len())
	}

	c.Forget("c")
	if c.Seen("c") || !c.TryAcquire("c") {
		t.Fatal("forgotten key must be acquirable")
	}
}

func TestMaxEntriesEvictsOldest(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := New("bounded", time.Hour, WithClock(clk.Now), WithMaxEntries(numShards))

	for i := 0; i < 200; i++ {
		clk.Advance(time.Millisecond)
		c.TryAcquire(string(rune('a'+i%26)) + time.Duration(i).String())
	}
	if c.Len() > 2*numShards {
		t.Fatalf("cache grew to %d entries", c.Len())
	}
}

func TestOutcomeKeyRounding(t *testing.T) {
	a := OutcomeKey(7, 1, "XYZUSDT", 12.341)
	b := OutcomeKey(7, 1, "XYZUSDT", 12.338)
	if a != b {
		t.Fatal("PnL differing below a cent must hash equally")
	}
	if a == OutcomeKey(7, 2, "XYZUSDT", 12.34) {
		t.Fatal("different positions must not collide")
	}
}
