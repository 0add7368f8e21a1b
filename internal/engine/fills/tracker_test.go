package fills

import (
	"math"
	"testing"
	"time"

	"order_engine/internal/models"
)

func obs(id string, cum, avg float64, st models.OrderStatus, src models.FillSource) models.FillObservation {
	return models.FillObservation{Symbol: "XYZUSDT", OrderID: id, CumQty: cum, AvgPrice: avg, Status: st, Source: src, At: time.Now()}
}

func TestTrackerDedupesAcrossSources(t *testing.T) {
	tr := NewTracker()
	tr.Track("1")

	steps := []struct {
		o         models.FillObservation
		wantDelta float64
	}{
		{obs("1", 1, 100, models.OrderPartiallyFilled, models.FillSourcePush), 1},
		{obs("1", 1, 100, models.OrderPartiallyFilled, models.FillSourcePoll), 0},
		{obs("1", 0.5, 100, models.OrderPartiallyFilled, models.FillSourcePoll), 0},
		{obs("1", 3, 100.5, models.OrderPartiallyFilled, models.FillSourcePoll), 2},
		{obs("1", 3, 100.5, models.OrderFilled, models.FillSourcePush), 0},
		{obs("2", 5, 99, models.OrderFilled, models.FillSourcePush), 0},
	}

	for i, s := range steps {
		if got := tr.Observe(s.o); math.Abs(got-s.wantDelta) > 1e-12 {
			t.Fatalf("step %d: delta = %v, want %v", i, got, s.wantDelta)
		}
	}
	if tr.Filled() != 3 {
		t.Fatalf("Filled = %v, want 3", tr.Filled())
	}
	if tr.Status("1") != models.OrderFilled {
		t.Fatalf("status = %s", tr.Status("1"))
	}
}

func TestTrackerWeightedAverage(t *testing.T) {
	tr := NewTracker()
	tr.Track("maker")
	tr.Track("market")

	tr.Observe(obs("maker", 3, 100, models.OrderCanceled, models.FillSourcePoll))
	tr.Observe(obs("market", 2, 101, models.OrderFilled, models.FillSourcePush))

	if got := tr.Filled(); got != 5 {
		t.Fatalf("Filled = %v, want 5", got)
	}
	want := (3*100.0 + 2*101.0) / 5
	if got := tr.AvgPrice(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("AvgPrice = %v, want %v", got, want)
	}
}

func TestHubFiltersBySymbol(t *testing.T) {
	h := NewHub()
	xyz, unsubXYZ := h.Subscribe("XYZUSDT", 4)
	all, unsubAll := h.Subscribe("", 4)
	defer unsubAll()

	h.Publish(models.FillObservation{Symbol: "ABCUSDT", OrderID: "9"})
	h.Publish(models.FillObservation{Symbol: "XYZUSDT", OrderID: "1"})

	if got := <-xyz; got.OrderID != "1" {
		t.Fatalf("symbol subscriber got %s", got.OrderID)
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber buffered %d, want 2", len(all))
	}

	unsubXYZ()
	unsubXYZ()
	h.Publish(models.FillObservation{Symbol: "XYZUSDT", OrderID: "2"})
	if _, ok := <-xyz; ok {
		t.Fatal("channel must be closed after unsubscribe")
	}
}
