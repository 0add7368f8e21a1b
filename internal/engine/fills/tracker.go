package fills

import (
	"sync"

	"order_engine/internal/models"

	"github.com/shopspring/decimal"
)

// Tracker keeps the highest cumulative fill seen per order. Observations are
// accepted only when cumulative quantity grows, so duplicates and stale
// sightings from either source are ignored.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*orderFill
	order  []string
}

type orderFill struct {
	cumQty   decimal.Decimal
	avgPrice decimal.Decimal
	status   models.OrderStatus
}

func NewTracker() *Tracker {
	return &Tracker{orders: make(map[string]*orderFill)}
}

// Track registers an order so it takes part in totals even before any fill.
func (t *Tracker) Track(orderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.orders[orderID]; !ok {
		t.orders[orderID] = &orderFill{cumQty: decimal.Zero, avgPrice: decimal.Zero, status: models.OrderNew}
		t.order = append(t.order, orderID)
	}
}

func (t *Tracker) Tracks(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.orders[orderID]
	return ok
}

// Observe applies obs and returns the quantity newly filled by it (0 when ignored).
func (t *Tracker) Observe(obs models.FillObservation) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	of, ok := t.orders[obs.OrderID]
	if !ok {
		return 0
	}

	cum := decimal.NewFromFloat(obs.CumQty)
	if obs.Status.Rank() > of.status.Rank() {
		of.status = obs.Status
	}
	if !cum.GreaterThan(of.cumQty) {
		return 0
	}

	delta := cum.Sub(of.cumQty)
	of.cumQty = cum
	if obs.AvgPrice > 0 {
		of.avgPrice = decimal.NewFromFloat(obs.AvgPrice)
	}
	return delta.InexactFloat64()
}

func (t *Tracker) Status(orderID string) models.OrderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if of, ok := t.orders[orderID]; ok {
		return of.status
	}
	return ""
}

func (t *Tracker) CumQty(orderID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if of, ok := t.orders[orderID]; ok {
		return of.cumQty.InexactFloat64()
	}
	return 0
}

// Filled returns total quantity filled across all tracked orders.
func (t *Tracker) Filled() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := decimal.Zero
	for _, of := range t.orders {
		total = total.Add(of.cumQty)
	}
	return total.InexactFloat64()
}

// AvgPrice is the quantity-weighted mean of every tracked order's average fill price.
func (t *Tracker) AvgPrice() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	qty := decimal.Zero
	notional := decimal.Zero
	for _, of := range t.orders {
		if of.cumQty.IsZero() || of.avgPrice.IsZero() {
			continue
		}
		qty = qty.Add(of.cumQty)
		notional = notional.Add(of.cumQty.Mul(of.avgPrice))
	}
	if qty.IsZero() {
		return 0
	}
	return notional.DivRound(qty, 12).InexactFloat64()
}

// OrderIDs returns tracked ids in registration order.
func (t *Tracker) OrderIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
