// Package exchangetest provides an in-process exchange.Gateway for tests.
package exchangetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"order_engine/internal/exchange"
	"order_engine/internal/models"

	"github.com/shopspring/decimal"
)

type Call struct {
	Op      string
	OrderID string
	Req     exchange.OrderRequest
}

// Gateway keeps orders, positions and rules in memory. Hooks let a test
// script fills and rejections.
type Gateway struct {
	mu     sync.Mutex
	nextID int64
	now    func() time.Time

	orders    map[string]*exchange.OrderState
	positions map[string]exchange.PositionState
	rules     map[string]models.PrecisionRule
	balances  map[string]exchange.AccountBalance
	books     map[string]models.BookTicker
	calls     []Call

	// OnPlace runs before an order is accepted. A non-nil error rejects it.
	OnPlace func(req exchange.OrderRequest) error
	// OnPlaced runs after an order is stored, e.g. to fill it immediately.
	OnPlaced func(g *Gateway, st exchange.OrderState)
	// OnQuery runs before QueryOrder answers, e.g. to simulate fills between polls.
	OnQuery func(g *Gateway, orderID string)
	// Fail makes the named op return the error once per entry.
	Fail map[string][]error
	// LostAcks stores the order and still fails PlaceOrder, once per entry,
	// as if the response never arrived.
	LostAcks []error
}

func New() *Gateway {
	return &Gateway{
		nextID:    1000,
		now:       time.Now,
		orders:    make(map[string]*exchange.OrderState),
		positions: make(map[string]exchange.PositionState),
		rules:     make(map[string]models.PrecisionRule),
		balances:  make(map[string]exchange.AccountBalance),
		books:     make(map[string]models.BookTicker),
		Fail:      make(map[string][]error),
	}
}

func WouldTake(op string) error {
	return &exchange.Error{Op: op, Kind: exchange.KindRejected, Code: -5022, Msg: "post only", Err: exchange.ErrWouldTake}
}

func NotFound(op string) error {
	return &exchange.Error{Op: op, Kind: exchange.KindNotFound, Code: -2011, Msg: "unknown order"}
}

func Duplicate(op string) error {
	return &exchange.Error{Op: op, Kind: exchange.KindDuplicate, Code: -4116, Msg: "ClientOrderId is duplicated."}
}

func Transient(op string) error {
	return &exchange.Error{Op: op, Kind: exchange.KindTransient, Msg: "timeout"}
}

func (g *Gateway) record(c Call) { g.calls = append(g.calls, c) }

func (g *Gateway) failure(op string) error {
	errs := g.Fail[op]
	if len(errs) == 0 {
		return nil
	}
	g.Fail[op] = errs[1:]
	return errs[0]
}

// Setup

func (g *Gateway) SetRule(r models.PrecisionRule) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[r.Symbol] = r
}

func (g *Gateway) SetBalance(b exchange.AccountBalance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[strings.ToUpper(b.Asset)] = b
}

func (g *Gateway) SetBook(bt models.BookTicker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.books[bt.Symbol] = bt
}

func (g *Gateway) SetPosition(p exchange.PositionState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Quantity == 0 {
		delete(g.positions, p.Symbol)
		return
	}
	g.positions[p.Symbol] = p
}

// AddOrder stores an order as if someone else had placed it and returns its id.
func (g *Gateway) AddOrder(st exchange.OrderState) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st.OrderID == "" {
		g.nextID++
		st.OrderID = strconv.FormatInt(g.nextID, 10)
	}
	if st.Status == "" {
		st.Status = models.OrderNew
	}
	cp := st
	g.orders[st.OrderID] = &cp
	return st.OrderID
}

// Fill executes qty more of orderID at price.
func (g *Gateway) Fill(orderID string, qty, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fillLocked(orderID, qty, price)
}

func (g *Gateway) fillLocked(orderID string, qty, price float64) {
	st, ok := g.orders[orderID]
	if !ok || st.Status.Terminal() || qty <= 0 {
		return
	}
	prevQty := decimal.NewFromFloat(st.ExecutedQty)
	add := decimal.NewFromFloat(qty)
	if orig := decimal.NewFromFloat(st.OrigQty); st.OrigQty > 0 && prevQty.Add(add).GreaterThan(orig) {
		add = orig.Sub(prevQty)
	}
	total := prevQty.Add(add)
	if total.IsPositive() {
		notional := prevQty.Mul(decimal.NewFromFloat(st.AvgPrice)).Add(add.Mul(decimal.NewFromFloat(price)))
		st.AvgPrice = notional.DivRound(total, 12).InexactFloat64()
	}
	st.ExecutedQty = total.InexactFloat64()
	st.Status = models.OrderPartiallyFilled
	if st.OrigQty > 0 && !total.LessThan(decimal.NewFromFloat(st.OrigQty)) {
		st.Status = models.OrderFilled
	}
	st.UpdatedAt = g.now()
}

// Orders

func (g *Gateway) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	g.mu.Lock()
	if err := g.failure("PlaceOrder"); err != nil {
		g.mu.Unlock()
		return exchange.OrderAck{}, err
	}
	onPlace := g.OnPlace
	g.mu.Unlock()

	if onPlace != nil {
		if err := onPlace(req); err != nil {
			g.mu.Lock()
			g.record(Call{Op: "PlaceOrder.rejected", Req: req})
			g.mu.Unlock()
			return exchange.OrderAck{}, err
		}
	}

	g.mu.Lock()
	g.nextID++
	id := strconv.FormatInt(g.nextID, 10)
	st := &exchange.OrderState{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderNew,
		OrigQty:       req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ReduceOnly:    req.ReduceOnly,
		ClosePosition: req.ClosePosition,
		UpdatedAt:     g.now(),
	}
	g.orders[id] = st
	g.record(Call{Op: "PlaceOrder", OrderID: id, Req: req})
	onPlaced := g.OnPlaced
	g.mu.Unlock()

	if onPlaced != nil {
		onPlaced(g, *st)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.LostAcks) > 0 {
		err := g.LostAcks[0]
		g.LostAcks = g.LostAcks[1:]
		return exchange.OrderAck{}, err
	}
	cur := g.orders[id]
	return exchange.OrderAck{
		OrderID:       id,
		ClientOrderID: cur.ClientOrderID,
		Status:        cur.Status,
		ExecutedQty:   cur.ExecutedQty,
		AvgPrice:      cur.AvgPrice,
		UpdatedAt:     cur.UpdatedAt,
	}, nil
}

func (g *Gateway) CancelOrder(_ context.Context, symbol, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "CancelOrder", OrderID: orderID})
	if err := g.failure("CancelOrder"); err != nil {
		return err
	}
	st, ok := g.orders[orderID]
	if !ok || st.Status.Terminal() {
		return NotFound("fake.CancelOrder")
	}
	st.Status = models.OrderCanceled
	st.UpdatedAt = g.now()
	return nil
}

func (g *Gateway) QueryOrder(_ context.Context, symbol, orderID string) (exchange.OrderState, error) {
	g.mu.Lock()
	onQuery := g.OnQuery
	g.mu.Unlock()
	if onQuery != nil {
		onQuery(g, orderID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "QueryOrder", OrderID: orderID})
	if err := g.failure("QueryOrder"); err != nil {
		return exchange.OrderState{}, err
	}
	st, ok := g.orders[orderID]
	if !ok {
		return exchange.OrderState{}, NotFound("fake.QueryOrder")
	}
	return *st, nil
}

func (g *Gateway) byClientIDLocked(symbol, clientOrderID string) (*exchange.OrderState, bool) {
	for _, st := range g.orders {
		if st.ClientOrderID == clientOrderID && st.Symbol == symbol {
			return st, true
		}
	}
	return nil, false
}

func (g *Gateway) CancelByClientID(_ context.Context, symbol, clientOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "CancelByClientID", Req: exchange.OrderRequest{Symbol: symbol, ClientOrderID: clientOrderID}})
	if err := g.failure("CancelByClientID"); err != nil {
		return err
	}
	st, ok := g.byClientIDLocked(symbol, clientOrderID)
	if !ok || st.Status.Terminal() {
		return NotFound("fake.CancelByClientID")
	}
	st.Status = models.OrderCanceled
	st.UpdatedAt = g.now()
	return nil
}

func (g *Gateway) QueryByClientID(_ context.Context, symbol, clientOrderID string) (exchange.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "QueryByClientID", Req: exchange.OrderRequest{Symbol: symbol, ClientOrderID: clientOrderID}})
	if err := g.failure("QueryByClientID"); err != nil {
		return exchange.OrderState{}, err
	}
	st, ok := g.byClientIDLocked(symbol, clientOrderID)
	if !ok {
		return exchange.OrderState{}, NotFound("fake.QueryByClientID")
	}
	return *st, nil
}

func (g *Gateway) QueryOpenOrders(_ context.Context, symbol string) ([]exchange.OrderState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "QueryOpenOrders"})
	if err := g.failure("QueryOpenOrders"); err != nil {
		return nil, err
	}
	var out []exchange.OrderState
	for _, st := range g.orders {
		if st.Status.Terminal() || (symbol != "" && st.Symbol != symbol) {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (g *Gateway) QueryPositions(context.Context) ([]exchange.PositionState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "QueryPositions"})
	if err := g.failure("QueryPositions"); err != nil {
		return nil, err
	}
	out := make([]exchange.PositionState, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (g *Gateway) QuerySymbolRules(_ context.Context, symbol string) (models.PrecisionRule, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "QuerySymbolRules"})
	if err := g.failure("QuerySymbolRules"); err != nil {
		return models.PrecisionRule{}, err
	}
	r, ok := g.rules[symbol]
	if !ok {
		return models.PrecisionRule{}, &exchange.Error{Op: "fake.QuerySymbolRules", Kind: exchange.KindRejected, Msg: fmt.Sprintf("unknown symbol %s", symbol)}
	}
	r.FetchedAt = g.now()
	return r, nil
}

func (g *Gateway) QueryBalance(_ context.Context, asset string) (exchange.AccountBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "QueryBalance"})
	if err := g.failure("QueryBalance"); err != nil {
		return exchange.AccountBalance{}, err
	}
	return g.balances[strings.ToUpper(asset)], nil
}

func (g *Gateway) BookTicker(_ context.Context, symbol string) (models.BookTicker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(Call{Op: "BookTicker"})
	bt, ok := g.books[symbol]
	if !ok {
		return models.BookTicker{}, Transient("fake.BookTicker")
	}
	return bt, nil
}

// Inspection

func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Call(nil), g.calls...)
}

// Count returns how many calls of op were made.
func (g *Gateway) Count(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Placed returns accepted placement requests in order.
func (g *Gateway) Placed() []exchange.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.OrderRequest
	for _, c := range g.calls {
		if c.Op == "PlaceOrder" {
			out = append(out, c.Req)
		}
	}
	return out
}

func (g *Gateway) Order(orderID string) (exchange.OrderState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.orders[orderID]
	if !ok {
		return exchange.OrderState{}, false
	}
	return *st, true
}

// OpenOrders returns non-terminal orders sorted by id.
func (g *Gateway) OpenOrders() []exchange.OrderState {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.OrderState
	for _, st := range g.orders {
		if !st.Status.Terminal() {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}
