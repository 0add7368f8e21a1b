package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"order_engine/internal/helper"
	"order_engine/internal/models"
)

type memTxKey struct{}

type orderKey struct {
	accountID  int64
	symbol     string
	externalID string
}

type posKey struct {
	accountID int64
	symbol    string
}

type balKey struct {
	accountID int64
	asset     string
}

type memState struct {
	signals      map[int64]models.Signal
	positions    map[posKey]models.Position
	posHistory   []models.Position
	orders       map[orderKey]models.Order
	orderHistory map[orderKey]models.Order
	balances     map[balKey]models.Balance
	nextID       int64
}

func (s *memState) clone() *memState {
	c := &memState{
		signals:      make(map[int64]models.Signal, len(s.signals)),
		positions:    make(map[posKey]models.Position, len(s.positions)),
		posHistory:   append([]models.Position(nil), s.posHistory...),
		orders:       make(map[orderKey]models.Order, len(s.orders)),
		orderHistory: make(map[orderKey]models.Order, len(s.orderHistory)),
		balances:     make(map[balKey]models.Balance, len(s.balances)),
		nextID:       s.nextID,
	}
	for k, v := range s.signals {
		v.Targets = append([]float64(nil), v.Targets...)
		c.signals[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.orderHistory {
		c.orderHistory[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

// Memory is a process-local Ledger. Transactions are serialized and roll back
// by restoring a snapshot.
type Memory struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   *memState
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		st: &memState{
			signals:      make(map[int64]models.Signal),
			positions:    make(map[posKey]models.Position),
			orders:       make(map[orderKey]models.Order),
			orderHistory: make(map[orderKey]models.Order),
			balances:     make(map[balKey]models.Balance),
		},
		now: time.Now,
	}
}

func (m *Memory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.st.clone()
	m.mu.Unlock()

	err := fn(context.WithValue(ctx, memTxKey{}, true))
	if err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
	}
	return err
}

func (m *Memory) id() int64 {
	m.st.nextID++
	return m.st.nextID
}

// Signals

func (m *Memory) InsertSignal(_ context.Context, s models.Signal) (models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		s.ID = m.id()
	} else if s.ID > m.st.nextID {
		m.st.nextID = s.ID
	}
	if s.Status == "" {
		s.Status = models.SignalPending
	}
	s.Symbol = helper.NormSymbol(s.Symbol)
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.Targets = append([]float64(nil), s.Targets...)
	m.st.signals[s.ID] = s
	return s, nil
}

func (m *Memory) GetSignal(_ context.Context, id int64) (models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.signals[id]
	if !ok {
		return models.Signal{}, fmt.Errorf("signal %d: %w", id, ErrNotFound)
	}
	s.Targets = append([]float64(nil), s.Targets...)
	return s, nil
}

func (m *Memory) ListSignals(_ context.Context, accountID int64, status models.SignalStatus, limit int) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Signal
	for _, s := range m.st.signals {
		if s.AccountID == accountID && (status == "" || s.Status == status) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateSignalStatus(_ context.Context, id int64, status models.SignalStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.signals[id]
	if !ok {
		return fmt.Errorf("signal %d: %w", id, ErrNotFound)
	}
	s.Status = status
	s.ErrorReason = helper.Truncate(reason, maxReasonLen)
	s.UpdatedAt = m.now()
	m.st.signals[id] = s
	return nil
}

func (m *Memory) LinkSignalPosition(_ context.Context, signalID, positionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.st.signals[signalID]
	if !ok {
		return fmt.Errorf("signal %d: %w", signalID, ErrNotFound)
	}
	for k, p := range m.st.positions {
		if p.ID != positionID {
			continue
		}
		sid := signalID
		p.SignalID = &sid
		m.st.positions[k] = p

		pid := positionID
		s.PositionID = &pid
		s.UpdatedAt = m.now()
		m.st.signals[signalID] = s
		return nil
	}
	return fmt.Errorf("position %d: %w", positionID, ErrNotFound)
}

func (m *Memory) ListExecutedUnlinked(_ context.Context, accountID int64) ([]models.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Signal
	for _, s := range m.st.signals {
		if s.AccountID == accountID && s.Status == models.SignalExecuted && s.PositionID == nil {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Positions

func (m *Memory) GetOpenPosition(_ context.Context, accountID int64, symbol string) (models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.positions[posKey{accountID, helper.NormSymbol(symbol)}]
	if !ok {
		return models.Position{}, fmt.Errorf("position %d/%s: %w", accountID, symbol, ErrNotFound)
	}
	return p, nil
}

func (m *Memory) ListOpenPositions(_ context.Context, accountID int64) ([]models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for k, p := range m.st.positions {
		if k.accountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertOpenPosition(_ context.Context, p models.Position) (models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Symbol = helper.NormSymbol(p.Symbol)
	k := posKey{p.AccountID, p.Symbol}
	now := m.now()

	prev, ok := m.st.positions[k]
	if !ok {
		p.ID = m.id()
		p.Status = models.PositionOpen
		if p.TrailingLevel == "" {
			p.TrailingLevel = models.TrailingOriginal
		}
		if p.OpenedAt.IsZero() {
			p.OpenedAt = now
		}
		p.UpdatedAt = now
		m.st.positions[k] = p
		return p, nil
	}

	prev.Side = p.Side
	prev.Quantity = p.Quantity
	if p.EntryPrice > 0 {
		prev.EntryPrice = p.EntryPrice
	}
	if p.CurrentPrice > 0 {
		prev.CurrentPrice = p.CurrentPrice
	}
	if p.Leverage > 0 {
		prev.Leverage = p.Leverage
	}
	if p.MarginType != "" {
		prev.MarginType = p.MarginType
	}
	prev.UnrealizedPnL = p.UnrealizedPnL
	if prev.SignalID == nil && p.SignalID != nil {
		prev.SignalID = p.SignalID
	}
	prev.UpdatedAt = now
	m.st.positions[k] = prev
	return prev, nil
}

func (m *Memory) findPosition(id int64) (posKey, models.Position, bool) {
	for k, p := range m.st.positions {
		if p.ID == id {
			return k, p, true
		}
	}
	return posKey{}, models.Position{}, false
}

func (m *Memory) UpdatePositionMark(_ context.Context, id int64, price, unrealized float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, p, ok := m.findPosition(id)
	if !ok {
		return fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = unrealized
	p.UpdatedAt = m.now()
	m.st.positions[k] = p
	return nil
}

func (m *Memory) AdvanceTrailingLevel(_ context.Context, id int64, level models.TrailingLevel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, p, ok := m.findPosition(id)
	if !ok {
		return false, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	if level.Rank() <= p.TrailingLevel.Rank() {
		return false, nil
	}
	p.TrailingLevel = level
	p.UpdatedAt = m.now()
	m.st.positions[k] = p
	return true, nil
}

func (m *Memory) ClosePosition(_ context.Context, accountID int64, symbol string, realizedPnL float64, at time.Time) (models.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := posKey{accountID, helper.NormSymbol(symbol)}
	p, ok := m.st.positions[k]
	if !ok {
		return models.Position{}, false, nil
	}
	delete(m.st.positions, k)

	p.Status = models.PositionClosed
	p.RealizedPnL = realizedPnL
	p.UnrealizedPnL = 0
	p.ClosedAt = &at
	p.UpdatedAt = at
	m.st.posHistory = append(m.st.posHistory, p)
	return p, true, nil
}

func (m *Memory) LastClosedPosition(_ context.Context, accountID int64, symbol string) (models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = helper.NormSymbol(symbol)
	var (
		last  models.Position
		found bool
	)
	for _, p := range m.st.posHistory {
		if p.AccountID != accountID || p.Symbol != symbol || p.ClosedAt == nil {
			continue
		}
		if !found || p.ClosedAt.After(*last.ClosedAt) {
			last, found = p, true
		}
	}
	if !found {
		return models.Position{}, fmt.Errorf("closed position %d/%s: %w", accountID, symbol, ErrNotFound)
	}
	return last, nil
}

// ClosedPositions returns the position history, oldest first.
func (m *Memory) ClosedPositions(accountID int64) []models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Position
	for _, p := range m.st.posHistory {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out
}

// Orders

func (m *Memory) ApplyOrder(_ context.Context, o models.Order) (ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Symbol = helper.NormSymbol(o.Symbol)
	k := orderKey{o.AccountID, o.Symbol, o.ExternalID}
	now := m.now()

	if _, archived := m.st.orderHistory[k]; archived {
		return ApplyIgnored, nil
	}

	prev, live := m.st.orders[k]
	if live {
		o = mergeOrder(o, prev)
		if !o.Supersedes(prev) {
			return ApplyIgnored, nil
		}
	} else {
		o.ID = m.id()
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
	}
	o.UpdatedAt = now

	if o.Status.Terminal() {
		delete(m.st.orders, k)
		m.st.orderHistory[k] = o
		return ApplyArchived, nil
	}
	m.st.orders[k] = o
	if live {
		return ApplyUpdated, nil
	}
	return ApplyInserted, nil
}

func (m *Memory) ListLiveOrders(_ context.Context, accountID int64, symbol string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	symbol = helper.NormSymbol(symbol)
	var out []models.Order
	for k, o := range m.st.orders {
		if k.accountID == accountID && (symbol == "" || k.symbol == symbol) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) FindLiveOrder(_ context.Context, accountID int64, originTag string, role models.OrderRole) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, o := range m.st.orders {
		if k.accountID == accountID && o.OriginTag == originTag && o.Role == role {
			return o, nil
		}
	}
	return models.Order{}, fmt.Errorf("order %s/%s: %w", originTag, role, ErrNotFound)
}

func (m *Memory) ArchiveOrder(_ context.Context, accountID int64, symbol, externalID string, status models.OrderStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("archive with non-terminal status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := orderKey{accountID, helper.NormSymbol(symbol), externalID}
	o, ok := m.st.orders[k]
	if !ok {
		return fmt.Errorf("order %s: %w", externalID, ErrNotFound)
	}
	delete(m.st.orders, k)
	o.Status = status
	o.UpdatedAt = m.now()
	m.st.orderHistory[k] = o
	return nil
}

// ArchivedOrder looks up an order in history.
func (m *Memory) ArchivedOrder(accountID int64, symbol, externalID string) (models.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.st.orderHistory[orderKey{accountID, helper.NormSymbol(symbol), externalID}]
	return o, ok
}

// Balances

func (m *Memory) GetBalance(_ context.Context, accountID int64, asset string) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.st.balances[balKey{accountID, strings.ToUpper(asset)}]
	if !ok {
		return models.Balance{}, fmt.Errorf("balance %d/%s: %w", accountID, asset, ErrNotFound)
	}
	return b, nil
}

func (m *Memory) UpsertBalance(_ context.Context, b models.Balance) (models.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Asset = strings.ToUpper(b.Asset)
	k := balKey{b.AccountID, b.Asset}
	b.CalcBase = maxFloat(b.CalcBase, b.Available)
	if prev, ok := m.st.balances[k]; ok {
		b.CalcBase = maxFloat(prev.CalcBase, b.CalcBase)
	}
	b.UpdatedAt = m.now()
	m.st.balances[k] = b
	return b, nil
}
