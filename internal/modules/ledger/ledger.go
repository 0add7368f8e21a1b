// Package ledger is the durable record of signals, positions, orders and
// balances. Two drivers exist: Postgres for production and an in-memory one
// for dry runs and tests.
package ledger

import (
	"context"
	"errors"
	"time"

	"order_engine/internal/models"
)

var ErrNotFound = errors.New("ledger: not found")

// Signal error reasons are stored in a VARCHAR(255) column.
const maxReasonLen = 255

type ApplyResult int

const (
	ApplyIgnored ApplyResult = iota // stale or duplicate, nothing written
	ApplyInserted
	ApplyUpdated
	ApplyArchived // moved (or written directly) to order history
)

func (r ApplyResult) String() string {
	switch r {
	case ApplyInserted:
		return "inserted"
	case ApplyUpdated:
		return "updated"
	case ApplyArchived:
		return "archived"
	default:
		return "ignored"
	}
}

type Ledger interface {
	// RunInTx runs fn atomically. Ledger calls made with the ctx passed to fn
	// join the transaction; nested RunInTx calls reuse it.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error

	InsertSignal(ctx context.Context, s models.Signal) (models.Signal, error)
	GetSignal(ctx context.Context, id int64) (models.Signal, error)
	ListSignals(ctx context.Context, accountID int64, status models.SignalStatus, limit int) ([]models.Signal, error)
	UpdateSignalStatus(ctx context.Context, id int64, status models.SignalStatus, reason string) error
	// LinkSignalPosition sets signal.position_id and position.signal_id together.
	LinkSignalPosition(ctx context.Context, signalID, positionID int64) error
	ListExecutedUnlinked(ctx context.Context, accountID int64) ([]models.Signal, error)

	GetOpenPosition(ctx context.Context, accountID int64, symbol string) (models.Position, error)
	ListOpenPositions(ctx context.Context, accountID int64) ([]models.Position, error)
	// UpsertOpenPosition creates the live position for (account, symbol) or
	// refreshes its size, entry and side. Trailing level, open time and an
	// existing signal link are preserved.
	UpsertOpenPosition(ctx context.Context, p models.Position) (models.Position, error)
	UpdatePositionMark(ctx context.Context, id int64, price, unrealized float64) error
	// AdvanceTrailingLevel writes level only when it ranks above the stored one.
	AdvanceTrailingLevel(ctx context.Context, id int64, level models.TrailingLevel) (bool, error)
	// ClosePosition moves the live position to history. closed is false when
	// there was no live position to close.
	ClosePosition(ctx context.Context, accountID int64, symbol string, realizedPnL float64, at time.Time) (p models.Position, closed bool, err error)
	// LastClosedPosition returns the most recently closed position for symbol.
	LastClosedPosition(ctx context.Context, accountID int64, symbol string) (models.Position, error)

	// ApplyOrder records an observed order state with forward-only semantics.
	// Terminal states go to history; rows already in history are never revived.
	ApplyOrder(ctx context.Context, o models.Order) (ApplyResult, error)
	ListLiveOrders(ctx context.Context, accountID int64, symbol string) ([]models.Order, error)
	FindLiveOrder(ctx context.Context, accountID int64, originTag string, role models.OrderRole) (models.Order, error)
	// ArchiveOrder forces a live order into history with a terminal status.
	ArchiveOrder(ctx context.Context, accountID int64, symbol, externalID string, status models.OrderStatus) error

	GetBalance(ctx context.Context, accountID int64, asset string) (models.Balance, error)
	// UpsertBalance stores wallet and available; CalcBase never decreases.
	UpsertBalance(ctx context.Context, b models.Balance) (models.Balance, error)
}

// mergeOrder carries identifying fields from the stored row into an update
// that lacks them (poll results have no role, pushes may lack the position).
func mergeOrder(next, prev models.Order) models.Order {
	next.ID = prev.ID
	if next.ClientOrderID == "" {
		next.ClientOrderID = prev.ClientOrderID
	}
	if next.Role == "" || (next.Role == models.RoleExternal && prev.Role != "") {
		next.Role = prev.Role
	}
	if next.OriginTag == "" {
		next.OriginTag = prev.OriginTag
	}
	if next.PositionID == nil {
		next.PositionID = prev.PositionID
	}
	if next.Quantity == 0 {
		next.Quantity = prev.Quantity
	}
	if next.Type == "" {
		next.Type = prev.Type
	}
	if next.Side == "" {
		next.Side = prev.Side
	}
	if next.AvgPrice == 0 {
		next.AvgPrice = prev.AvgPrice
	}
	next.CreatedAt = prev.CreatedAt
	return next
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
