// Package exchange describes what the engine needs from a futures exchange.
// Implementations live under internal/modules (binance) and in tests.
package exchange

import (
	"context"
	"time"

	"order_engine/internal/models"
)

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	// GTX is post-only: the exchange rejects the order instead of letting it take.
	GTX TimeInForce = "GTX"
)

type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Quantity      float64 // 0 when ClosePosition is set
	Price         float64
	StopPrice     float64
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
}

type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        models.OrderStatus
	ExecutedQty   float64
	AvgPrice      float64
	UpdatedAt     time.Time
}

// OrderState is an exchange-side snapshot of one order.
type OrderState struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Status        models.OrderStatus
	OrigQty       float64
	ExecutedQty   float64
	Price         float64
	AvgPrice      float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
	UpdatedAt     time.Time
}

// PositionState is an exchange-side snapshot of one open position. Quantity is signed.
type PositionState struct {
	Symbol        string
	Quantity      float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
	MarginType    string
}

type AccountBalance struct {
	Asset         string
	WalletBalance float64
	Available     float64
}

// Gateway is the authenticated request/response side of the exchange.
// All calls are safe to retry.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	QueryOrder(ctx context.Context, symbol, orderID string) (OrderState, error)
	// CancelByClientID and QueryByClientID address an order whose exchange id
	// was never seen, e.g. when the placement response was lost.
	CancelByClientID(ctx context.Context, symbol, clientOrderID string) error
	QueryByClientID(ctx context.Context, symbol, clientOrderID string) (OrderState, error)
	// QueryOpenOrders lists open orders; empty symbol means every symbol.
	QueryOpenOrders(ctx context.Context, symbol string) ([]OrderState, error)
	QueryPositions(ctx context.Context) ([]PositionState, error)
	QuerySymbolRules(ctx context.Context, symbol string) (models.PrecisionRule, error)
	QueryBalance(ctx context.Context, asset string) (AccountBalance, error)
	BookTicker(ctx context.Context, symbol string) (models.BookTicker, error)
}

// UserDataHandler receives decoded push events. Implementations must be safe for
// concurrent use and must tolerate duplicates.
type UserDataHandler interface {
	HandleAccountUpdate(ctx context.Context, ev models.AccountUpdate) error
	HandleOrderUpdate(ctx context.Context, ev models.OrderUpdate) error
}

// Streams is the push side of the exchange.
type Streams interface {
	// SubscribeUserData blocks, delivering events to h until ctx is done.
	SubscribeUserData(ctx context.Context, h UserDataHandler) error
	// SubscribeBook returns best bid/ask updates for symbol until ctx is done.
	SubscribeBook(ctx context.Context, symbol string) <-chan models.BookTicker
}
