package models

import "time"

// AccountUpdate mirrors the exchange ACCOUNT_UPDATE push event.
type AccountUpdate struct {
	AccountID int64
	EventTime int64 // ms
	Reason    string
	Balances  []BalanceUpdate
	Positions []PositionUpdate
}

type BalanceUpdate struct {
	Asset         string
	WalletBalance float64
	CrossWallet   float64
}

type PositionUpdate struct {
	Symbol        string
	Amount        float64 // signed
	EntryPrice    float64
	RealizedPnL   float64
	UnrealizedPnL float64
	MarginType    string
}

// OrderUpdate mirrors the exchange ORDER_TRADE_UPDATE push event.
type OrderUpdate struct {
	AccountID       int64
	EventTime       int64
	Symbol          string
	OrderID         string
	ClientOrderID   string
	Side            Side
	Type            OrderType
	Status          OrderStatus
	OrigQty         float64
	Price           float64
	StopPrice       float64
	AvgPrice        float64
	LastFilledQty   float64
	LastFilledPrice float64
	CumFilledQty    float64
	ReduceOnly      bool
	ClosePosition   bool
	RealizedPnL     float64
	TradeTime       int64
}

type FillSource string

const (
	FillSourcePush FillSource = "push"
	FillSourcePoll FillSource = "poll"
)

// FillObservation is one sighting of an order's cumulative fill state, from either source.
type FillObservation struct {
	AccountID int64
	Symbol    string
	OrderID   string
	Status    OrderStatus
	CumQty    float64
	AvgPrice  float64
	Source    FillSource
	At        time.Time
}
