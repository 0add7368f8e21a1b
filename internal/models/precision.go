package models

import "time"

// PrecisionRule is the exchange trading-rule snapshot for one symbol.
type PrecisionRule struct {
	Symbol            string
	QuantityPrecision int
	PricePrecision    int
	TickSize          float64
	StepSize          float64
	MinQty            float64
	MaxQty            float64
	MinNotional       float64
	FetchedAt         time.Time
}

type BookTicker struct {
	Symbol   string
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
	At       time.Time
}

func (b BookTicker) Valid() bool {
	return b.BidPrice > 0 && b.AskPrice > 0 && b.AskPrice >= b.BidPrice
}

func (b BookTicker) Mid() float64 {
	return (b.BidPrice + b.AskPrice) / 2
}

type Balance struct {
	AccountID     int64
	Asset         string
	WalletBalance float64
	Available     float64
	// CalcBase is the high-water mark of Available used for position sizing.
	CalcBase      float64
	UpdatedAt     time.Time
}
