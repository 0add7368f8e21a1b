package models

import (
	"math"
	"time"
)

type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

type TrailingLevel string

const (
	TrailingOriginal     TrailingLevel = "ORIGINAL"
	TrailingTP1Breakeven TrailingLevel = "TP1_BREAKEVEN"
	TrailingTP3TP1       TrailingLevel = "TP3_TP1"
)

// Rank orders trailing levels; a level may only be replaced by one with a higher rank.
func (l TrailingLevel) Rank() int {
	switch l {
	case TrailingTP1Breakeven:
		return 1
	case TrailingTP3TP1:
		return 2
	default:
		return 0
	}
}

type Position struct {
	ID            int64
	AccountID     int64
	Symbol        string
	Side          Side
	Quantity      float64 // always positive, direction is in Side
	EntryPrice    float64
	CurrentPrice  float64
	Leverage      int
	MarginType    string
	TrailingLevel TrailingLevel
	RealizedPnL   float64
	UnrealizedPnL float64
	Status        PositionStatus
	SignalID      *int64
	OpenedAt      time.Time
	UpdatedAt     time.Time
	ClosedAt      *time.Time
}

// ResolveSide derives the position direction: recorded side, then the originating
// signal's side, then the sign of signedQty.
func ResolveSide(p Position, sig *Signal, signedQty float64) Side {
	if p.Side.Valid() {
		return p.Side
	}
	if sig != nil && sig.Side.Valid() {
		return sig.Side
	}
	return SideFromQuantity(signedQty)
}

// UnrealizedAt is the mark-to-market PnL of the position at price.
func (p Position) UnrealizedAt(price float64) float64 {
	if price <= 0 || p.EntryPrice <= 0 {
		return 0
	}
	diff := price - p.EntryPrice
	if p.Side == SideSell {
		diff = -diff
	}
	return diff * math.Abs(p.Quantity)
}
