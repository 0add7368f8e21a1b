package models

import (
	"fmt"
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	default:
		return false
	}
}

// Rank is used to keep status transitions forward-only.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderNew:
		return 1
	case OrderPartiallyFilled:
		return 2
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return 3
	default:
		return 0
	}
}

func ParseOrderStatus(s string) OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return OrderNew
	case "PARTIALLY_FILLED":
		return OrderPartiallyFilled
	case "FILLED":
		return OrderFilled
	case "CANCELED", "CANCELLED":
		return OrderCanceled
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return OrderExpired
	case "REJECTED":
		return OrderRejected
	default:
		return ""
	}
}

type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

type OrderRole string

const (
	RoleEntry       OrderRole = "ENTRY"
	RoleEntryMarket OrderRole = "ENTRY_MARKET"
	RoleStopLoss    OrderRole = "STOP_LOSS"
	RoleTakeProfit  OrderRole = "TAKE_PROFIT"
	RoleExternal    OrderRole = "EXTERNAL"
)

const rolePartialReducePrefix = "PARTIAL_REDUCE_"

// PartialReduceRole returns the role of the n-th (1-based) take-profit ladder leg.
func PartialReduceRole(n int) OrderRole {
	return OrderRole(fmt.Sprintf("%s%d", rolePartialReducePrefix, n))
}

// Protective reports whether orders of this role protect an open position.
func (r OrderRole) Protective() bool {
	return r == RoleStopLoss || r == RoleTakeProfit || strings.HasPrefix(string(r), rolePartialReducePrefix)
}

type Order struct {
	ID            int64
	AccountID     int64
	ExternalID    string
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Role          OrderRole
	Quantity      float64
	Price         float64
	StopPrice     float64
	ExecutedQty   float64
	AvgPrice      float64
	Status        OrderStatus
	ReduceOnly    bool
	ClosePosition bool
	OriginTag     string
	PositionID    *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Supersedes reports whether o carries newer information than prev about the same order.
func (o Order) Supersedes(prev Order) bool {
	if o.Status.Rank() < prev.Status.Rank() {
		return false
	}
	if o.ExecutedQty < prev.ExecutedQty {
		return false
	}
	return o.Status.Rank() > prev.Status.Rank() || o.ExecutedQty > prev.ExecutedQty ||
		o.AvgPrice != prev.AvgPrice
}
