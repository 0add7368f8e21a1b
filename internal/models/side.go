package models

import "strings"

type Side string

const (
	SideNone Side = ""
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func ParseSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy
	case "SELL", "SHORT":
		return SideSell
	default:
		return SideNone
	}
}

// Opposite is the closing side of a position opened with s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideNone
	}
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// SideFromQuantity maps a signed position amount to a side.
func SideFromQuantity(qty float64) Side {
	switch {
	case qty > 0:
		return SideBuy
	case qty < 0:
		return SideSell
	default:
		return SideNone
	}
}

// Favorable reports whether price has reached target in the profitable direction for side.
func (s Side) Favorable(price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	switch s {
	case SideBuy:
		return price >= target
	case SideSell:
		return price <= target
	default:
		return false
	}
}
