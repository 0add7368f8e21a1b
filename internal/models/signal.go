package models

import (
	"strconv"
	"time"
)

type SignalStatus string

const (
	SignalPending         SignalStatus = "PENDING"
	SignalEntryInProgress SignalStatus = "ENTRY_IN_PROGRESS"
	SignalExecuted        SignalStatus = "EXECUTED"
	SignalError           SignalStatus = "ERROR"
	SignalCanceled        SignalStatus = "CANCELED"
)

const signalOriginTagPrefix = "s"

// Signal is a trading intent created outside the engine.
type Signal struct {
	ID              int64
	AccountID       int64
	Symbol          string
	Side            Side
	CapitalFraction float64 // 0.10 = 10% of the capital basis
	Leverage        int
	EntryPrice      float64
	Targets         []float64
	StopPrice       float64
	Status          SignalStatus
	PositionID      *int64
	ErrorReason     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OriginTag links exchange orders back to the signal that caused them.
func (s Signal) OriginTag() string {
	return OriginTagForSignal(s.ID)
}

func OriginTagForSignal(id int64) string {
	return signalOriginTagPrefix + strconv.FormatInt(id, 10)
}

// SignalIDFromOriginTag is the inverse of OriginTagForSignal.
func SignalIDFromOriginTag(tag string) (int64, bool) {
	if len(tag) < 2 || tag[:1] != signalOriginTagPrefix {
		return 0, false
	}
	id, err := strconv.ParseInt(tag[1:], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Target returns the n-th (1-based) target price or 0.
func (s Signal) Target(n int) float64 {
	if n < 1 || n > len(s.Targets) {
		return 0
	}
	return s.Targets[n-1]
}

// HasProtection reports whether the signal carries enough prices to build SL/TP orders.
func (s Signal) HasProtection() bool {
	return s.StopPrice > 0 && len(s.Targets) > 0
}
