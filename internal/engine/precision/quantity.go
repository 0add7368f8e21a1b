package precision

import (
	"fmt"

	"order_engine/internal/helper"
	"order_engine/internal/models"

	"github.com/shopspring/decimal"
)

// ValidationError reports a quantity the exchange would refuse. Suggested is the
// closest acceptable quantity when one exists.
type ValidationError struct {
	Symbol    string
	Reason    string
	Requested float64
	Suggested float64
}

func (e *ValidationError) Error() string {
	if e.Suggested > 0 {
		return fmt.Sprintf("%s: %s (requested %g, suggested %g)", e.Symbol, e.Reason, e.Requested, e.Suggested)
	}
	return fmt.Sprintf("%s: %s (requested %g)", e.Symbol, e.Reason, e.Requested)
}

// TargetQuantity = floor-to-step(basis × fraction × leverage / price).
func TargetQuantity(basis, fraction float64, leverage int, price float64, rule models.PrecisionRule) float64 {
	if basis <= 0 || fraction <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	raw := decimal.NewFromFloat(basis).
		Mul(decimal.NewFromFloat(fraction)).
		Mul(decimal.NewFromInt(int64(leverage))).
		Div(decimal.NewFromFloat(price))
	return helper.FloorToStep(raw.InexactFloat64(), rule.StepSize)
}

// ValidateQuantity floors qty to the step, lifts it to satisfy min quantity and
// min notional, and fails when the result breaks max quantity or exceeds
// maxNotional (0 disables that check).
func ValidateQuantity(rule models.PrecisionRule, qty, price, maxNotional float64) (float64, error) {
	verr := func(reason string, suggested float64) error {
		return &ValidationError{Symbol: rule.Symbol, Reason: reason, Requested: qty, Suggested: suggested}
	}
	if price <= 0 {
		return 0, verr("reference price is not positive", 0)
	}

	q := decimal.NewFromFloat(helper.FloorToStep(qty, rule.StepSize))
	p := decimal.NewFromFloat(price)

	if rule.MinQty > 0 && q.LessThan(decimal.NewFromFloat(rule.MinQty)) {
		q = decimal.NewFromFloat(helper.CeilToStep(rule.MinQty, rule.StepSize))
	}
	if rule.MinNotional > 0 && q.Mul(p).LessThan(decimal.NewFromFloat(rule.MinNotional)) {
		need := decimal.NewFromFloat(rule.MinNotional).Div(p).InexactFloat64()
		q = decimal.NewFromFloat(helper.CeilToStep(need, rule.StepSize))
	}
	if !q.IsPositive() {
		return 0, verr("quantity rounds to zero", 0)
	}

	if rule.MaxQty > 0 && q.GreaterThan(decimal.NewFromFloat(rule.MaxQty)) {
		maxQ := helper.FloorToStep(rule.MaxQty, rule.StepSize)
		if qty <= rule.MaxQty {
			return 0, verr("minimum acceptable quantity exceeds max quantity", 0)
		}
		return 0, verr("quantity above max quantity", maxQ)
	}
	if maxNotional > 0 && q.Mul(p).GreaterThan(decimal.NewFromFloat(maxNotional)) {
		return 0, verr("minimum acceptable quantity exceeds available notional", q.InexactFloat64())
	}
	return q.InexactFloat64(), nil
}
