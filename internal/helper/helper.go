package helper

import (
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// RoundDownToTick floors px to a multiple of tick.
func RoundDownToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(px).Div(t).Floor().Mul(t).InexactFloat64()
}

// RoundUpToTick ceils px to a multiple of tick.
func RoundUpToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(px).Div(t).Ceil().Mul(t).InexactFloat64()
}

// RoundToTick rounds px to the nearest multiple of tick.
func RoundToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	t := decimal.NewFromFloat(tick)
	return decimal.NewFromFloat(px).Div(t).Round(0).Mul(t).InexactFloat64()
}

func FloorToStep(qty, step float64) float64 { return RoundDownToTick(qty, step) }

func CeilToStep(qty, step float64) float64 { return RoundUpToTick(qty, step) }

// FormatByStep renders v with exactly as many decimals as step carries ("0.001" -> 3).
func FormatByStep(v, step float64) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.String()
	}
	places := -decimal.NewFromFloat(step).Exponent()
	if places < 0 {
		places = 0
	}
	return d.StringFixed(places)
}

// SameTick reports whether a and b are within half a tick of each other.
func SameTick(a, b, tick float64) bool {
	if tick <= 0 {
		return a == b
	}
	diff := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Abs()
	return diff.LessThan(decimal.NewFromFloat(tick).Div(decimal.NewFromInt(2)))
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func NormSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
