package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

// FormatSymbol converts a normalized BASEUSDT symbol to the wire form
// BASE-USDT. Already-formatted symbols pass through unchanged.
func FormatSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.Contains(s, "-") {
		return s
	}
	if base, ok := strings.CutSuffix(s, "USDT"); ok && base != "" {
		return base + "-USDT"
	}
	return s
}

// QuantizePrice snaps a price to the symbol's tick, rounding half up.
func QuantizePrice(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	steps := price.Div(tick).Round(0)
	return steps.Mul(tick)
}

// QuantizeQty floors a quantity to the symbol's step. Quantities never
// round up: over-asking risks rejections and margin overruns.
func QuantizeQty(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	steps := qty.Div(step).Floor()
	return steps.Mul(step)
}
