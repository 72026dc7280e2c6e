package entry

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIZING & CLASSIFICATION
// ═══════════════════════════════════════════════════════════════════════════════
//
// Risk-based sizing: the distance to the stop decides the notional, the
// notional over the planned margin decides the leverage, and the leverage
// decides the SWING / DYNAMIC class. Signals without a stop take the FAST
// path: synthetic 2% stop, fixed 10x.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Signal classes
const (
	TypeSwing   = "SWING"
	TypeDynamic = "DYNAMIC"
	TypeFast    = "FAST"
)

var (
	two          = decimal.NewFromInt(2)
	fastStopPct  = decimal.RequireFromString("0.02")
	fastLeverage = decimal.RequireFromString("10.00")
	swingUpper   = decimal.RequireFromString("6.00")
	dynamicLower = decimal.RequireFromString("7.50")
	snapBoundary = decimal.RequireFromString("6.75")
)

// SizingInput carries everything the sizing formula reads.
type SizingInput struct {
	Balance       decimal.Decimal
	RiskPerTrade  decimal.Decimal
	InitialMargin decimal.Decimal
	Entry         decimal.Decimal
	Side          string // LONG / SHORT
	StopLoss      decimal.NullDecimal
	MinLeverage   decimal.Decimal
	MaxLeverage   decimal.Decimal
}

// SizingResult is the computed plan for one entry.
type SizingResult struct {
	StopLoss     decimal.Decimal
	Leverage     decimal.Decimal // two decimals
	Notional     decimal.Decimal
	Qty          decimal.Decimal // pre-quantization
	SignalType   string
	FastFallback bool
}

// ComputeSizing derives stop, leverage, quantity and class for a signal.
func ComputeSizing(in SizingInput) (SizingResult, error) {
	if in.Entry.IsZero() {
		return SizingResult{}, fmt.Errorf("entry price is zero")
	}

	if !in.StopLoss.Valid || in.StopLoss.Decimal.IsZero() {
		return fastFallback(in), nil
	}

	stop := in.StopLoss.Decimal
	delta := in.Entry.Sub(stop).Abs().Div(in.Entry)
	if delta.IsZero() {
		return SizingResult{}, fmt.Errorf("stop equals entry")
	}

	notional := in.RiskPerTrade.Mul(in.Balance).Div(delta)
	rawLeverage := notional.Div(in.InitialMargin)

	leverage := rawLeverage
	if leverage.LessThan(in.MinLeverage) {
		leverage = in.MinLeverage
	}
	if leverage.GreaterThan(in.MaxLeverage) {
		leverage = in.MaxLeverage
	}
	leverage = leverage.Round(2)

	qty := in.InitialMargin.Mul(leverage).Div(in.Entry)

	return SizingResult{
		StopLoss:   stop,
		Leverage:   leverage,
		Notional:   notional,
		Qty:        qty,
		SignalType: classify(leverage),
	}, nil
}

// fastFallback synthesizes the stop 2% from entry and pins leverage at 10x.
func fastFallback(in SizingInput) SizingResult {
	var stop decimal.Decimal
	if in.Side == "SHORT" {
		stop = in.Entry.Mul(decimal.NewFromInt(1).Add(fastStopPct))
	} else {
		stop = in.Entry.Mul(decimal.NewFromInt(1).Sub(fastStopPct))
	}

	qty := in.InitialMargin.Mul(fastLeverage).Div(in.Entry)

	return SizingResult{
		StopLoss:     stop,
		Leverage:     fastLeverage,
		Notional:     in.InitialMargin.Mul(fastLeverage),
		Qty:          qty,
		SignalType:   TypeFast,
		FastFallback: true,
	}
}

// classify maps a leverage to its class. Values between the SWING ceiling
// and the DYNAMIC floor snap to the nearer class; the exact midpoint 6.75
// counts as SWING.
func classify(leverage decimal.Decimal) string {
	switch {
	case leverage.LessThanOrEqual(swingUpper):
		return TypeSwing
	case leverage.GreaterThanOrEqual(dynamicLower):
		return TypeDynamic
	case leverage.LessThanOrEqual(snapBoundary):
		return TypeSwing
	default:
		return TypeDynamic
	}
}
