package entry

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/web3guy0/sigpilot/internal/exchange"
)

// DualLimitPlan is the pair of resting orders straddling the intended mid.
// Q2 of zero means the quantity was too small to split and a single order
// at P1 carries it all.
type DualLimitPlan struct {
	P1, P2 decimal.Decimal
	Q1, Q2 decimal.Decimal
}

// PlanDualLimit computes the two post-only limit prices and the quantity
// split. For longs both prices must rest below the last traded price, for
// shorts above; crossing prices are nudged outward tick by tick, bounded
// by maxShifts.
func PlanDualLimit(mid, qty, spreadPct, lastPrice decimal.Decimal, side string, info exchange.SymbolInfo, maxShifts int) (DualLimitPlan, error) {
	halfSpread := mid.Mul(spreadPct)
	p1 := exchange.QuantizePrice(mid.Sub(halfSpread), info.TickSize)
	p2 := exchange.QuantizePrice(mid.Add(halfSpread), info.TickSize)

	shifts := 0
	if side == "LONG" {
		for !p2.LessThan(lastPrice) {
			if shifts >= maxShifts {
				return DualLimitPlan{}, fmt.Errorf("cannot rest below last price %s after %d shifts", lastPrice, maxShifts)
			}
			p1 = p1.Sub(info.TickSize)
			p2 = p2.Sub(info.TickSize)
			shifts++
		}
	} else {
		for !p1.GreaterThan(lastPrice) {
			if shifts >= maxShifts {
				return DualLimitPlan{}, fmt.Errorf("cannot rest above last price %s after %d shifts", lastPrice, maxShifts)
			}
			p1 = p1.Add(info.TickSize)
			p2 = p2.Add(info.TickSize)
			shifts++
		}
	}

	q1 := exchange.QuantizeQty(qty.Div(two), info.QtyStep)
	q2 := qty.Sub(q1)
	if q1.LessThan(info.MinQty) {
		// Too small to split: one order carries the full quantity.
		q1 = qty
		q2 = decimal.Zero
	}

	return DualLimitPlan{P1: p1, P2: p2, Q1: q1, Q2: q2}, nil
}

// MergeReplacementPrice derives the repriced remainder after a first fill,
// preserving the volume-weighted intended entry:
//
//	pr = (mid*qty - filledNotional) / qRem
func MergeReplacementPrice(mid, qty, filledNotional, qRem, tick decimal.Decimal) decimal.Decimal {
	target := mid.Mul(qty).Sub(filledNotional).Div(qRem)
	return exchange.QuantizePrice(target, tick)
}
