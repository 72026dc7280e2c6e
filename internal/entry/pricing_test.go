package entry

import (
	"testing"

	"github.com/web3guy0/sigpilot/internal/exchange"
)

func gunInfo() exchange.SymbolInfo {
	return exchange.SymbolInfo{
		Symbol:   "GUNUSDT",
		TickSize: d("0.00001"),
		QtyStep:  d("1"),
		MinQty:   d("1"),
	}
}

func TestPlanDualLimitStraddlesMid(t *testing.T) {
	plan, err := PlanDualLimit(d("0.02335"), d("7965"), d("0.001"), d("0.02360"), "LONG", gunInfo(), 50)
	if err != nil {
		t.Fatal(err)
	}

	// half-spread = 0.02335 * 0.001 = 0.00002335, quantized to the tick
	if !plan.P1.Equal(d("0.02333")) {
		t.Errorf("P1 = %s, want 0.02333", plan.P1)
	}
	if !plan.P2.Equal(d("0.02337")) {
		t.Errorf("P2 = %s, want 0.02337", plan.P2)
	}
	if !plan.Q1.Equal(d("3982")) || !plan.Q2.Equal(d("3983")) {
		t.Errorf("split = %s/%s, want 3982/3983", plan.Q1, plan.Q2)
	}
	if !plan.Q1.Add(plan.Q2).Equal(d("7965")) {
		t.Errorf("split loses quantity: %s", plan.Q1.Add(plan.Q2))
	}
}

func TestPlanDualLimitNudgesBelowLastPriceForLongs(t *testing.T) {
	// Last price sits inside the straddle: both orders must shift down.
	plan, err := PlanDualLimit(d("0.02335"), d("100"), d("0.001"), d("0.02336"), "LONG", gunInfo(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.P2.LessThan(d("0.02336")) {
		t.Errorf("P2 = %s still at or above last price", plan.P2)
	}
	if !plan.P1.LessThan(plan.P2) {
		t.Errorf("ordering broken: P1 %s, P2 %s", plan.P1, plan.P2)
	}
}

func TestPlanDualLimitNudgesAboveLastPriceForShorts(t *testing.T) {
	plan, err := PlanDualLimit(d("0.02335"), d("100"), d("0.001"), d("0.02334"), "SHORT", gunInfo(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.P1.GreaterThan(d("0.02334")) {
		t.Errorf("P1 = %s not above last price", plan.P1)
	}
}

func TestPlanDualLimitGivesUpAfterMaxShifts(t *testing.T) {
	// Last price far below the straddle: a long can never rest there.
	_, err := PlanDualLimit(d("0.02335"), d("100"), d("0.001"), d("0.02000"), "LONG", gunInfo(), 5)
	if err == nil {
		t.Fatal("expected shift budget exhaustion")
	}
}

func TestPlanDualLimitSingleOrderWhenTooSmallToSplit(t *testing.T) {
	info := gunInfo()
	info.MinQty = d("10")

	plan, err := PlanDualLimit(d("0.02335"), d("15"), d("0.001"), d("0.02360"), "LONG", info, 50)
	if err != nil {
		t.Fatal(err)
	}
	if !plan.Q2.IsZero() {
		t.Errorf("expected single-order plan, got Q2=%s", plan.Q2)
	}
	if !plan.Q1.Equal(d("15")) {
		t.Errorf("Q1 = %s, want full 15", plan.Q1)
	}
}

func TestMergeReplacementPricePreservesWeightedEntry(t *testing.T) {
	// Planned 10 at mid 100; 4 filled at 99.50. The remainder must rest
	// where the blended average still lands on the mid.
	mid, qty := d("100"), d("10")
	filledQty, fillPrice := d("4"), d("99.50")
	filledNotional := filledQty.Mul(fillPrice)
	qRem := qty.Sub(filledQty)

	pr := MergeReplacementPrice(mid, qty, filledNotional, qRem, d("0.01"))

	// (100*10 - 398) / 6 = 100.333...
	if !pr.Equal(d("100.33")) {
		t.Errorf("replacement price = %s, want 100.33", pr)
	}

	blended := filledNotional.Add(pr.Mul(qRem)).Div(qty)
	diff := blended.Sub(mid).Abs()
	if diff.GreaterThan(d("0.01")) {
		t.Errorf("blended entry %s drifts from mid by %s", blended, diff)
	}
}
