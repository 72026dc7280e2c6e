package detector

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestClassifyAcceptsFullSignal(t *testing.T) {
	text := "#GUN/USDT LONG Entry zone 0.02350 - 0.02320 Targets: 0.02375, 0.02400 Stop loss 0.02234"
	res := Classify(text)

	if !res.IsSignal {
		t.Fatalf("rejected: %s", res.Reason)
	}
	p := res.Parsed
	if p.Symbol != "GUNUSDT" {
		t.Errorf("symbol = %q", p.Symbol)
	}
	if p.Side != "LONG" {
		t.Errorf("side = %q", p.Side)
	}
	if !p.Entry.Mid.Equal(d("0.02335")) {
		t.Errorf("entry mid = %s, want 0.02335", p.Entry.Mid)
	}
	if !p.Entry.Low.Equal(d("0.02320")) || !p.Entry.High.Equal(d("0.02350")) {
		t.Errorf("entry range = %s..%s", p.Entry.Low, p.Entry.High)
	}
	if len(p.Targets) != 2 || !p.Targets[0].Equal(d("0.02375")) || !p.Targets[1].Equal(d("0.02400")) {
		t.Errorf("targets = %v", p.Targets)
	}
	if !p.StopLoss.Valid || !p.StopLoss.Decimal.Equal(d("0.02234")) {
		t.Errorf("stop loss = %+v", p.StopLoss)
	}
	if p.Grade != GradeHigh {
		t.Errorf("grade = %q (score %d)", p.Grade, p.Confidence)
	}
}

func TestClassifyInfersEntryWhenMissing(t *testing.T) {
	text := "#FHE LONG SETUP Target 1: 0.04160 Target 2: 0.04210"
	res := Classify(text)

	if !res.IsSignal {
		t.Fatalf("rejected: %s", res.Reason)
	}
	p := res.Parsed
	if p.Symbol != "FHEUSDT" || p.Side != "LONG" {
		t.Errorf("parsed %q %q", p.Symbol, p.Side)
	}
	if p.StopLoss.Valid {
		t.Error("no stop loss in text, got one")
	}
	if !p.EntryInferred || !p.Entry.Mid.Equal(d("0.04160")) {
		t.Errorf("entry not inferred from first target: %+v", p.Entry)
	}
	if len(p.Targets) != 2 {
		t.Errorf("targets = %v", p.Targets)
	}
}

func TestClassifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"status update", "#PARTI/USDT All entry targets achieved", "excluded:targets_achieved"},
		{"tp recap", "#BTC/USDT TP1 ✅ running to TP2", "excluded:tp_tick"},
		{"profit recap", "Profit: 12.5% Period: 3 days on the last batch", "excluded:profit_recap"},
		{"broadcast", "NEWS: exchange maintenance window tonight", "excluded:broadcast_prefix"},
		{"system notice", "We pushed a bug fix for the tracker today", "excluded:system_notice"},
		{"first person chatter", "I've decided to take a break from posting", "excluded:first_person"},
		{"too short", "gm all", "too_short"},
		{"no symbol", "LONG Entry 42000 Stop loss 40000", "missing_symbol"},
		{"no direction", "#BTCUSDT Entry zone 42000 - 41000", "missing_direction"},
		{"no trading data", "#BTCUSDT LONG looking strong today lads", "missing_trading_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(tt.text)
			if res.IsSignal {
				t.Fatalf("accepted, want rejection %q", tt.reason)
			}
			if res.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", res.Reason, tt.reason)
			}
		})
	}
}

func TestClassifyFirstPersonWithCallPasses(t *testing.T) {
	res := Classify("I'm opening #BTCUSDT LONG Entry 42000 Stop loss 40000")
	if !res.IsSignal {
		t.Fatalf("commentary carrying a call rejected: %s", res.Reason)
	}
	if res.Parsed.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", res.Parsed.Symbol)
	}
}

func TestClassifyShortWithSellAlias(t *testing.T) {
	res := Classify("ETH/USDT SELL Entry 2600 Targets: 2550, 2500 SL: 2700")
	if !res.IsSignal {
		t.Fatalf("rejected: %s", res.Reason)
	}
	p := res.Parsed
	if p.Side != "SHORT" {
		t.Errorf("SELL should map to SHORT, got %q", p.Side)
	}
	// Targets ordered in the trade direction for shorts.
	if !p.Targets[0].Equal(d("2550")) || !p.Targets[1].Equal(d("2500")) {
		t.Errorf("short targets not descending: %v", p.Targets)
	}
	if !p.StopLoss.Valid || !p.StopLoss.Decimal.Equal(d("2700")) {
		t.Errorf("stop loss = %+v", p.StopLoss)
	}
}

func TestClassifyPercentStopIsNotAbsolute(t *testing.T) {
	res := Classify("#SOLUSDT LONG Entry 150 SL: 2%")
	if !res.IsSignal {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if res.Parsed.StopLoss.Valid {
		t.Error("percent stop should leave the absolute stop unset")
	}
}

func TestClassifyDeclaredLeverage(t *testing.T) {
	res := Classify("#DOGEUSDT LONG Entry 0.40 Leverage: 20x Stop loss 0.38")
	if !res.IsSignal {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if !res.Parsed.DeclaredLeverage.Valid || !res.Parsed.DeclaredLeverage.Decimal.Equal(d("20")) {
		t.Errorf("leverage = %+v", res.Parsed.DeclaredLeverage)
	}
}

func TestParsePriceClause(t *testing.T) {
	tests := []struct {
		in        string
		ok        bool
		low, high string
		mid       string
	}{
		{"0.02350 - 0.02320", true, "0.02320", "0.02350", "0.02335"},
		{"(42000-41000)", true, "41000", "42000", "41500"},
		{"$1.25", true, "1.25", "1.25", "1.25"},
		{"0.5", true, "0.5", "0.5", "0.5"},
		{"soon", false, "", "", ""},
	}
	for _, tt := range tests {
		pr, ok := ParsePriceClause(tt.in)
		if ok != tt.ok {
			t.Errorf("ParsePriceClause(%q) ok = %v", tt.in, ok)
			continue
		}
		if !ok {
			continue
		}
		if !pr.Low.Equal(d(tt.low)) || !pr.High.Equal(d(tt.high)) || !pr.Mid.Equal(d(tt.mid)) {
			t.Errorf("ParsePriceClause(%q) = %s..%s mid %s", tt.in, pr.Low, pr.High, pr.Mid)
		}
	}
}
