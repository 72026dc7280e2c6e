package detector

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL DETECTOR - three-stage classification
// ═══════════════════════════════════════════════════════════════════════════════
//
// Stage 1: hard exclusion (status updates, recaps, broadcasts, commentary)
// Stage 2: component extraction (symbol + direction + trading data required)
// Stage 3: confidence scoring with high / medium / low grading
//
// Classification never returns an error: every rejection carries a reason.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Confidence grades
const (
	GradeHigh   = "high"
	GradeMedium = "medium"
	GradeLow    = "low"
)

// score contributions
const (
	scoreSymbol      = 4
	scoreDirection   = 3
	scoreEntry       = 3
	scoreTargets     = 2
	scoreStop        = 2
	scoreLeverage    = 1
	scoreMultiTarget = 1
	scoreManyPrices  = 1

	thresholdHigh   = 8
	thresholdMedium = 5
	thresholdLow    = 3
)

// Parsed is the typed signal extracted from a message.
type Parsed struct {
	Symbol string // normalized BASEUSDT
	Side   string // LONG / SHORT

	HasEntry      bool
	EntryInferred bool // entry taken from the first target
	Entry         PriceRange

	Targets          []decimal.Decimal
	StopLoss         decimal.NullDecimal
	DeclaredLeverage decimal.NullDecimal

	Confidence int
	Grade      string
}

// Result is the classification outcome for one message.
type Result struct {
	IsSignal bool
	Reason   string
	Parsed   *Parsed
}

func reject(reason string) Result {
	return Result{IsSignal: false, Reason: reason}
}

// Classify runs the full pipeline over one raw message text.
func Classify(text string) Result {
	trimmed := strings.TrimSpace(text)

	// Stage 1: hard exclusion
	if len([]rune(trimmed)) < 10 {
		return reject("too_short")
	}
	if name, hit := matchExclusion(trimmed); hit {
		return reject("excluded:" + name)
	}

	// Stage 2: component extraction
	symbol, hasSymbol := matchSymbol(trimmed)
	if !hasSymbol {
		return reject("missing_symbol")
	}
	side, hasSide := matchDirection(trimmed)
	if !hasSide {
		return reject("missing_direction")
	}

	entry, hasEntry := matchEntry(trimmed)
	targets := matchTargets(trimmed)
	stop, hasStop := matchStop(trimmed)
	if !hasEntry && len(targets) == 0 && !hasStop {
		return reject("missing_trading_data")
	}

	leverage, hasLeverage := matchLeverage(trimmed)

	// Stage 3: confidence scoring
	score := scoreSymbol + scoreDirection
	if hasEntry {
		score += scoreEntry
	}
	if len(targets) > 0 {
		score += scoreTargets
	}
	if hasStop {
		score += scoreStop
	}
	if hasLeverage {
		score += scoreLeverage
	}
	if len(targets) >= 2 {
		score += scoreMultiTarget
	}
	if countNumericTokens(trimmed) >= 3 {
		score += scoreManyPrices
	}

	grade := ""
	switch {
	case score >= thresholdHigh:
		grade = GradeHigh
	case score >= thresholdMedium:
		grade = GradeMedium
	case score >= thresholdLow:
		grade = GradeLow
	default:
		return reject("below_confidence")
	}

	parsed := &Parsed{
		Symbol:     symbol,
		Side:       side,
		HasEntry:   hasEntry,
		Entry:      entry,
		Targets:    targets,
		Confidence: score,
		Grade:      grade,
	}
	if hasStop {
		parsed.StopLoss = decimal.NullDecimal{Decimal: stop, Valid: true}
	}
	if hasLeverage {
		parsed.DeclaredLeverage = decimal.NullDecimal{Decimal: leverage, Valid: true}
	}

	parsed.normalize()
	return Result{IsSignal: true, Parsed: parsed}
}

// normalize fills the entry from the ladder when no entry clause was
// given and orders targets in the trade direction.
func (p *Parsed) normalize() {
	if !p.HasEntry && len(p.Targets) > 0 {
		first := p.Targets[0]
		p.Entry = PriceRange{Low: first, High: first, Mid: first}
		p.EntryInferred = true
	}

	if len(p.Targets) > 1 {
		sort.Slice(p.Targets, func(i, j int) bool {
			if p.Side == "LONG" {
				return p.Targets[i].LessThan(p.Targets[j])
			}
			return p.Targets[i].GreaterThan(p.Targets[j])
		})
	}
}
