package detector

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NAMED MATCHERS
// ═══════════════════════════════════════════════════════════════════════════════
//
// Each matcher inspects the raw text and yields an optional typed fragment.
// The scorer composes them; every rejection carries the matcher's name so
// misclassifications are diagnosable from telemetry alone.
//
// ═══════════════════════════════════════════════════════════════════════════════

// hard exclusion patterns, checked before anything else
var exclusionPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"targets_achieved", regexp.MustCompile(`(?i)all (entry |take[- ]?profit )?targets? achieved`)},
	{"target_tick", regexp.MustCompile(`(?i)target \d+ ✅`)},
	{"tp_tick", regexp.MustCompile(`(?i)tp\d* ✅`)},
	{"profit_recap", regexp.MustCompile(`(?i)profit:\s*[\d.]+%.*period:`)},
	{"achieved_emoji", regexp.MustCompile(`(?i)achieved (😎|✅|✔)`)},
	{"broadcast_prefix", regexp.MustCompile(`(?i)^(news|update|announcement|important|notice|maintenance)\s*:`)},
	{"system_notice", regexp.MustCompile(`(?i)system update|bug fix`)},
}

// first-person openings that mark commentary rather than a call
var firstPersonRe = regexp.MustCompile(`(?i)^\s*(i've|i am|i want|i decided|i'm)\b`)

var tradingKeywordRe = regexp.MustCompile(`(?i)\b(entry|entries|target|targets|tp\d*|stop|sl|stoploss|leverage)\b`)

// symbol forms, most specific first
var symbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`#([A-Z]{2,10})/USDT`),
	regexp.MustCompile(`#([A-Z]{2,10})USDT`),
	regexp.MustCompile(`#([A-Z]{2,10})\b`),
	regexp.MustCompile(`\b([A-Z]{2,10})/USDT\b`),
	regexp.MustCompile(`\b([A-Z]{2,10})USDT\b`),
	regexp.MustCompile(`\b([A-Z]{2,10})\(USDT\)`),
	regexp.MustCompile(`(?i)(?:symbol|coin name)\s*[:\-]\s*\$?([A-Za-z]{2,10})`),
}

// tokens that look like symbols but never are
var reservedBases = map[string]struct{}{
	"LONG": {}, "SHORT": {}, "BUY": {}, "SELL": {}, "USDT": {},
	"ENTRY": {}, "TARGET": {}, "SETUP": {}, "STOP": {}, "THE": {},
}

var directionPatterns = []struct {
	re   *regexp.Regexp
	long bool
}{
	{regexp.MustCompile(`🟢\s*LONG|📈\s*LONG`), true},
	{regexp.MustCompile(`🔴\s*SHORT|📉\s*SHORT`), false},
	{regexp.MustCompile(`(?i)(?:trade|signal) type\s*[:\-]\s*long`), true},
	{regexp.MustCompile(`(?i)(?:trade|signal) type\s*[:\-]\s*short`), false},
	{regexp.MustCompile(`Opening LONG|LONG SETUP|#LONG`), true},
	{regexp.MustCompile(`Opening SHORT|SHORT SETUP|#SHORT`), false},
	{regexp.MustCompile(`\bLONG\b|\bBUY\b`), true},
	{regexp.MustCompile(`\bSHORT\b|\bSELL\b`), false},
}

var (
	entryClauseRe  = regexp.MustCompile(`(?i)\bentr(?:y|ies)\b(?:\s*(?:zone|price))?\s*\(?[:\-]?\s*`)
	targetClauseRe = regexp.MustCompile(`(?i)(?:targets|target\s*\d*|take[- ]?profit|tp\d*)\s*[:\-]?\s*`)
	stopClauseRe   = regexp.MustCompile(`(?i)(?:stop[- ]?loss|stoploss|\bstop\b|\bsl\b)\s*[:\-]?\s*`)
	leverageRe     = regexp.MustCompile(`(?i)(?:leverage|lev)\s*[:\-]?\s*x?\s*(\d+(?:\.\d+)?)\s*x?`)
	crossRe        = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s*x\b`)
)

// matchExclusion returns the name of the first exclusion pattern hit.
func matchExclusion(text string) (string, bool) {
	for _, p := range exclusionPatterns {
		if p.re.MatchString(text) {
			return p.name, true
		}
	}
	if firstPersonRe.MatchString(text) {
		// Commentary is allowed through when it still carries a call.
		if _, ok := matchSymbol(text); !ok && !tradingKeywordRe.MatchString(text) {
			return "first_person", true
		}
	}
	return "", false
}

// matchSymbol extracts the base token and normalizes to BASEUSDT.
func matchSymbol(text string) (string, bool) {
	for _, re := range symbolPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			base := strings.ToUpper(m[1])
			if _, reserved := reservedBases[base]; reserved {
				continue
			}
			if len(base) < 2 || len(base) > 10 {
				continue
			}
			return base + "USDT", true
		}
	}
	return "", false
}

// matchDirection resolves the trade side. BUY maps to LONG, SELL to SHORT.
func matchDirection(text string) (string, bool) {
	for _, p := range directionPatterns {
		if p.re.MatchString(text) {
			if p.long {
				return "LONG", true
			}
			return "SHORT", true
		}
	}
	return "", false
}

// matchEntry finds an entry clause followed by a price or range.
func matchEntry(text string) (PriceRange, bool) {
	loc := entryClauseRe.FindStringIndex(text)
	if loc == nil {
		return PriceRange{}, false
	}
	return ParsePriceClause(text[loc[1]:])
}

// matchTargets collects the take-profit ladder. Each target clause
// contributes the prices that immediately follow it.
func matchTargets(text string) []decimal.Decimal {
	var targets []decimal.Decimal
	seen := map[string]struct{}{}

	for _, loc := range targetClauseRe.FindAllStringIndex(text, -1) {
		rest := text[loc[1]:]
		// Stop at the next labeled clause so SL prices are not swallowed.
		if stop := stopClauseRe.FindStringIndex(rest); stop != nil {
			rest = rest[:stop[0]]
		}
		if entry := entryClauseRe.FindStringIndex(rest); entry != nil {
			rest = rest[:entry[0]]
		}
		for _, segment := range splitPriceList(rest) {
			pr, ok := ParsePriceClause(segment)
			if !ok {
				break
			}
			key := pr.Mid.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			targets = append(targets, pr.Mid)
		}
	}
	return targets
}

// splitPriceList splits "0.02375, 0.02400" style enumerations.
func splitPriceList(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matchStop finds the stop-loss price. Percent stops are ignored here:
// the entry engine synthesizes a stop when no absolute price is given.
func matchStop(text string) (decimal.Decimal, bool) {
	loc := stopClauseRe.FindStringIndex(text)
	if loc == nil {
		return decimal.Decimal{}, false
	}
	rest := strings.TrimSpace(text[loc[1]:])
	// "2%"-style stops carry no absolute level.
	if percentStopRe.MatchString(rest) {
		return decimal.Decimal{}, false
	}
	pr, ok := ParsePriceClause(rest)
	if !ok {
		return decimal.Decimal{}, false
	}
	return pr.Mid, true
}

var percentStopRe = regexp.MustCompile(`^\$?\d+(?:\.\d+)?\s*%`)

// matchLeverage finds a declared leverage, either labeled or "20x" style.
func matchLeverage(text string) (decimal.Decimal, bool) {
	if m := leverageRe.FindStringSubmatch(text); m != nil {
		if v, err := decimal.NewFromString(m[1]); err == nil {
			return v, true
		}
	}
	if m := crossRe.FindStringSubmatch(text); m != nil {
		if v, err := decimal.NewFromString(m[1]); err == nil && v.GreaterThanOrEqual(decimal.NewFromInt(2)) {
			return v, true
		}
	}
	return decimal.Decimal{}, false
}
