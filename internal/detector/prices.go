package detector

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceRange is a parsed price clause: a single value or a low-high span.
type PriceRange struct {
	Low  decimal.Decimal
	High decimal.Decimal
	Mid  decimal.Decimal
}

var (
	rangeRe  = regexp.MustCompile(`\(?\$?(\d+(?:\.\d+)?)\s*[-–]\s*\$?(\d+(?:\.\d+)?)\)?`)
	priceRe  = regexp.MustCompile(`\$?(\d+(?:\.\d+)?)`)
	numberRe = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// ParsePriceClause reads a price or range from the start of a text
// fragment. Ranges accept "a - b" and "(a-b)"; a dollar prefix is ignored.
func ParsePriceClause(text string) (PriceRange, bool) {
	text = strings.TrimSpace(text)

	if m := rangeRe.FindStringSubmatch(text); m != nil && rangeRe.FindStringIndex(text)[0] == 0 {
		a, errA := decimal.NewFromString(m[1])
		b, errB := decimal.NewFromString(m[2])
		if errA == nil && errB == nil {
			low, high := a, b
			if low.GreaterThan(high) {
				low, high = high, low
			}
			return PriceRange{
				Low:  low,
				High: high,
				Mid:  low.Add(high).Div(decimal.NewFromInt(2)),
			}, true
		}
	}

	if m := priceRe.FindStringSubmatch(text); m != nil && priceRe.FindStringIndex(text)[0] == 0 {
		v, err := decimal.NewFromString(m[1])
		if err == nil {
			return PriceRange{Low: v, High: v, Mid: v}, true
		}
	}

	return PriceRange{}, false
}

// countNumericTokens counts numeric tokens in a message, a weak
// corroboration feature for the confidence score.
func countNumericTokens(text string) int {
	return len(numberRe.FindAllString(text, -1))
}
