package util

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	reCurrency       = regexp.MustCompile(`(?i)(€|\$|£|eur|usd|gbp|mxn|clp|cop|ars)`)
	reThousandsDot   = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3})+$`)
	reThousandsComma = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+$`)
	reDotThenComma   = regexp.MustCompile(`^-?\d{1,3}(?:\.\d{3})+,\d+$`)
	reCommaThenDot   = regexp.MustCompile(`^-?\d{1,3}(?:,\d{3})+\.\d+$`)
)

// CanonicalAmount renders a money string in a canonical decimal form so that
// "1.000,50 €", "1000.5" and "1,000.50" compare equal. The second return value
// is false when the input is not a number; callers then fall back to the
// trimmed lower-cased text.
func CanonicalAmount(input string) (string, bool) {
	s := strings.ReplaceAll(input, "\u00A0", " ")
	s = reCurrency.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return "", false
	}

	d, err := decimal.NewFromString(normalizeNumericToken(s))
	if err != nil {
		return "", false
	}
	return d.String(), true
}

func normalizeNumericToken(token string) string {
	switch {
	case reDotThenComma.MatchString(token):
		return strings.ReplaceAll(strings.ReplaceAll(token, ".", ""), ",", ".")
	case reCommaThenDot.MatchString(token):
		return strings.ReplaceAll(token, ",", "")
	case reThousandsDot.MatchString(token):
		return strings.ReplaceAll(token, ".", "")
	case reThousandsComma.MatchString(token):
		return strings.ReplaceAll(token, ",", "")
	case strings.Contains(token, ",") && !strings.Contains(token, "."):
		return strings.ReplaceAll(token, ",", ".")
	}
	return token
}
