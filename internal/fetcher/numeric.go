package fetcher

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Dashboard widgets render values with units attached ("133mm", "0.45 m/s").
// The first run of digits with an optional decimal point is the value.
var numberPattern = regexp.MustCompile(`\d+\.?\d*`)

// extractNumber scans text for the first numeric run. Non-numeric text yields
// (zero, false), never an error.
func extractNumber(text string) (decimal.Decimal, bool) {
	match := numberPattern.FindString(strings.TrimSpace(text))
	if match == "" {
		return decimal.Decimal{}, false
	}
	value, err := decimal.NewFromString(strings.TrimSuffix(match, "."))
	if err != nil {
		return decimal.Decimal{}, false
	}
	return value, true
}

// extractFields applies extractNumber to a map of field -> raw text, keeping
// only the fields that produced a value.
func extractFields(raw map[Field]string) map[Field]decimal.Decimal {
	values := make(map[Field]decimal.Decimal, len(raw))
	for field, text := range raw {
		if v, ok := extractNumber(text); ok {
			values[field] = v
		}
	}
	return values
}
