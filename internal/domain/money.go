package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var centsPerUnit = decimal.NewFromInt(100)

// FormatCents renders an amount in cents as a currency string, e.g. 250 -> "$2.50".
func FormatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

// ParseAmount converts a decimal currency string ("15", "2.50") into cents.
// More than two fractional digits are rejected rather than rounded.
func ParseAmount(raw string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "$")))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	cents := value.Mul(centsPerUnit)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than cent precision", raw)
	}
	return cents.IntPart(), nil
}
