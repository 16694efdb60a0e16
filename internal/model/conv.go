package model

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseQty coerces a loosely typed quantity to int64.
// Malformed or missing values yield zero.
func ParseQty(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	// "75.0" style values
	d, err := decimal.NewFromString(s)
	if err != nil || !d.Equal(d.Truncate(0)) {
		return 0
	}
	return d.IntPart()
}

// ParsePrice coerces a loosely typed price. ok is false for malformed input.
func ParsePrice(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
