// Package money provides shared parsing and formatting for rupiah amounts.
//
// Amounts use 2 decimal places and are stored as big.Int in the smallest
// unit (1 rupiah = 100 units). Messaging unit costs are small enough that
// float arithmetic would accumulate error over large campaign batches, so
// all balance math goes through big.Int.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "550.00") to its smallest-unit
// big.Int representation (55000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 2 decimal places (e.g. "550.00").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// Mul multiplies a smallest-unit amount by an integer count.
func Mul(amount *big.Int, count int64) *big.Int {
	return new(big.Int).Mul(amount, big.NewInt(count))
}

// IsValid reports whether s parses as a non-negative amount.
func IsValid(s string) bool {
	_, ok := Parse(s)
	return ok
}
