// Package money provides shared GHS parsing and formatting utilities.
//
// Amounts use 2 decimal places and are stored as int64 in the smallest
// unit (1 GHS = 100 pesewas). Ledger entries are signed, so Format
// accepts negative amounts; Parse only accepts positive magnitudes
// because external input always carries direction out of band.
package money

import (
	"strings"
)

const Decimals = 2

// Parse converts a decimal string (e.g. "30.50") to its smallest-unit
// int64 representation (3050). Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 2 digits are rejected (no silent rounding)
func Parse(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}

	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if len(frac) > Decimals {
		return 0, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	var n int64
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		d := int64(r - '0')
		if n > (1<<63-1-d)/10 {
			return 0, false // overflow
		}
		n = n*10 + d
	}
	return n, true
}

// Format converts a smallest-unit int64 to a decimal string with exactly
// 2 decimal places (e.g. 3050 -> "30.50", -3050 -> "-30.50").
func Format(amount int64) string {
	neg := amount < 0
	if neg {
		amount = -amount
	}
	s := itoa(amount)
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

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
