// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// Swap amounts are unsigned 256-bit integers, so this operates on *big.Int
// rather than a fixed-width machine integer.
// For example, FormatAmount(big.NewInt(1000000000000000000), 18) returns "1".
func FormatAmount(amount *big.Int, decimals uint8) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if decimals == 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amount, divisor)
	frac := new(big.Int).Mod(amount, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), frac.String())
	fracStr = strings.TrimRight(fracStr, "0")

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// ParseAmount parses a decimal string into smallest units.
// For example, ParseAmount("1", 18) returns 1000000000000000000 (1 ETH in wei).
func ParseAmount(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	wholeStr, fracStr, found := strings.Cut(s, ".")
	if !found {
		wholeStr = s
	}

	for _, c := range wholeStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}
	for _, c := range fracStr {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("invalid character in amount: %c", c)
		}
	}

	if len(fracStr) > int(decimals) {
		return nil, fmt.Errorf("amount has more precision than %d decimals: %s", decimals, s)
	}
	for len(fracStr) < int(decimals) {
		fracStr += "0"
	}

	combined := wholeStr + fracStr
	if combined == "" {
		combined = "0"
	}

	amount, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}

	return amount, nil
}
