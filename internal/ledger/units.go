package ledger

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// NativeDecimals is the precision of EVM and Fetch native coins.
const NativeDecimals = 18

// OneToken is 10^18 atomic units.
var OneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(NativeDecimals), nil)

// ParseDecimal converts a decimal string such as "0.00007" into atomic units
// without passing through binary floating point.
func ParseDecimal(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", value, decimals)
	}
	digits := strings.TrimLeft(whole+frac+strings.Repeat("0", decimals-len(frac)), "0")
	if digits == "" {
		return new(big.Int), nil
	}
	out, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return out, nil
}

// FromFloat converts a float amount used at the swap and faucet boundaries.
func FromFloat(amount float64, decimals int) (*big.Int, error) {
	if amount < 0 {
		return nil, fmt.Errorf("negative amount %v", amount)
	}
	return ParseDecimal(strconv.FormatFloat(amount, 'f', -1, 64), decimals)
}

// Format renders atomic units as a decimal string with trailing zeros trimmed.
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	digits := new(big.Int).Abs(amount).String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole, frac := digits[:len(digits)-decimals], strings.TrimRight(digits[len(digits)-decimals:], "0")
	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
