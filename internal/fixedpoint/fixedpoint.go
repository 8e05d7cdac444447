// Package fixedpoint converts between human decimal amounts and the 18-decimal
// integers the policy engine works with.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the scale of every fixed-point value.
const Decimals = 18

// ErrTooPrecise rejects values with more than 18 fractional digits.
var ErrTooPrecise = errors.New("fixedpoint: more than 18 decimal places")

// FromDecimal scales d by 10^18. The value must be representable exactly.
func FromDecimal(d decimal.Decimal) (*big.Int, error) {
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %s", ErrTooPrecise, d.String())
	}
	return scaled.BigInt(), nil
}

// FromDecimalTruncated scales d by 10^18, dropping digits beyond the 18th.
func FromDecimalTruncated(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Truncate(0).BigInt()
}

// Parse reads a decimal string such as "50" or "0.05".
func Parse(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return FromDecimal(d)
}

// ParsePositive is Parse restricted to values greater than zero.
func ParsePositive(s string) (*big.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("value %q must be greater than zero", s)
	}
	return v, nil
}

// ToDecimal converts an 18-decimal integer back into a decimal.
func ToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -Decimals)
}

// Format renders an 18-decimal integer with the given number of places.
func Format(v *big.Int, places int32) string {
	return ToDecimal(v).StringFixed(places)
}

// Percent renders an 18-decimal fraction as a percentage string.
func Percent(v *big.Int, places int32) string {
	return ToDecimal(v).Mul(decimal.NewFromInt(100)).StringFixed(places)
}
