package policy

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
)

// Decimals is the precision of prices and the deviation threshold.
const Decimals = 18

var (
	// One is 1.0 in 18-decimal fixed point.
	One = math.BigPow(10, Decimals)

	// MaxRate caps the trading price used by the calculator (1,000,000 × 10^18).
	MaxRate = new(big.Int).Mul(big.NewInt(1_000_000), One)

	maxInt256 = new(big.Int).Sub(math.BigPow(2, 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(math.BigPow(2, 255))

	// MaxSupply is the largest supply for which supply × rate cannot overflow int256.
	MaxSupply = new(big.Int).Quo(maxInt256, MaxRate)
)

// fitsInt256 reports whether v is representable as a two's complement 256-bit integer.
func fitsInt256(v *big.Int) bool {
	return v.Cmp(maxInt256) <= 0 && v.Cmp(minInt256) >= 0
}

// checkedMul multiplies with int256 overflow detection.
func checkedMul(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Mul(a, b)
	if !fitsInt256(out) {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// checkedSub subtracts with int256 overflow detection.
func checkedSub(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Sub(a, b)
	if !fitsInt256(out) {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// validUint256 reports whether v is a non-negative value that fits in 256 bits.
func validUint256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}

// quo divides truncating toward zero.
func quo(a, b *big.Int) *big.Int {
	return new(big.Int).Quo(a, b)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
