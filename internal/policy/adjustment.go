package policy

import "math/big"

// Deviation returns (rate - target) / target in 18-decimal fixed point, truncated toward zero.
func Deviation(rate, target *big.Int) (*big.Int, error) {
	diff, err := checkedSub(rate, target)
	if err != nil {
		return nil, err
	}
	scaled, err := checkedMul(diff, One)
	if err != nil {
		return nil, err
	}
	return quo(scaled, target), nil
}

// ClampRate caps a trading price at MaxRate.
func ClampRate(tradingPrice *big.Int) *big.Int {
	return new(big.Int).Set(minBig(tradingPrice, MaxRate))
}

// ComputeSupplyDelta returns the signed supply adjustment for one rebase. It
// depends only on its arguments.
func ComputeSupplyDelta(tradingPrice, targetPrice, totalSupply *big.Int, params Params) (*big.Int, error) {
	if tradingPrice == nil || targetPrice == nil || tradingPrice.Sign() <= 0 || targetPrice.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if !fitsInt256(targetPrice) {
		return nil, ErrArithmeticOverflow
	}
	if !validUint256(totalSupply) || !fitsInt256(totalSupply) {
		return nil, ErrInvalidSupply
	}
	if err := ValidateLag(params.RebaseLag); err != nil {
		return nil, err
	}

	rate := ClampRate(tradingPrice)
	deviation, err := Deviation(rate, targetPrice)
	if err != nil {
		return nil, err
	}

	threshold := params.DeviationThreshold
	if threshold == nil {
		threshold = new(big.Int)
	}
	if new(big.Int).Abs(deviation).Cmp(threshold) < 0 {
		return new(big.Int), nil
	}

	// A positive product may leave int256 when S is near MaxSupply and T < 1;
	// the ceiling clamp below bounds the result, so it is not range checked.
	product := new(big.Int).Mul(totalSupply, deviation)
	lag := new(big.Int).SetUint64(params.RebaseLag)
	delta := quo(quo(product, One), lag)

	if delta.Sign() > 0 {
		next := new(big.Int).Add(totalSupply, delta)
		if next.Cmp(MaxSupply) > 0 {
			delta.Sub(MaxSupply, totalSupply)
			if delta.Sign() < 0 {
				delta.SetInt64(0)
			}
		}
	}
	return delta, nil
}
