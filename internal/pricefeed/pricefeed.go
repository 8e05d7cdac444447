package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"rebase-policy/internal/fixedpoint"
)

// Price is one observation returned by a Source.
type Price struct {
	Value       decimal.Decimal
	Source      string
	Quality     string
	BlockNumber uint64
	Raw         json.RawMessage
}

// FixedPoint converts the observed value to 18 decimals, truncating extra digits.
func (p Price) FixedPoint() (*big.Int, error) {
	if !p.Value.IsPositive() {
		return nil, fmt.Errorf("%s price must be positive, got %s", p.Source, p.Value.String())
	}
	v := fixedpoint.FromDecimalTruncated(p.Value)
	if v.Sign() <= 0 {
		return nil, fmt.Errorf("%s price %s rounds to zero", p.Source, p.Value.String())
	}
	return v, nil
}

// Source supplies one side of the rebase inputs: the trading price or the target price.
type Source interface {
	FetchPrice(ctx context.Context) (Price, error)
}
