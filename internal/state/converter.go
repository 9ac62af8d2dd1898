package state

import (
	fpmath "StabilityPool/internal/math"
	"context"
	"fmt"

	"github.com/holiman/uint256"
)

// AssetConverter turns liquidated deposit-asset into payout-asset.
// A returned error aborts the liquidation with no state change.
type AssetConverter interface {
	Convert(ctx context.Context, amount *uint256.Int) (*uint256.Int, error)
}

// FixedRateConverter converts at a constant rate, scaled by 1e18.
type FixedRateConverter struct {
	Rate *uint256.Int
}

func NewFixedRateConverter(rate *uint256.Int) *FixedRateConverter {
	return &FixedRateConverter{Rate: rate.Clone()}
}

func (c *FixedRateConverter) Convert(ctx context.Context, amount *uint256.Int) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := fpmath.MulDiv(amount, c.Rate, fpmath.Precision, fpmath.RoundDown)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", amount.Dec(), err)
	}
	return out, nil
}
