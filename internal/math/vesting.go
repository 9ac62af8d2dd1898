package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// RewardRate returns the per-second emission for amount spread over period, scaled by Precision.
func RewardRate(amount *uint256.Int, periodSeconds uint64) (*uint256.Int, error) {
	if periodSeconds == 0 {
		return nil, fmt.Errorf("reward rate: %w", ErrDivisionByZero)
	}
	return MulDiv(amount, Precision, uint256.NewInt(periodSeconds), RoundDown)
}

// Leftover returns the base-unit amount still to be emitted at rate over remainingSeconds.
func Leftover(rate *uint256.Int, remainingSeconds uint64) *uint256.Int {
	if remainingSeconds == 0 || rate.IsZero() {
		return new(uint256.Int)
	}
	return MustMulDiv(rate, uint256.NewInt(remainingSeconds), Precision, RoundDown)
}

// AccrualIncrement returns rate * elapsed * product / supply.
//
// The result is the product-weighted reward per original deposit unit:
// a depositor with recorded amount d and snapshot product Psnap earns
// d * increment / Psnap / Precision base units.
func AccrualIncrement(rate, product, supply *uint256.Int, elapsedSeconds uint64) (*uint256.Int, error) {
	if supply.IsZero() {
		return nil, fmt.Errorf("accrual increment: %w", ErrDivisionByZero)
	}
	emitted, overflow := new(uint256.Int).MulOverflow(rate, uint256.NewInt(elapsedSeconds))
	if overflow {
		return nil, fmt.Errorf("accrual increment: %w", ErrOverflow)
	}
	return MulDiv(emitted, product, supply, RoundDown)
}

// ShareOf converts an accumulator delta into a depositor's base-unit share:
// recorded * delta / snapshotProduct / Precision.
func ShareOf(recorded, delta, snapshotProduct *uint256.Int) (*uint256.Int, error) {
	if delta.IsZero() || recorded.IsZero() {
		return new(uint256.Int), nil
	}
	perProduct, err := MulDiv(recorded, delta, snapshotProduct, RoundDown)
	if err != nil {
		return nil, err
	}
	return perProduct.Div(perProduct, Precision), nil
}
