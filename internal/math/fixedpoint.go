package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrDivisionByZero = errors.New("fixed-point division by zero")
	ErrInvalidAmount  = errors.New("invalid amount")
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int // Number of decimal places
	Scale            *uint256.Int
}

var (
	// Precision is the 1.0 of every 18-decimal fixed-point value (P, per-unit loss/gain, rates).
	Precision = uint256.NewInt(1_000_000_000_000_000_000)

	// ScaleFactor is the rescaling multiplier applied when P drops below it.
	ScaleFactor = uint256.NewInt(1_000_000_000)

	TokenConfig = DecimalConfig{DecimalPrecision: 18, Scale: Precision}
	RateConfig  = DecimalConfig{DecimalPrecision: 18, Scale: Precision}
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
)

// MulDiv computes x * y / d with a 512-bit intermediate and the given rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}

	if mode == RoundDown {
		return quotient, nil
	}

	remainder := new(uint256.Int).MulMod(x, y, d)
	if remainder.IsZero() {
		return quotient, nil
	}

	// Compare remainder against d - remainder to avoid doubling near 2^256
	roundUp := false
	complement := new(uint256.Int).Sub(d, remainder)
	switch remainder.Cmp(complement) {
	case 1:
		roundUp = true
	case 0:
		roundUp = quotient.Uint64()&1 == 1
	}

	if roundUp {
		if _, overflow := quotient.AddOverflow(quotient, uint256.NewInt(1)); overflow {
			return nil, ErrOverflow
		}
	}
	return quotient, nil
}

// MustMulDiv is MulDiv for call sites where operands are bounded by construction.
func MustMulDiv(x, y, d *uint256.Int, mode RoundingMode) *uint256.Int {
	v, err := MulDiv(x, y, d, mode)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	return v
}

// SaturatingSub returns a - b, or zero when b > a.
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	sum, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return sum, nil
}

// ScalePow returns ScaleFactor^n, or ok=false when it no longer fits in 256 bits.
func ScalePow(n uint64) (*uint256.Int, bool) {
	// 1e9^8 = 1e72 < 2^256 (~1.16e77); 1e9^9 does not fit
	if n > 8 {
		return nil, false
	}
	return new(uint256.Int).Exp(ScaleFactor, uint256.NewInt(n)), true
}

// ParseAmount parses a non-negative base-unit decimal string.
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return v, nil
}

// FormatUnits renders a base-unit amount as a decimal with cfg.DecimalPrecision places,
// trimming trailing zeros ("10000.5").
func FormatUnits(v *uint256.Int, cfg DecimalConfig) string {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(v, cfg.Scale, r)
	if r.IsZero() {
		return q.Dec()
	}

	frac := r.Dec()
	if pad := cfg.DecimalPrecision - len(frac); pad > 0 {
		frac = strings.Repeat("0", pad) + frac
	}
	return q.Dec() + "." + strings.TrimRight(frac, "0")
}

// ToFloat64 converts a fixed-point amount to float64 for gauges. Lossy.
func ToFloat64(v *uint256.Int, cfg DecimalConfig) float64 {
	f := new(big.Float).SetInt(v.ToBig())
	f.Quo(f, new(big.Float).SetInt(cfg.Scale.ToBig()))
	out, _ := f.Float64()
	return out
}
