package math_test

import (
	fpmath "StabilityPool/internal/math"
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name string
		x, y uint64
		d    uint64
		mode fpmath.RoundingMode
		want uint64
	}{
		{"exact", 10, 10, 5, fpmath.RoundDown, 20},
		{"down", 10, 1, 3, fpmath.RoundDown, 3},
		{"half even rounds up past half", 11, 1, 3, fpmath.RoundHalfEven, 4},
		{"half even rounds to even (down)", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even rounds to even (up)", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
		{"half even below half", 4, 1, 3, fpmath.RoundHalfEven, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(u(tt.x), u(tt.y), u(tt.d), tt.mode)
			if err != nil {
				t.Fatalf("MulDiv: %v", err)
			}
			if got.Uint64() != tt.want {
				t.Errorf("got %d, want %d", got.Uint64(), tt.want)
			}
		})
	}
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(u(1), u(1), u(0), fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Fatalf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// (2^255) * 4 / 8 overflows 256 bits in the product but not in the result
	x := new(uint256.Int).Lsh(u(1), 255)
	got, err := fpmath.MulDiv(x, u(4), u(8), fpmath.RoundDown)
	if err != nil {
		t.Fatalf("MulDiv: %v", err)
	}
	want := new(uint256.Int).Lsh(u(1), 254)
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got.Dec(), want.Dec())
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	x := new(uint256.Int).Lsh(u(1), 255)
	_, err := fpmath.MulDiv(x, u(4), u(1), fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestSaturatingSub(t *testing.T) {
	if got := fpmath.SaturatingSub(u(5), u(7)); !got.IsZero() {
		t.Errorf("5-7 saturates to 0, got %s", got.Dec())
	}
	if got := fpmath.SaturatingSub(u(7), u(5)); got.Uint64() != 2 {
		t.Errorf("7-5: got %s, want 2", got.Dec())
	}
}

func TestScalePow(t *testing.T) {
	v, ok := fpmath.ScalePow(2)
	if !ok || v.Dec() != "1000000000000000000" {
		t.Errorf("1e9^2: got %v ok=%v", v, ok)
	}
	if _, ok := fpmath.ScalePow(9); ok {
		t.Error("1e9^9 should not fit in 256 bits")
	}
}

func TestParseAmount(t *testing.T) {
	v, err := fpmath.ParseAmount("10000000000000000000000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Dec() != "10000000000000000000000" {
		t.Errorf("got %s", v.Dec())
	}

	for _, bad := range []string{"", "-1", "1.5", "abc"} {
		if _, err := fpmath.ParseAmount(bad); !errors.Is(err, fpmath.ErrInvalidAmount) {
			t.Errorf("ParseAmount(%q): expected ErrInvalidAmount, got %v", bad, err)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10000000000000000000000", "10000"},
		{"10000500000000000000000", "10000.5"},
		{"1", "0.000000000000000001"},
		{"0", "0"},
	}
	for _, tt := range tests {
		got := fpmath.FormatUnits(uint256.MustFromDecimal(tt.in), fpmath.TokenConfig)
		if got != tt.want {
			t.Errorf("FormatUnits(%s): got %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRewardRateAndLeftover(t *testing.T) {
	// 700 tokens over 7 seconds = 100 tokens/s
	amount := uint256.MustFromDecimal("700000000000000000000")
	rate, err := fpmath.RewardRate(amount, 7)
	if err != nil {
		t.Fatalf("RewardRate: %v", err)
	}

	left := fpmath.Leftover(rate, 3)
	if left.Dec() != "300000000000000000000" {
		t.Errorf("leftover after 4s: got %s, want 300e18", left.Dec())
	}

	if _, err := fpmath.RewardRate(amount, 0); !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("zero period should fail, got %v", err)
	}
}

func TestAccrualIncrementAndShare(t *testing.T) {
	// 100 tokens/s for 10s over a supply of 1000 tokens at P = 1.0
	rate, _ := fpmath.RewardRate(uint256.MustFromDecimal("100000000000000000000"), 1)
	supply := uint256.MustFromDecimal("1000000000000000000000")

	inc, err := fpmath.AccrualIncrement(rate, fpmath.Precision, supply, 10)
	if err != nil {
		t.Fatalf("AccrualIncrement: %v", err)
	}

	// A depositor holding 250 of the 1000 earns a quarter of 1000 tokens
	share, err := fpmath.ShareOf(uint256.MustFromDecimal("250000000000000000000"), inc, fpmath.Precision)
	if err != nil {
		t.Fatalf("ShareOf: %v", err)
	}
	if share.Dec() != "250000000000000000000" {
		t.Errorf("share: got %s, want 250e18", share.Dec())
	}
}
