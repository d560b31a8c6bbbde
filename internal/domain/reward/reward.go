// Package reward holds the fixed-point arithmetic used to turn a base reward
// into a final amount. Factors are basis points (10000 = x1.0) and every
// product is computed on 256-bit intermediates so it cannot wrap.
package reward

import (
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// One is the basis-point representation of x1.0.
const One BasisPoints = 10_000

// BasisPoints is an exact rational with denominator 10000.
type BasisPoints uint64

// String renders the factor as a decimal, e.g. 12000 -> "1.2000".
func (b BasisPoints) String() string {
	return fmt.Sprintf("%d.%04d", uint64(b/One), uint64(b%One))
}

// Float64 returns an approximation for display and metrics only.
func (b BasisPoints) Float64() float64 {
	return float64(b) / float64(One)
}

// Scale returns round(amount * f1/One * f2/One * ...), rounding half up.
// It fails with ErrArithmeticOverflow when the result does not fit in uint64.
func Scale(amount uint64, factors ...BasisPoints) (uint64, error) {
	num := uint256.NewInt(amount)
	den := uint256.NewInt(1)
	one := uint256.NewInt(uint64(One))

	var overflow bool
	for _, f := range factors {
		if num, overflow = new(uint256.Int).MulOverflow(num, uint256.NewInt(uint64(f))); overflow {
			return 0, ErrArithmeticOverflow
		}
		if den, overflow = new(uint256.Int).MulOverflow(den, one); overflow {
			return 0, ErrArithmeticOverflow
		}
	}

	half := new(uint256.Int).Rsh(den, 1)
	if num, overflow = new(uint256.Int).AddOverflow(num, half); overflow {
		return 0, ErrArithmeticOverflow
	}
	q := new(uint256.Int).Div(num, den)
	if !q.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return q.Uint64(), nil
}

// SaturatingAdd returns a+b clamped to math.MaxUint64.
func SaturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
