// Package fixedpoint provides deterministic decimal arithmetic for the
// pricing and funding engines: truncating operations at a fixed 18-place
// scale and a bounded rational approximation of tanh.
//
// The engines must produce identical results on every run and every host,
// so nothing here touches float64. The tanh approximation
//
//	tanh(x) ≈ x·(27 + x²) / (27 + 9x²)
//
// is a Padé-style rational that needs only multiplication and division. It
// is accurate to ~0.2% on |x| ≤ 2 and saturates to ±1 for |x| > 5, which is
// more than enough resolution for a price curve quantized to [0, 1000].
package fixedpoint

import (
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional decimal places carried through all
// intermediate arithmetic.
const Scale int32 = 18

var (
	// SaturationBound is the |x| beyond which Tanh returns exactly ±1.
	SaturationBound = decimal.NewFromInt(5)

	one       = decimal.NewFromInt(1)
	twentySeven = decimal.NewFromInt(27)
	nine      = decimal.NewFromInt(9)
)

// Mul multiplies a·b truncated to Scale places.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Scale)
}

// Div divides a/b truncated to Scale places. Division by zero panics, as it
// does for decimal.Decimal; callers guard the zero case explicitly.
func Div(a, b decimal.Decimal) decimal.Decimal {
	return a.DivRound(b, Scale+1).Truncate(Scale)
}

// MulDiv computes a·b/c in one step, truncated to Scale places, keeping the
// full product before dividing so the result does not lose precision to an
// intermediate truncation.
func MulDiv(a, b, c decimal.Decimal) decimal.Decimal {
	return a.Mul(b).DivRound(c, Scale+1).Truncate(Scale)
}

// Tanh returns the bounded rational approximation of tanh(x).
// Result is always in [-1, 1]; exact ±1 outside the saturation bound.
func Tanh(x decimal.Decimal) decimal.Decimal {
	if x.Abs().GreaterThan(SaturationBound) {
		if x.IsNegative() {
			return one.Neg()
		}
		return one
	}

	x2 := Mul(x, x)
	num := Mul(x, twentySeven.Add(x2))
	den := twentySeven.Add(Mul(nine, x2))
	r := Div(num, den)

	// The rational can overshoot ±1 slightly near the saturation bound.
	if r.GreaterThan(one) {
		return one
	}
	if r.LessThan(one.Neg()) {
		return one.Neg()
	}
	return r
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
