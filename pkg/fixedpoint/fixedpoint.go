// Package fixedpoint implements saturating, round-to-nearest fixed-point
// arithmetic for the signal-processing path of the ARC-3 correlator.
//
// A Format fixes the integer/fractional bit split (Q8.8 for channel
// samples, Q16.16 for accumulators in the reference configuration); a
// Value carries its Format alongside a scaled int64 so the same type
// serves both widths without code duplication.
package fixedpoint

import "math"

// Format describes a Qm.n fixed-point layout: m integer bits, n
// fractional bits, two's-complement, MSB is sign.
type Format struct {
	IntBits  uint
	FracBits uint
}

// Q8_8 is the reference format for channel samples.
var Q8_8 = Format{IntBits: 8, FracBits: 8}

// Q16_16 is the reference format for correlation accumulators.
var Q16_16 = Format{IntBits: 16, FracBits: 16}

// Bits returns the total width of the format.
func (f Format) Bits() uint { return f.IntBits + f.FracBits }

// Scale returns 2^FracBits, the integer-to-real conversion factor.
func (f Format) Scale() int64 { return int64(1) << f.FracBits }

// Max returns the largest representable raw (scaled) value.
func (f Format) Max() int64 { return (int64(1) << (f.Bits() - 1)) - 1 }

// Min returns the smallest representable raw (scaled) value.
func (f Format) Min() int64 { return -(int64(1) << (f.Bits() - 1)) }

func (f Format) saturate(raw int64) int64 {
	if raw > f.Max() {
		return f.Max()
	}
	if raw < f.Min() {
		return f.Min()
	}
	return raw
}

// Value is a saturating fixed-point scalar.
type Value struct {
	raw int64
	fmt Format
}

// New constructs a Value from a raw scaled integer, saturating it into
// the format's representable range.
func New(f Format, raw int64) Value {
	return Value{raw: f.saturate(raw), fmt: f}
}

// Zero returns the additive identity in the given format.
func Zero(f Format) Value { return Value{fmt: f} }

// FromFloat quantises a real number into the format, rounding to
// nearest and saturating on overflow.
func FromFloat(f Format, v float64) Value {
	scaled := v * float64(f.Scale())
	raw := int64(math.Round(scaled))
	return New(f, raw)
}

// FromInt32 treats raw as an already-scaled Q-format integer.
func FromInt32(f Format, raw int32) Value { return New(f, int64(raw)) }

// Format reports the value's fixed-point layout.
func (v Value) Format() Format { return v.fmt }

// Raw returns the scaled integer representation.
func (v Value) Raw() int64 { return v.raw }

// Int32 narrows the raw representation to a 32-bit Q-format integer,
// saturating against int32's range.
func (v Value) Int32() int32 {
	raw := v.raw
	if raw > math.MaxInt32 {
		raw = math.MaxInt32
	}
	if raw < math.MinInt32 {
		raw = math.MinInt32
	}
	return int32(raw)
}

// Float converts back to a real number.
func (v Value) Float() float64 {
	return float64(v.raw) / float64(v.fmt.Scale())
}

// Rescale converts v into a different format, saturating if the new
// format cannot represent the value.
func (v Value) Rescale(to Format) Value {
	if v.fmt == to {
		return v
	}
	shift := int(to.FracBits) - int(v.fmt.FracBits)
	var raw int64
	if shift >= 0 {
		raw = v.raw << uint(shift)
	} else {
		raw = roundShiftRight(v.raw, uint(-shift))
	}
	return New(to, raw)
}

// Add returns v+o, saturating on overflow. o is rescaled to v's format
// first if the formats differ.
func (v Value) Add(o Value) Value {
	o = o.Rescale(v.fmt)
	return New(v.fmt, v.raw+o.raw)
}

// Sub returns v-o, saturating on overflow.
func (v Value) Sub(o Value) Value {
	o = o.Rescale(v.fmt)
	return New(v.fmt, v.raw-o.raw)
}

// Mul returns v*o in v's format, saturating on overflow and rounding
// the fractional-bit shift to nearest.
func (v Value) Mul(o Value) Value {
	o = o.Rescale(v.fmt)
	product := v.raw * o.raw
	return New(v.fmt, roundShiftRight(product, v.fmt.FracBits))
}

// DivScalar returns v divided by a non-zero integer scalar, saturating
// on overflow. A zero divisor saturates to the format's extreme in the
// sign of v rather than panicking, since the hot path never checks.
func (v Value) DivScalar(scalar int64) Value {
	if scalar == 0 {
		if v.raw < 0 {
			return New(v.fmt, v.fmt.Min())
		}
		return New(v.fmt, v.fmt.Max())
	}
	return New(v.fmt, v.raw/scalar)
}

// Div returns v/o in v's format, saturating on overflow or when o is
// zero (saturating to the extreme matching v's sign, since the hot
// path never checks divisors).
func (v Value) Div(o Value) Value {
	o = o.Rescale(v.fmt)
	if o.raw == 0 {
		if v.raw < 0 {
			return New(v.fmt, v.fmt.Min())
		}
		return New(v.fmt, v.fmt.Max())
	}
	return New(v.fmt, (v.raw*v.fmt.Scale())/o.raw)
}

// Cmp compares v and o numerically (after rescaling o to v's format),
// returning -1, 0, or 1.
func (v Value) Cmp(o Value) int {
	o = o.Rescale(v.fmt)
	switch {
	case v.raw < o.raw:
		return -1
	case v.raw > o.raw:
		return 1
	default:
		return 0
	}
}

// GreaterThan compares v against a literal real constant.
func (v Value) GreaterThan(lit float64) bool {
	return v.Cmp(FromFloat(v.fmt, lit)) > 0
}

// LessThan compares v against a literal real constant.
func (v Value) LessThan(lit float64) bool {
	return v.Cmp(FromFloat(v.fmt, lit)) < 0
}

// GreaterOrEqual compares v against a literal real constant.
func (v Value) GreaterOrEqual(lit float64) bool {
	return v.Cmp(FromFloat(v.fmt, lit)) >= 0
}

// IsZero reports whether v is exactly zero.
func (v Value) IsZero() bool { return v.raw == 0 }

// roundShiftRight performs a round-to-nearest arithmetic right shift,
// used for both fractional-bit narrowing and rescaling.
func roundShiftRight(raw int64, shift uint) int64 {
	if shift == 0 {
		return raw
	}
	half := int64(1) << (shift - 1)
	if raw >= 0 {
		return (raw + half) >> shift
	}
	return -((-raw + half) >> shift)
}

// ApproxSqrt computes an approximate non-negative square root using
// five Newton-Raphson refinements seeded from x/2: returns 0 for a
// zero argument, within 0.5% of the true value for arguments in
// [1/16, 16].
func ApproxSqrt(x Value) Value {
	f := x.fmt
	if x.raw <= 0 {
		return Zero(f)
	}
	guess := x.raw >> 1
	for i := 0; i < 5; i++ {
		if guess == 0 {
			break
		}
		quotient := f.saturate((x.raw * f.Scale()) / guess)
		guess = f.saturate((guess + quotient) >> 1)
	}
	return New(f, guess)
}
