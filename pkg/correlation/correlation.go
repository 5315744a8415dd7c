// Package correlation computes the normalised Hermitian-inner-product
// correlation between a live channel measurement and a stored
// fingerprint handle, the core signal used by Gate 1's admission
// decision.
package correlation

import (
	"github.com/arc3silicon/dgateplus/pkg/fingerprint"
	"github.com/arc3silicon/dgateplus/pkg/fixedpoint"
)

// epsilon is the minimum combined-norm denominator below which the
// score is degenerate and defined to be zero.
const epsilon = 1e-4

// Scorer computes correlation scores against handles produced by a
// particular fingerprint codec, accumulating in a wider fixed-point
// format than the codec's own sample width.
type Scorer struct {
	Codec     fingerprint.Codec
	AccFormat fixedpoint.Format
}

// NewScorer constructs a Scorer. accFormat is the accumulator's
// fixed-point format; fixedpoint.Q16_16 is the reference configuration
// for N=64, fixedpoint.Q8_8 samples.
func NewScorer(codec fingerprint.Codec, accFormat fixedpoint.Format) Scorer {
	return Scorer{Codec: codec, AccFormat: accFormat}
}

// Score returns the normalised correlation ρ in [0,1] (up to
// fixed-point error) between vec and the dequantised contents of
// handle. It returns 0 if either vector's norm makes the denominator
// degenerate.
func (s Scorer) Score(vec []fingerprint.ComplexSample, handle fingerprint.Handle) (fixedpoint.Value, error) {
	stored, err := s.Codec.DecodeAll(handle)
	if err != nil {
		return fixedpoint.Zero(s.AccFormat), err
	}

	innerReal := fixedpoint.Zero(s.AccFormat)
	innerImag := fixedpoint.Zero(s.AccFormat)
	normLive := fixedpoint.Zero(s.AccFormat)
	normStored := fixedpoint.Zero(s.AccFormat)

	n := len(vec)
	if n > len(stored) {
		n = len(stored)
	}
	for i := 0; i < n; i++ {
		liveRe := vec[i].Re.Rescale(s.AccFormat)
		liveIm := vec[i].Im.Rescale(s.AccFormat)
		storedRe := stored[i].Re.Rescale(s.AccFormat)
		storedIm := stored[i].Im.Rescale(s.AccFormat)

		// live * conj(stored)
		innerReal = innerReal.Add(liveRe.Mul(storedRe)).Add(liveIm.Mul(storedIm))
		innerImag = innerImag.Add(liveIm.Mul(storedRe)).Sub(liveRe.Mul(storedIm))

		normLive = normLive.Add(liveRe.Mul(liveRe)).Add(liveIm.Mul(liveIm))
		normStored = normStored.Add(storedRe.Mul(storedRe)).Add(storedIm.Mul(storedIm))
	}

	denom := normLive.Mul(normStored)
	if denom.LessThan(epsilon) {
		return fixedpoint.Zero(s.AccFormat), nil
	}

	numerator := innerReal.Mul(innerReal).Add(innerImag.Mul(innerImag))
	rhoSquared := numerator.Div(denom)
	rho := fixedpoint.ApproxSqrt(rhoSquared)
	if rho.GreaterThan(1.0) {
		rho = fixedpoint.FromFloat(s.AccFormat, 1.0)
	}
	return rho, nil
}
