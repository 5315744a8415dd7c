// Package fingerprint implements the channel-fingerprint codec: packing
// a multi-antenna complex channel measurement into a compact opaque
// handle, and the inverse dequantisation used during correlation.
package fingerprint

import (
	"errors"
	"fmt"

	"github.com/arc3silicon/dgateplus/pkg/fixedpoint"
)

// ErrAntennaCount is returned when a channel vector's length does not
// match the codec's configured antenna count.
var ErrAntennaCount = errors.New("fingerprint: channel vector length mismatch")

// ErrAntennaIndex is returned when Decode is asked for an antenna
// outside the codec's configured range.
var ErrAntennaIndex = errors.New("fingerprint: antenna index out of range")

// ComplexSample is a single antenna's measured (or dequantised) channel
// coefficient.
type ComplexSample struct {
	Re fixedpoint.Value
	Im fixedpoint.Value
}

// Handle is the opaque, order-sensitive encoding of a channel vector.
// Its length is 4 bits per antenna, rounded up to a whole byte; the
// reference configuration (64 antennas) yields exactly 256 bits.
type Handle []byte

// Codec encodes and decodes channel vectors of a fixed antenna count
// in a fixed-point format.
type Codec struct {
	Antennas int
	Format   fixedpoint.Format
}

// NewCodec constructs a codec for the given antenna count and sample
// format. N=64 with fixedpoint.Q8_8 is the reference configuration.
func NewCodec(antennas int, format fixedpoint.Format) Codec {
	return Codec{Antennas: antennas, Format: format}
}

// HandleBytes returns the byte length of handles this codec produces.
func (c Codec) HandleBytes() int {
	bits := c.Antennas * 4
	return (bits + 7) / 8
}

// Encode quantises each antenna's real and imaginary components
// independently to 2 bits using boundaries {-inf,-0.5,0,+0.5,+inf},
// packing the real code into the high two bits and the imaginary code
// into the low two bits of a nibble at bit offset 4*i.
func (c Codec) Encode(vec []ComplexSample) (Handle, error) {
	if len(vec) != c.Antennas {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrAntennaCount, len(vec), c.Antennas)
	}
	h := make(Handle, c.HandleBytes())
	for i, sample := range vec {
		nibble := (quantize(sample.Re) << 2) | quantize(sample.Im)
		packNibble(h, i, nibble)
	}
	return h, nil
}

// Decode recovers antenna index's dequantised complex sample from a
// handle, using the midpoint of each quantisation interval.
func (c Codec) Decode(h Handle, antenna int) (ComplexSample, error) {
	if antenna < 0 || antenna >= c.Antennas {
		return ComplexSample{}, fmt.Errorf("%w: %d", ErrAntennaIndex, antenna)
	}
	nibble := unpackNibble(h, antenna)
	realCode := (nibble >> 2) & 0x3
	imagCode := nibble & 0x3
	return ComplexSample{
		Re: dequantize(c.Format, realCode),
		Im: dequantize(c.Format, imagCode),
	}, nil
}

// DecodeAll recovers the full dequantised channel vector from a
// handle.
func (c Codec) DecodeAll(h Handle) ([]ComplexSample, error) {
	out := make([]ComplexSample, c.Antennas)
	for i := range out {
		s, err := c.Decode(h, i)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// quantize maps a fixed-point scalar to a 2-bit code using the
// boundaries {-inf,-0.5,0,+0.5,+inf}.
func quantize(v fixedpoint.Value) byte {
	switch {
	case v.LessThan(-0.5):
		return 0
	case v.LessThan(0):
		return 1
	case v.LessThan(0.5):
		return 2
	default:
		return 3
	}
}

// dequantizeMidpoints holds the asymmetric interval midpoints that
// preserve sign and avoid a zero value nullifying correlation
// products.
var dequantizeMidpoints = [4]float64{-0.75, -0.25, 0.25, 0.75}

func dequantize(f fixedpoint.Format, code byte) fixedpoint.Value {
	return fixedpoint.FromFloat(f, dequantizeMidpoints[code&0x3])
}

func packNibble(h Handle, antenna int, nibble byte) {
	offset := antenna * 4
	byteIdx := offset / 8
	if offset%8 == 0 {
		h[byteIdx] = (h[byteIdx] &^ 0x0F) | (nibble & 0x0F)
	} else {
		h[byteIdx] = (h[byteIdx] &^ 0xF0) | ((nibble & 0x0F) << 4)
	}
}

func unpackNibble(h Handle, antenna int) byte {
	offset := antenna * 4
	byteIdx := offset / 8
	if byteIdx >= len(h) {
		return 0
	}
	if offset%8 == 0 {
		return h[byteIdx] & 0x0F
	}
	return (h[byteIdx] >> 4) & 0x0F
}
