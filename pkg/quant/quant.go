// Package quant defines the packed signed 4-bit representation produced by
// the block matmul kernels and the scalar rules used to build it.
//
// Values are quantised symmetrically with one scale per batch element:
//
//	scale = max|x| / 7
//	q     = clamp(round_half_away(x / scale), -8, 7)
//
// Two adjacent columns share a byte: the even column lives in the low nibble
// and the odd column in the high nibble.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

const (
	// QMax is the largest representable quantised value and the divisor used
	// to derive a scale from a peak magnitude.
	QMax = 7
	// QMin is the smallest representable quantised value.
	QMin = -8
)

var ErrOddColumns = errors.New("quant: column count must be even")

// ScaleFor returns the symmetric scale for a peak magnitude. A scale that
// rounds to zero at half precision is flushed to 0, so a stored zero scale
// always comes with all-zero values.
func ScaleFor(peak float32) float32 {
	scale := peak / QMax
	if float16.Fromfloat32(scale).Bits()&0x7FFF == 0 {
		return 0
	}
	return scale
}

// RoundHalfAway rounds to the nearest integer, ties away from zero.
func RoundHalfAway(x float32) float32 {
	return float32(math.Round(float64(x)))
}

// Clamp saturates q into [QMin, QMax].
func Clamp(q int) int8 {
	if q > QMax {
		return QMax
	}
	if q < QMin {
		return QMin
	}
	return int8(q)
}

// Value quantises v against scale.
//
// A zero scale maps everything to 0. NaN maps to 0 and infinities saturate.
func Value(v, scale float32) int8 {
	if scale == 0 || v != v {
		return 0
	}
	if math.IsInf(float64(v), 1) {
		return QMax
	}
	if math.IsInf(float64(v), -1) {
		return QMin
	}
	x := v / scale
	if x != x {
		return 0
	}
	if x >= QMax {
		return QMax
	}
	if x <= QMin {
		return QMin
	}
	return Clamp(int(RoundHalfAway(x)))
}

// PackNibbles stores even in the low nibble and odd in the high nibble.
func PackNibbles(even, odd int8) uint8 {
	return (uint8(odd)<<4)&0xF0 | uint8(even)&0x0F
}

// UnpackLow sign-extends the low nibble.
func UnpackLow(b uint8) int8 {
	return int8(b<<4) >> 4
}

// UnpackHigh sign-extends the high nibble.
func UnpackHigh(b uint8) int8 {
	return int8(b) >> 4
}

// PackedTensor is a (Batch, M, N) tensor stored as (Batch, M, N/2) packed
// nibbles plus one half-precision scale per batch element.
type PackedTensor struct {
	Batch, M, N int
	Data        []uint8
	Scales      []float16.Float16
}

// NewPackedTensor allocates storage for a packed (batch, m, n) tensor.
func NewPackedTensor(batch, m, n int) (*PackedTensor, error) {
	if batch < 0 || m < 0 || n < 0 {
		return nil, fmt.Errorf("quant: negative shape (%d, %d, %d)", batch, m, n)
	}
	if n%2 != 0 {
		return nil, fmt.Errorf("%w: n=%d", ErrOddColumns, n)
	}
	return &PackedTensor{
		Batch:  batch,
		M:      m,
		N:      n,
		Data:   make([]uint8, batch*m*(n/2)),
		Scales: make([]float16.Float16, batch),
	}, nil
}

// PackedCols is the byte width of one packed row.
func (p *PackedTensor) PackedCols() int {
	return p.N / 2
}

// BatchBytes returns the packed bytes of batch element b.
func (p *PackedTensor) BatchBytes(b int) []uint8 {
	size := p.M * p.PackedCols()
	return p.Data[b*size : (b+1)*size]
}

// Scale returns the dequantisation factor of batch element b.
func (p *PackedTensor) Scale(b int) float32 {
	return p.Scales[b].Float32()
}

// Value returns the signed 4-bit value at (b, i, j).
func (p *PackedTensor) Value(b, i, j int) int8 {
	cols := p.PackedCols()
	packed := p.Data[(b*p.M+i)*cols+j/2]
	if j%2 == 0 {
		return UnpackLow(packed)
	}
	return UnpackHigh(packed)
}

// DequantizeBatch expands batch element b into dst, which must hold M*N values.
func (p *PackedTensor) DequantizeBatch(b int, dst []float32) {
	if len(dst) < p.M*p.N {
		panic("quant: dequantize buffer too small")
	}
	scale := p.Scale(b)
	src := p.BatchBytes(b)
	for idx, packed := range src {
		dst[2*idx] = float32(UnpackLow(packed)) * scale
		dst[2*idx+1] = float32(UnpackHigh(packed)) * scale
	}
}

// Dequantize expands the whole tensor to row-major float32 values.
func (p *PackedTensor) Dequantize() []float32 {
	out := make([]float32, p.Batch*p.M*p.N)
	size := p.M * p.N
	for b := 0; b < p.Batch; b++ {
		p.DequantizeBatch(b, out[b*size:(b+1)*size])
	}
	return out
}

// Equal reports whether two packed tensors hold identical bytes and scales.
func (p *PackedTensor) Equal(o *PackedTensor) bool {
	if p.Batch != o.Batch || p.M != o.M || p.N != o.N {
		return false
	}
	if len(p.Data) != len(o.Data) || len(p.Scales) != len(o.Scales) {
		return false
	}
	for i := range p.Data {
		if p.Data[i] != o.Data[i] {
			return false
		}
	}
	for i := range p.Scales {
		if p.Scales[i].Bits() != o.Scales[i].Bits() {
			return false
		}
	}
	return true
}
