// Package reference is the plain host-side baseline for the block matmul
// kernels: a batched matrix multiply followed by a separate quantisation
// pass. It shares no code with the tiled kernels and is used to check and
// benchmark them.
package reference

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/samcharles93/blockquant/internal/tensor"
	"github.com/samcharles93/blockquant/pkg/quant"
)

// Matmul returns B[b] @ C for every batch element as row-major float32.
// Products are rounded to float32 before they are summed in increasing k.
func Matmul(b *tensor.Batch, c *tensor.Mat) ([]float32, error) {
	if b.N != c.R || c.R != c.C {
		return nil, fmt.Errorf("reference: shape mismatch (%d,%d,%d) x (%d,%d)", b.Batch, b.M, b.N, c.R, c.C)
	}
	n := b.N
	out := make([]float32, b.Batch*b.M*n)
	cf := tensor.ToFloat32(c.Data)
	row := make([]float32, n)
	for bi := 0; bi < b.Batch; bi++ {
		for i := 0; i < b.M; i++ {
			for k := range row {
				row[k] = b.At(bi, i, k)
			}
			dst := out[(bi*b.M+i)*n : (bi*b.M+i+1)*n]
			for j := range dst {
				var sum float32
				for k, a := range row {
					sum += float32(a * cf[k*c.Stride+j])
				}
				dst[j] = sum
			}
		}
	}
	return out, nil
}

// Quantize packs a row-major (batch, m, n) float32 tensor with one scale per
// batch element.
func Quantize(values []float32, batch, m, n int) (*quant.PackedTensor, error) {
	if len(values) != batch*m*n {
		return nil, fmt.Errorf("reference: %d values for shape (%d,%d,%d)", len(values), batch, m, n)
	}
	out, err := quant.NewPackedTensor(batch, m, n)
	if err != nil {
		return nil, err
	}
	size := m * n
	for bi := 0; bi < batch; bi++ {
		src := values[bi*size : (bi+1)*size]
		var peak float32
		for _, v := range src {
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
		scale := quant.ScaleFor(peak)
		out.Scales[bi] = float16.Fromfloat32(scale)
		dst := out.BatchBytes(bi)
		for p := range dst {
			dst[p] = quant.PackNibbles(quant.Value(src[2*p], scale), quant.Value(src[2*p+1], scale))
		}
	}
	return out, nil
}

// Compute runs Matmul then Quantize.
func Compute(b *tensor.Batch, c *tensor.Mat) (*quant.PackedTensor, error) {
	prod, err := Matmul(b, c)
	if err != nil {
		return nil, err
	}
	return Quantize(prod, b.Batch, b.M, b.N)
}
