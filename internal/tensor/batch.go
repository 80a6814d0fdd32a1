package tensor

import "github.com/x448/float16"

// Batch is a stack of Batch row-major M×N half-precision matrices.
//
// Strides are in elements: Strides[0] separates batch elements, Strides[1]
// rows and Strides[2] columns. A contiguous batch has strides (M*N, N, 1).
type Batch struct {
	Batch, M, N int
	Strides     [3]int
	Data        []float16.Float16
}

// NewBatch allocates a zeroed contiguous batch tensor.
func NewBatch(batch, m, n int) Batch {
	if batch < 0 || m < 0 || n < 0 {
		panic("negative dimension for batch tensor")
	}
	return Batch{
		Batch:   batch,
		M:       m,
		N:       n,
		Strides: [3]int{m * n, n, 1},
		Data:    make([]float16.Float16, batch*m*n),
	}
}

// NewBatchFromData wraps existing contiguous data without copying.
func NewBatchFromData(batch, m, n int, data []float16.Float16) (Batch, error) {
	if batch < 0 || m < 0 || n < 0 {
		return Batch{}, errNegativeDim
	}
	mn, ok := mulInt(m, n)
	if !ok {
		return Batch{}, errTooLarge
	}
	total, ok := mulInt(batch, mn)
	if !ok {
		return Batch{}, errTooLarge
	}
	if len(data) != total {
		return Batch{}, errDataSizeMismatch
	}
	return Batch{
		Batch:   batch,
		M:       m,
		N:       n,
		Strides: [3]int{mn, n, 1},
		Data:    data,
	}, nil
}

// Contiguous reports whether the tensor is densely packed in row-major order.
func (b *Batch) Contiguous() bool {
	return b.Strides == [3]int{b.M * b.N, b.N, 1} && len(b.Data) >= b.Batch*b.M*b.N
}

// Slice returns the M×N block of batch element i. The batch must be
// contiguous.
func (b *Batch) Slice(i int) []float16.Float16 {
	if i < 0 || i >= b.Batch {
		panic("batch index out of range")
	}
	start := i * b.Strides[0]
	return b.Data[start : start+b.M*b.N]
}

func (b *Batch) At(bi, i, j int) float32 {
	return b.Data[bi*b.Strides[0]+i*b.Strides[1]+j*b.Strides[2]].Float32()
}

func (b *Batch) Set(bi, i, j int, v float32) {
	b.Data[bi*b.Strides[0]+i*b.Strides[1]+j*b.Strides[2]] = float16.Fromfloat32(v)
}

// Fill sets every element to v.
func (b *Batch) Fill(v float32) {
	h := float16.Fromfloat32(v)
	for i := range b.Data {
		b.Data[i] = h
	}
}

// FillRand fills the tensor with reproducible standard-normal values.
func (b *Batch) FillRand(seed int64) {
	fillNormal(b.Data, seed)
}
