package tensor

import (
	"math/rand"

	"github.com/x448/float16"
)

// Mat is a dense row-major matrix of half-precision values.
//
// R and C are the number of rows and columns. Stride is the number of
// elements between the starts of two consecutive rows; a contiguous matrix
// has Stride == C.
type Mat struct {
	R, C   int
	Stride int
	Data   []float16.Float16
}

// NewMat allocates a zeroed contiguous matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float16.Float16, r*c),
	}
}

// NewMatFromData wraps existing row-major data without copying.
func NewMatFromData(r, c int, data []float16.Float16) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	n, ok := mulInt(r, c)
	if !ok {
		return Mat{}, errTooLarge
	}
	if len(data) != n {
		return Mat{}, errDataSizeMismatch
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// Identity returns the n×n identity matrix.
func Identity(n int) Mat {
	m := NewMat(n, n)
	one := float16.Fromfloat32(1)
	for i := 0; i < n; i++ {
		m.Data[i*m.Stride+i] = one
	}
	return m
}

// Contiguous reports whether rows are packed back to back.
func (m *Mat) Contiguous() bool {
	return m.Stride == m.C && len(m.Data) >= m.R*m.C
}

// Row returns a view of the i-th row.
func (m *Mat) Row(i int) []float16.Float16 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

func (m *Mat) At(i, j int) float32 {
	return m.Data[i*m.Stride+j].Float32()
}

func (m *Mat) Set(i, j int, v float32) {
	m.Data[i*m.Stride+j] = float16.Fromfloat32(v)
}

// FillRand fills the matrix with reproducible standard-normal values rounded
// to half precision.
func (m *Mat) FillRand(seed int64) {
	fillNormal(m.Data, seed)
}

func fillNormal(dst []float16.Float16, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = float16.Fromfloat32(float32(rng.NormFloat64()))
	}
}

// FromFloat32 converts src to half precision, rounding to nearest even.
func FromFloat32(src []float32) []float16.Float16 {
	out := make([]float16.Float16, len(src))
	for i, v := range src {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

// ToFloat32 widens src to single precision.
func ToFloat32(src []float16.Float16) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = v.Float32()
	}
	return out
}

func mulInt(a, b int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	c := a * b
	if c/b != a {
		return 0, false
	}
	return c, true
}

var (
	errNegativeDim      = fmtError("negative dimension for tensor")
	errTooLarge         = fmtError("tensor too large")
	errDataSizeMismatch = fmtError("data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
