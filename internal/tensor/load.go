package tensor

import (
	"fmt"

	"github.com/samcharles93/blockquant/internal/safetensors"
)

// LoadSafetensorsBatch loads a (batch, m, n) tensor from a safetensors file.
func LoadSafetensorsBatch(st *safetensors.File, name string) (Batch, error) {
	data, info, err := st.ReadTensorF16(name)
	if err != nil {
		return Batch{}, err
	}
	if len(info.Shape) != 3 {
		return Batch{}, fmt.Errorf("%s: expected 3D tensor, got shape %v", name, info.Shape)
	}
	b, err := NewBatchFromData(info.Shape[0], info.Shape[1], info.Shape[2], data)
	if err != nil {
		return Batch{}, fmt.Errorf("%s: %w", name, err)
	}
	return b, nil
}

// LoadSafetensorsMat loads a 2D matrix from a safetensors file.
func LoadSafetensorsMat(st *safetensors.File, name string) (Mat, error) {
	data, info, err := st.ReadTensorF16(name)
	if err != nil {
		return Mat{}, err
	}
	if len(info.Shape) != 2 {
		return Mat{}, fmt.Errorf("%s: expected 2D tensor, got shape %v", name, info.Shape)
	}
	m, err := NewMatFromData(info.Shape[0], info.Shape[1], data)
	if err != nil {
		return Mat{}, fmt.Errorf("%s: %w", name, err)
	}
	return m, nil
}
