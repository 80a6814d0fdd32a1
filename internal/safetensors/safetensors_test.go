package safetensors

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/x448/float16"
)

func writeFile(t *testing.T, tensors []Tensor, meta map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, tensors, meta); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path := filepath.Join(t.TempDir(), "test.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	halves := []float16.Float16{
		float16.Fromfloat32(1), float16.Fromfloat32(-0.5), float16.Fromfloat32(3), float16.Fromfloat32(0.125),
	}
	packed := []byte{0x77, 0x08, 0xF1}
	path := writeFile(t, []Tensor{
		{Name: "scales", DType: DTypeF16, Shape: []int{2, 2}, Data: F16Bytes(halves)},
		{Name: "packed", DType: DTypeU8, Shape: []int{3}, Data: packed},
	}, map[string]string{"format": "blockquant"})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.DataStart%8 != 0 {
		t.Fatalf("data starts at %d, want 8-byte alignment", f.DataStart)
	}
	if f.Metadata["format"] != "blockquant" {
		t.Fatalf("metadata = %v", f.Metadata)
	}
	if _, ok := f.Tensor(metadataKey); ok {
		t.Fatal("metadata listed as a tensor")
	}

	got, info, err := f.ReadTensorF16("scales")
	if err != nil {
		t.Fatalf("ReadTensorF16: %v", err)
	}
	if len(info.Shape) != 2 || info.Shape[0] != 2 || info.Shape[1] != 2 {
		t.Fatalf("shape = %v", info.Shape)
	}
	for i := range halves {
		if got[i] != halves[i] {
			t.Fatalf("value %d = %v, want %v", i, got[i], halves[i])
		}
	}

	raw, info, err := f.ReadTensor("packed")
	if err != nil {
		t.Fatalf("ReadTensor: %v", err)
	}
	if info.DType != DTypeU8 || !bytes.Equal(raw, packed) {
		t.Fatalf("packed = %v (%s)", raw, info.DType)
	}
}

func TestReadTensorF16Conversions(t *testing.T) {
	t.Parallel()
	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32[0:], math.Float32bits(1.5))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(-2))
	bf16 := make([]byte, 4)
	binary.LittleEndian.PutUint16(bf16[0:], 0x3F80) // 1.0
	binary.LittleEndian.PutUint16(bf16[2:], 0x4000) // 2.0

	path := writeFile(t, []Tensor{
		{Name: "a", DType: DTypeF32, Shape: []int{2}, Data: f32},
		{Name: "b", DType: DTypeBF16, Shape: []int{2}, Data: bf16},
		{Name: "c", DType: "I32", Shape: []int{1}, Data: make([]byte, 4)},
		{Name: "d", DType: DTypeF16, Shape: []int{3}, Data: make([]byte, 4)},
	}, nil)
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tests := []struct {
		name string
		want []float32
	}{
		{"a", []float32{1.5, -2}},
		{"b", []float32{1, 2}},
	}
	for _, tc := range tests {
		got, _, err := f.ReadTensorF16(tc.name)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		for i, w := range tc.want {
			if got[i].Float32() != w {
				t.Fatalf("%s[%d] = %v, want %v", tc.name, i, got[i].Float32(), w)
			}
		}
	}
	if _, _, err := f.ReadTensorF16("c"); err == nil {
		t.Fatal("expected unsupported dtype error")
	}
	if _, _, err := f.ReadTensorF16("d"); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected missing tensor error")
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	huge := make([]byte, 16)
	binary.LittleEndian.PutUint64(huge, 1<<40)

	header := []byte(`{"x":{"dtype":"U8","shape":[4],"data_offsets":[0,64]}}`)
	overrun := make([]byte, 8, 8+len(header)+4)
	binary.LittleEndian.PutUint64(overrun, uint64(len(header)))
	overrun = append(overrun, header...)
	overrun = append(overrun, 1, 2, 3, 4)

	for name, data := range map[string][]byte{
		"short":   {1, 2, 3},
		"huge":    huge,
		"overrun": overrun,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Open(path); err == nil {
			t.Errorf("%s: Open succeeded", name)
		}
	}
}

func TestWriteRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	err := Write(&bytes.Buffer{}, []Tensor{
		{Name: "a", DType: DTypeU8, Shape: []int{1}, Data: []byte{1}},
		{Name: "a", DType: DTypeU8, Shape: []int{1}, Data: []byte{2}},
	}, nil)
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}

func TestNumElements(t *testing.T) {
	t.Parallel()
	if n, err := NumElements([]int{2, 3, 4}); err != nil || n != 24 {
		t.Fatalf("NumElements = %d, %v", n, err)
	}
	if n, err := NumElements(nil); err != nil || n != 1 {
		t.Fatalf("scalar = %d, %v", n, err)
	}
	if _, err := NumElements([]int{-1}); err == nil {
		t.Fatal("expected error for negative dim")
	}
}
