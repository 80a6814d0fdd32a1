package arrowio

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	arrowf16 "github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/samcharles93/blockquant/pkg/quant"
)

func TestPackedRoundTrip(t *testing.T) {
	t.Parallel()
	p, err := quant.NewPackedTensor(3, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range p.Data {
		p.Data[i] = uint8(i*37 + 1)
	}
	for b := range p.Scales {
		p.Scales[b] = float16.Fromfloat32(float32(b+1) / 7)
	}

	var buf bytes.Buffer
	if err := WritePacked(&buf, p); err != nil {
		t.Fatalf("WritePacked: %v", err)
	}
	got, err := ReadPacked(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadPacked: %v", err)
	}
	if !got.Equal(p) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, p)
	}
}

func TestSchemaMetadata(t *testing.T) {
	t.Parallel()
	s := Schema(4, 6)
	if s.NumFields() != 3 {
		t.Fatalf("fields = %d", s.NumFields())
	}
	md := s.Metadata()
	if idx := md.FindKey(metaN); idx < 0 || md.Values()[idx] != "6" {
		t.Fatalf("metadata = %v", md)
	}
}

func TestWritePackedRejectsEmpty(t *testing.T) {
	t.Parallel()
	p, err := quant.NewPackedTensor(1, 0, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := WritePacked(&bytes.Buffer{}, p); err == nil {
		t.Fatal("expected error for empty tensor")
	}
}

// writeIndexed writes one 2x2 row per index, so tests can lay out the batch
// column by hand.
func writeIndexed(t *testing.T, indices []int32) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()
	schema := Schema(2, 2)
	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	for i, idx := range indices {
		bldr.Field(0).(*array.Int32Builder).Append(idx)
		bldr.Field(1).(*array.Float16Builder).Append(arrowf16.New(1))
		bldr.Field(2).(*array.FixedSizeBinaryBuilder).Append([]byte{byte(i), byte(i)})
	}
	rec := bldr.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	fw, err := ipc.NewFileWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		t.Fatal(err)
	}
	if err := fw.Write(rec); err != nil {
		t.Fatal(err)
	}
	if err := fw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestReadPackedBatchIndices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		indices []int32
		wantErr bool
	}{
		{name: "in order", indices: []int32{0, 1, 2}},
		{name: "shuffled", indices: []int32{2, 0, 1}},
		{name: "duplicate leaves gap", indices: []int32{0, 0, 2}, wantErr: true},
		{name: "out of range", indices: []int32{0, 1, 3}, wantErr: true},
		{name: "negative", indices: []int32{-1, 0, 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ReadPacked(bytes.NewReader(writeIndexed(t, tt.indices)))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ReadPacked(%v) succeeded, want error", tt.indices)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadPacked(%v): %v", tt.indices, err)
			}
			for row, idx := range tt.indices {
				if b := got.BatchBytes(int(idx)); b[0] != byte(row) {
					t.Fatalf("batch %d holds row %d, want row %d", idx, b[0], row)
				}
			}
		})
	}
}
