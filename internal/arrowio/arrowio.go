// Package arrowio exports packed quantisation results as Arrow IPC files:
// one row per batch element with its scale and packed bytes.
package arrowio

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowf16 "github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/samcharles93/blockquant/pkg/quant"
)

const (
	colBatch  = "batch"
	colScale  = "scale"
	colPacked = "packed"

	metaM = "blockquant.m"
	metaN = "blockquant.n"
)

// Schema describes a packed tensor with m rows of n columns per batch
// element.
func Schema(m, n int) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaM, metaN},
		[]string{strconv.Itoa(m), strconv.Itoa(n)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: colBatch, Type: arrow.PrimitiveTypes.Int32},
		{Name: colScale, Type: arrow.FixedWidthTypes.Float16},
		{Name: colPacked, Type: &arrow.FixedSizeBinaryType{ByteWidth: m * n / 2}},
	}, &md)
}

// WritePacked writes p as a single record batch.
func WritePacked(w io.Writer, p *quant.PackedTensor) error {
	if p.M*p.N == 0 {
		return fmt.Errorf("arrowio: empty tensor (%d, %d, %d)", p.Batch, p.M, p.N)
	}
	mem := memory.NewGoAllocator()
	schema := Schema(p.M, p.N)

	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	batches := bldr.Field(0).(*array.Int32Builder)
	scales := bldr.Field(1).(*array.Float16Builder)
	packed := bldr.Field(2).(*array.FixedSizeBinaryBuilder)
	for b := 0; b < p.Batch; b++ {
		batches.Append(int32(b))
		scales.Append(arrowf16.FromBits(p.Scales[b].Bits()))
		packed.Append(p.BatchBytes(b))
	}

	rec := bldr.NewRecord()
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("arrowio: open writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		_ = fw.Close()
		return fmt.Errorf("arrowio: write record: %w", err)
	}
	return fw.Close()
}

// ReadPacked reads a file produced by WritePacked.
func ReadPacked(r ipc.ReadAtSeeker) (*quant.PackedTensor, error) {
	mem := memory.NewGoAllocator()
	fr, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("arrowio: open reader: %w", err)
	}
	defer func() { _ = fr.Close() }()

	md := fr.Schema().Metadata()
	m, err := metaInt(md, metaM)
	if err != nil {
		return nil, err
	}
	n, err := metaInt(md, metaN)
	if err != nil {
		return nil, err
	}

	var rows int64
	recs := make([]arrow.Record, 0, fr.NumRecords())
	for i := 0; i < fr.NumRecords(); i++ {
		rec, err := fr.Record(i)
		if err != nil {
			return nil, fmt.Errorf("arrowio: record %d: %w", i, err)
		}
		rec.Retain()
		defer rec.Release()
		recs = append(recs, rec)
		rows += rec.NumRows()
	}

	out, err := quant.NewPackedTensor(int(rows), m, n)
	if err != nil {
		return nil, err
	}
	// One row per batch element: with as many rows as elements, rejecting
	// repeats also rules out gaps.
	seen := make([]bool, out.Batch)
	for _, rec := range recs {
		batches, ok1 := rec.Column(0).(*array.Int32)
		scales, ok2 := rec.Column(1).(*array.Float16)
		packed, ok3 := rec.Column(2).(*array.FixedSizeBinary)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf("arrowio: unexpected column types in %s", rec.Schema())
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			b := int(batches.Value(i))
			if b < 0 || b >= out.Batch {
				return nil, fmt.Errorf("arrowio: batch index %d out of range", b)
			}
			if seen[b] {
				return nil, fmt.Errorf("arrowio: duplicate batch index %d", b)
			}
			seen[b] = true
			out.Scales[b] = float16.Frombits(scales.Value(i).Uint16())
			copy(out.BatchBytes(b), packed.Value(i))
		}
	}
	return out, nil
}

func metaInt(md arrow.Metadata, key string) (int, error) {
	idx := md.FindKey(key)
	if idx < 0 {
		return 0, fmt.Errorf("arrowio: schema metadata missing %s", key)
	}
	v, err := strconv.Atoi(md.Values()[idx])
	if err != nil {
		return 0, fmt.Errorf("arrowio: metadata %s: %w", key, err)
	}
	return v, nil
}
