package kernel

import "github.com/samcharles93/blockquant/pkg/quant"

// Peak returns max|v| over the valid lanes of an accumulated tile. NaN lanes
// are ignored.
func Peak(acc []float32, t *Tile) float32 {
	var peak float32
	pn := t.PaddedN
	for i := 0; i < t.PaddedM; i++ {
		if !t.RowValid[i] {
			continue
		}
		row := acc[i*pn : (i+1)*pn]
		for j, v := range row {
			if !t.ColValid[j] {
				continue
			}
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}

// QuantizeTile quantises a whole padded tile into dst, two lanes per byte,
// and returns the single-precision scale it used. dst must hold
// PaddedM*PaddedN/2 bytes. Padding lanes are encoded too; the store masks
// them out.
func QuantizeTile(dst []uint8, acc []float32, t *Tile) float32 {
	scale := quant.ScaleFor(Peak(acc, t))

	pn := t.PaddedN
	half := pn / 2
	for i := 0; i < t.PaddedM; i++ {
		row := acc[i*pn : (i+1)*pn]
		out := dst[i*half : (i+1)*half]
		for p := range out {
			even := quant.Value(row[2*p], scale)
			odd := quant.Value(row[2*p+1], scale)
			out[p] = quant.PackNibbles(even, odd)
		}
	}
	return scale
}
