package kernel

import "github.com/x448/float16"

// StorePacked writes the packed tile into dst, whose batch element starts at
// base and has rows of N/2 bytes. Only rows < M and packed columns < N/2 are
// written.
func StorePacked(dst, packed []uint8, t *Tile, base int) {
	half := t.N / 2
	pHalf := t.PaddedN / 2
	for i := 0; i < t.PaddedM; i++ {
		if !t.RowValid[i] {
			continue
		}
		off := base + t.GlobalRow(i)*half
		copy(dst[off:off+half], packed[i*pHalf:i*pHalf+half])
	}
}

// StoreScale records the per-batch scale at half precision.
func StoreScale(scales []float16.Float16, batch int, scale float32) {
	scales[batch] = float16.Fromfloat32(scale)
}

// StoreFull writes the valid lanes of acc to dst, a row-major (M, N)
// float32 slice starting at base. The intermediate keeps the accumulator's
// precision so a later QuantizeTile sees exactly what the fused path sees.
func StoreFull(dst, acc []float32, t *Tile, base int) {
	pn := t.PaddedN
	for i := 0; i < t.PaddedM; i++ {
		if !t.RowValid[i] {
			continue
		}
		off := base + t.GlobalRow(i)*t.N
		copy(dst[off:off+t.N], acc[i*pn:i*pn+t.N])
	}
}

// LoadFull is the masked counterpart of StoreFull: valid lanes are read from
// src, padding lanes are zeroed.
func LoadFull(acc, src []float32, t *Tile, base int) {
	pn := t.PaddedN
	acc = acc[:t.PaddedM*pn]
	for i := 0; i < t.PaddedM; i++ {
		row := acc[i*pn : (i+1)*pn]
		if !t.RowValid[i] {
			clear(row)
			continue
		}
		off := base + t.GlobalRow(i)*t.N
		copy(row[:t.N], src[off:off+t.N])
		clear(row[t.N:])
	}
}
