package kernel

import "github.com/x448/float16"

// Operand is a read-only row-major view of half-precision values.
type Operand struct {
	Data   []float16.Float16
	Stride int
}

// Accumulate computes acc = B[rows, :] · C[:, cols] for tile t, walking the
// contraction dimension N in chunks of cfg.ChunkK.
//
// acc must hold PaddedM*PaddedN values and is overwritten. Each chunk is
// loaded under the mask offset_k < N - iteration*ChunkK so the final partial
// chunk contributes zeros beyond the true width. Products are rounded to
// float32 before they are added, which keeps every configuration (and the
// plain reference loop) bit-identical on all platforms.
func Accumulate(acc []float32, t *Tile, b, c Operand, cfg Config, s *Scratch) {
	pm, pn := t.PaddedM, t.PaddedN
	acc = acc[:pm*pn]
	clear(acc)
	if t.N == 0 || t.M == 0 {
		return
	}
	if s == nil {
		s = new(Scratch)
	}

	kc := cfg.ChunkK
	stages := cfg.Stages
	width := cfg.Width
	span := stages * kc

	bStage := grow(&s.bStage, pm*span)
	cStage := grow(&s.cStage, span*pn)

	iters := (t.N + kc - 1) / kc
	for it0 := 0; it0 < iters; it0 += stages {
		itEnd := min(it0+stages, iters)
		for it := it0; it < itEnd; it++ {
			loadChunk(bStage, cStage, t, b, c, it, kc, (it-it0)*kc, span)
		}
		used := (itEnd - it0) * kc

		for i0 := 0; i0 < pm; i0 += width {
			i1 := min(i0+width, pm)
			for k := 0; k < used; k++ {
				cRow := cStage[k*pn : (k+1)*pn]
				for i := i0; i < i1; i++ {
					a := bStage[i*span+k]
					accRow := acc[i*pn : (i+1)*pn]
					for j, cv := range cRow {
						accRow[j] += float32(a * cv)
					}
				}
			}
		}
	}
}

// loadChunk decodes contraction chunk it into the staging buffers at column
// offset off. Lanes past the true contraction width read as zero.
func loadChunk(bStage, cStage []float32, t *Tile, b, c Operand, it, kc, off, span int) {
	pn := t.PaddedN
	k0 := it * kc
	remaining := t.N - k0

	for i := 0; i < t.PaddedM; i++ {
		dst := bStage[i*span+off : i*span+off+kc]
		src := b.Data[t.Rows[i]*b.Stride:]
		for kk := range dst {
			if kk < remaining {
				dst[kk] = src[k0+kk].Float32()
			} else {
				dst[kk] = 0
			}
		}
	}

	for kk := 0; kk < kc; kk++ {
		dst := cStage[(off+kk)*pn : (off+kk+1)*pn]
		if kk >= remaining {
			clear(dst)
			continue
		}
		src := c.Data[(k0+kk)*c.Stride:]
		for j, col := range t.Cols {
			dst[j] = src[col].Float32()
		}
	}
}
