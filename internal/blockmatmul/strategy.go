package blockmatmul

import (
	"context"
	"time"

	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/metrics"
	"github.com/samcharles93/blockquant/pkg/quant"
)

// strategy runs the launches of one mode for a validated problem.
type strategy interface {
	run(ctx context.Context, l kernel.Launcher, p *problem, cfg kernel.Config, out *quant.PackedTensor) error
}

func strategyFor(m Mode) (strategy, error) {
	switch m {
	case ModeFused:
		return fusedStrategy{}, nil
	case ModeUnfused:
		return unfusedStrategy{}, nil
	default:
		_, err := ParseMode(string(m))
		return nil, err
	}
}

func launch(l kernel.Launcher, name string, grid kernel.Grid, program kernel.Program) {
	start := time.Now()
	l.Launch(grid, program)
	metrics.RecordKernel(name, time.Since(start))
}

type fusedStrategy struct{}

func (fusedStrategy) run(ctx context.Context, l kernel.Launcher, p *problem, cfg kernel.Config, out *quant.PackedTensor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	half := p.b.M * out.PackedCols()
	launch(l, "fused", p.grid, func(id kernel.ProgramID, s *kernel.Scratch) {
		batch := id.Y + id.Z*p.seqLen
		t := &p.tiles[id.X]
		b, c := p.operands(batch)

		acc := s.Acc(t)
		kernel.Accumulate(acc, t, b, c, cfg, s)
		packed := s.Packed(t)
		scale := kernel.QuantizeTile(packed, acc, t)
		kernel.StorePacked(out.Data, packed, t, batch*half)
		kernel.StoreScale(out.Scales, batch, scale)
	})
	return nil
}

type unfusedStrategy struct{}

func (unfusedStrategy) run(ctx context.Context, l kernel.Launcher, p *problem, cfg kernel.Config, out *quant.PackedTensor) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, n := p.b.M, p.b.N
	inter := make([]float32, p.b.Batch*m*n)
	launch(l, "unfused_matmul", p.grid, func(id kernel.ProgramID, s *kernel.Scratch) {
		batch := id.Y + id.Z*p.seqLen
		t := &p.tiles[id.X]
		b, c := p.operands(batch)

		acc := s.Acc(t)
		kernel.Accumulate(acc, t, b, c, cfg, s)
		kernel.StoreFull(inter, acc, t, batch*m*n)
	})

	if err := ctx.Err(); err != nil {
		return err
	}

	// One program per batch element; the whole M×N slice is one tile.
	t := &p.tiles[0]
	half := m * out.PackedCols()
	grid := kernel.Grid{X: p.seqLen, Y: p.groups, Z: 1}
	launch(l, "unfused_quantize", grid, func(id kernel.ProgramID, s *kernel.Scratch) {
		batch := id.X + id.Y*p.seqLen
		acc := s.Acc(t)
		kernel.LoadFull(acc, inter, t, batch*m*n)
		packed := s.Packed(t)
		scale := kernel.QuantizeTile(packed, acc, t)
		kernel.StorePacked(out.Data, packed, t, batch*half)
		kernel.StoreScale(out.Scales, batch, scale)
	})
	return nil
}
