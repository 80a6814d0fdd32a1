// Package blockmatmul multiplies every matrix of a batch by a shared square
// matrix and returns the products as packed signed 4-bit values with one
// scale per batch element.
package blockmatmul

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/blockquant/internal/autotune"
	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/logger"
	"github.com/samcharles93/blockquant/internal/metrics"
	"github.com/samcharles93/blockquant/internal/tensor"
	"github.com/samcharles93/blockquant/pkg/quant"
)

type Options struct {
	// Mode defaults to DefaultMode.
	Mode Mode
	// Launcher runs the kernel grids. When nil the engine starts its own
	// worker pool with Workers goroutines (GOMAXPROCS when zero) and stops
	// it on Close.
	Launcher kernel.Launcher
	Workers  int
	// Tuner benchmarks the configuration catalogue per shape. When nil the
	// engine uses kernel.SelectConfig.
	Tuner  *autotune.Tuner
	Limits kernel.Limits
	Logger logger.Logger
}

// Engine validates inputs, picks a kernel configuration and launches the
// kernels for one mode. It is safe for concurrent use when its launcher is.
type Engine struct {
	mode     Mode
	strategy strategy
	launcher kernel.Launcher
	pool     *kernel.Pool
	tuner    *autotune.Tuner
	limits   kernel.Limits
	log      logger.Logger
}

func New(opts Options) (*Engine, error) {
	mode := opts.Mode
	if mode == "" {
		m, err := ParseMode(DefaultMode)
		if err != nil {
			return nil, fmt.Errorf("default mode: %w", err)
		}
		mode = m
	}
	strat, err := strategyFor(mode)
	if err != nil {
		return nil, err
	}
	if opts.Limits == (kernel.Limits{}) {
		opts.Limits = kernel.DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	e := &Engine{
		mode:     mode,
		strategy: strat,
		launcher: opts.Launcher,
		tuner:    opts.Tuner,
		limits:   opts.Limits,
		log:      opts.Logger.With("component", "blockmatmul", "mode", mode.String()),
	}
	if e.launcher == nil {
		e.pool = kernel.NewPool(opts.Workers)
		e.launcher = e.pool
	}
	return e, nil
}

func (e *Engine) Mode() Mode {
	return e.mode
}

// Tuner returns the engine's tuner, or nil when tuning is disabled.
func (e *Engine) Tuner() *autotune.Tuner {
	return e.tuner
}

// Close stops the worker pool the engine started, if any.
func (e *Engine) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}

// problem is a validated call. Everything in it is read-only while the
// kernels run.
type problem struct {
	b      *tensor.Batch
	c      *tensor.Mat
	seqLen int
	groups int
	tiles  []kernel.Tile
	grid   kernel.Grid
}

func (p *problem) key() autotune.Key {
	return autotune.Key{Batch: p.b.Batch, M: p.b.M, N: p.b.N}
}

func (p *problem) operands(batch int) (kernel.Operand, kernel.Operand) {
	return kernel.Operand{Data: p.b.Slice(batch), Stride: p.b.Strides[1]},
		kernel.Operand{Data: p.c.Data, Stride: p.c.Stride}
}

// Execute computes B[g] @ C for every batch element g and quantises each
// product with its own scale. Batch must be a multiple of seqLen; programs
// are laid out as (row tiles, seqLen, Batch/seqLen). Execute returns after
// every launch has finished. ctx is checked before and between launches.
func (e *Engine) Execute(ctx context.Context, b *tensor.Batch, c *tensor.Mat, seqLen int) (*quant.PackedTensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := newProblem(b, c, seqLen)
	if err != nil {
		return nil, err
	}
	cfg, err := e.config(ctx, p)
	if err != nil {
		return nil, err
	}
	out, err := quant.NewPackedTensor(b.Batch, b.M, b.N)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := e.strategy.run(ctx, e.launcher, p, cfg, out); err != nil {
		return nil, err
	}

	zero := 0
	for _, s := range out.Scales {
		if s.Bits() == 0 {
			zero++
		}
	}
	if zero > 0 {
		metrics.ZeroScaleTiles.Add(float64(zero))
	}
	e.log.Debug("executed",
		"shape", p.key().String(),
		"seq_len", seqLen,
		"config", cfg.String(),
		"elapsed", time.Since(start),
	)
	return out, nil
}

// ExecuteWith is Execute with a caller-chosen configuration. It bypasses the
// tuner and reports kernel.ErrResourceLimit when cfg does not fit the shape.
func (e *Engine) ExecuteWith(ctx context.Context, b *tensor.Batch, c *tensor.Mat, seqLen int, cfg kernel.Config) (*quant.PackedTensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := newProblem(b, c, seqLen)
	if err != nil {
		return nil, err
	}
	if err := cfg.Check(p.tiles[0], e.limits); err != nil {
		return nil, err
	}
	out, err := quant.NewPackedTensor(b.Batch, b.M, b.N)
	if err != nil {
		return nil, err
	}
	if err := e.strategy.run(ctx, e.launcher, p, cfg, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) config(ctx context.Context, p *problem) (kernel.Config, error) {
	tile := p.tiles[0]
	if e.tuner == nil {
		cfg, err := kernel.Fit(kernel.SelectConfig(p.b.M, p.b.N), tile, e.limits)
		if err != nil {
			return kernel.Config{}, fmt.Errorf("select config for %s: %w", p.key(), err)
		}
		return cfg, nil
	}

	// Each candidate writes into a throwaway output so tuning never touches
	// the caller's result.
	var scratch *quant.PackedTensor
	run := func(ctx context.Context, cfg kernel.Config) error {
		if err := cfg.Check(tile, e.limits); err != nil {
			return err
		}
		if scratch == nil {
			var err error
			if scratch, err = quant.NewPackedTensor(p.b.Batch, p.b.M, p.b.N); err != nil {
				return err
			}
		}
		return e.strategy.run(ctx, e.launcher, p, cfg, scratch)
	}
	return e.tuner.Select(ctx, p.key(), run)
}

func newProblem(b *tensor.Batch, c *tensor.Mat, seqLen int) (*problem, error) {
	const op = "execute"
	if b == nil || c == nil {
		return nil, invalidShape(op, "nil input")
	}
	switch {
	case b.Batch <= 0 || b.M <= 0 || b.N <= 0:
		return nil, invalidShape(op, "B has empty shape (%d, %d, %d)", b.Batch, b.M, b.N)
	case c.R != c.C:
		return nil, invalidShape(op, "C must be square, got (%d, %d)", c.R, c.C)
	case b.N != c.R:
		return nil, invalidShape(op, "inner dimensions differ: B is (%d, %d, %d), C is (%d, %d)", b.Batch, b.M, b.N, c.R, c.C)
	case b.N%2 != 0:
		return nil, invalidShape(op, "N=%d must be even to pack two values per byte", b.N)
	case seqLen <= 0:
		return nil, invalidShape(op, "seq_len must be positive, got %d", seqLen)
	case b.Batch%seqLen != 0:
		return nil, invalidShape(op, "batch %d is not a multiple of seq_len %d", b.Batch, seqLen)
	}
	if !b.Contiguous() {
		return nil, notContiguous(op, "B")
	}
	if !c.Contiguous() {
		return nil, notContiguous(op, "C")
	}

	rowTiles := kernel.RowTiles(b.M)
	tiles := make([]kernel.Tile, rowTiles)
	for t := range tiles {
		tiles[t] = kernel.NewTile(t, b.M, b.N)
	}
	groups := b.Batch / seqLen
	return &problem{
		b:      b,
		c:      c,
		seqLen: seqLen,
		groups: groups,
		tiles:  tiles,
		grid:   kernel.Grid{X: rowTiles, Y: seqLen, Z: groups},
	}, nil
}
