package kernel

import (
	"errors"
	"fmt"
)

const (
	defaultChunkK = 16
	defaultStages = 2

	maxChunkK = 128
	maxStages = 4
	maxWidth  = 8

	// Roughly an L2 slice; plays the role of per-program shared memory.
	defaultMaxStagingBytes = 256 << 10
)

// ErrResourceLimit reports a configuration that cannot run on a given tile.
var ErrResourceLimit = errors.New("kernel: configuration exceeds resource limits")

// Config selects how a program walks the contraction dimension.
//
// ChunkK is the number of contraction columns loaded per iteration. Stages is
// the number of chunks decoded ahead into the staging buffers before they are
// consumed. Width is the number of tile rows updated together against each
// staged row of the right operand.
type Config struct {
	ChunkK int `json:"chunk_k" yaml:"chunk_k"`
	Stages int `json:"stages" yaml:"stages"`
	Width  int `json:"width" yaml:"width"`
}

func (c Config) String() string {
	return fmt.Sprintf("chunk_k=%d stages=%d width=%d", c.ChunkK, c.Stages, c.Width)
}

// Limits bounds the per-program working set.
type Limits struct {
	MaxStagingBytes int
}

func DefaultLimits() Limits {
	return Limits{MaxStagingBytes: defaultMaxStagingBytes}
}

// StagingBytes is the size of the float32 staging buffers cfg needs on tile.
func (c Config) StagingBytes(t Tile) int {
	return 4 * c.Stages * c.ChunkK * (t.PaddedM + t.PaddedN)
}

// Check validates cfg against tile and limits. Configurations that are well
// formed but too large for the tile report ErrResourceLimit.
func (c Config) Check(t Tile, limits Limits) error {
	if c.ChunkK < 1 || c.Stages < 1 || c.Width < 1 {
		return fmt.Errorf("kernel: invalid config %s", c)
	}
	if c.Width > t.PaddedM {
		return fmt.Errorf("%w: width %d > padded rows %d", ErrResourceLimit, c.Width, t.PaddedM)
	}
	if limits.MaxStagingBytes > 0 {
		if need := c.StagingBytes(t); need > limits.MaxStagingBytes {
			return fmt.Errorf("%w: staging %d bytes > %d", ErrResourceLimit, need, limits.MaxStagingBytes)
		}
	}
	return nil
}

// Catalogue lists the configurations the autotuner benchmarks.
func Catalogue() []Config {
	return []Config{
		{ChunkK: 16, Stages: 2, Width: 4},
		{ChunkK: 32, Stages: 2, Width: 4},
		{ChunkK: 64, Stages: 2, Width: 4},
		{ChunkK: 32, Stages: 2, Width: 2},
		{ChunkK: 16, Stages: 3, Width: 4},
		{ChunkK: 32, Stages: 3, Width: 2},
		{ChunkK: 16, Stages: 4, Width: 4},
		{ChunkK: 32, Stages: 4, Width: 2},
		{ChunkK: 128, Stages: 2, Width: 2},
		{ChunkK: 128, Stages: 1, Width: 4},
	}
}

// SelectConfig picks a configuration without benchmarking.
func SelectConfig(m, n int) Config {
	cfg := Config{
		ChunkK: defaultChunkK,
		Stages: defaultStages,
		Width:  2,
	}

	switch {
	case n >= 192:
		cfg.ChunkK = 64
	case n >= 96:
		cfg.ChunkK = 32
	}
	if cpu.HasWideVectors {
		cfg.Width = 4
	}

	cfg.ChunkK = clamp(cfg.ChunkK, maxChunkK)
	cfg.Stages = clamp(cfg.Stages, maxStages)
	cfg.Width = clamp(min(cfg.Width, NextPow2(m)), maxWidth)
	return cfg
}

// Fit shrinks cfg until it passes Check on t: Width first, then Stages, then
// ChunkK. It returns the last error when even a (1, 1, 1) configuration
// does not fit.
func Fit(cfg Config, t Tile, limits Limits) (Config, error) {
	cfg.Width = min(cfg.Width, t.PaddedM)
	for {
		err := cfg.Check(t, limits)
		if err == nil || !errors.Is(err, ErrResourceLimit) {
			return cfg, err
		}
		switch {
		case cfg.Stages > 1:
			cfg.Stages--
		case cfg.ChunkK > 1:
			cfg.ChunkK /= 2
		default:
			return cfg, err
		}
	}
}

func clamp(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}
