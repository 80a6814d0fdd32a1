package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/samcharles93/blockquant/internal/autotune"
	"github.com/samcharles93/blockquant/internal/blockmatmul"
	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/logger"
)

// newEngine builds an engine for m from the shared flags. A nil launcher
// gives the engine its own worker pool. The returned cache is nil when
// tuning is disabled.
func newEngine(ctx context.Context, m blockmatmul.Mode, launcher kernel.Launcher) (*blockmatmul.Engine, *autotune.Cache, error) {
	log := logger.FromContext(ctx)
	opts := blockmatmul.Options{
		Mode:     m,
		Launcher: launcher,
		Workers:  int(workers),
		Limits:   kernel.Limits{MaxStagingBytes: int(maxStagingBytes)},
		Logger:   log,
	}
	var cache *autotune.Cache
	if tuning {
		cache = autotune.NewCache()
		opts.Tuner = autotune.NewTuner(cache, autotune.Options{
			Warmup: int(tuneWarmup),
			Reps:   int(tuneReps),
			Logger: log,
		})
	}
	engine, err := blockmatmul.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return engine, cache, nil
}

// selectedMode parses the --mode flag (or its config file value).
func selectedMode() (blockmatmul.Mode, error) {
	m, err := blockmatmul.ParseMode(mode)
	if err != nil {
		return "", fmt.Errorf("--mode: %w", err)
	}
	return m, nil
}

// problemShape is a (Batch, M, N) problem with its sequence grouping.
type problemShape struct {
	Batch  int `json:"batch"`
	M      int `json:"m"`
	N      int `json:"n"`
	SeqLen int `json:"seq_len"`
}

func (s problemShape) String() string {
	return fmt.Sprintf("%dx%dx%d/%d", s.Batch, s.M, s.N, s.SeqLen)
}

// parseShape accepts "B,M,N" or "B,M,N,S" (x also separates). SeqLen
// defaults to 1.
func parseShape(s string) (problemShape, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == ',' || r == 'x' || r == 'X'
	})
	if len(fields) != 3 && len(fields) != 4 {
		return problemShape{}, fmt.Errorf("shape %q: want B,M,N or B,M,N,S", s)
	}
	dims := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return problemShape{}, fmt.Errorf("shape %q: %w", s, err)
		}
		if v <= 0 {
			return problemShape{}, fmt.Errorf("shape %q: dimensions must be positive", s)
		}
		dims[i] = v
	}
	shape := problemShape{Batch: dims[0], M: dims[1], N: dims[2], SeqLen: 1}
	if len(dims) == 4 {
		shape.SeqLen = dims[3]
	}
	return shape, nil
}

func parseShapes(values []string) ([]problemShape, error) {
	shapes := make([]problemShape, 0, len(values))
	for _, v := range values {
		s, err := parseShape(v)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, s)
	}
	return shapes, nil
}
