package main

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blockquant/internal/autotune"
	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/logger"
	"github.com/samcharles93/blockquant/internal/tensor"
)

type tuneResult struct {
	Key       autotune.Key  `json:"key"`
	Config    kernel.Config `json:"config"`
	ElapsedMS float64       `json:"elapsed_ms"`
}

func tuneCmd() *cli.Command {
	var (
		shapeArgs []string
		jsonOut   bool
	)

	return &cli.Command{
		Name:  "tune",
		Usage: "Select and print the kernel configuration for each shape",
		Flags: commonFlags(
			&cli.StringSliceFlag{
				Name:        "shape",
				Usage:       "problem shape B,M,N or B,M,N,S (repeatable)",
				Value:       defaultBenchShapes,
				Destination: &shapeArgs,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print results as JSON",
				Destination: &jsonOut,
			},
		),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			shapes, err := parseShapes(shapeArgs)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := selectedMode()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			// The command exists to run the selector.
			tuning = true
			engine, cache, err := newEngine(ctx, m, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer engine.Close()

			for _, shape := range shapes {
				b := tensor.NewBatch(shape.Batch, shape.M, shape.N)
				b.FillRand(1)
				c := tensor.NewMat(shape.N, shape.N)
				c.FillRand(2)
				log.Info("tuning", "shape", shape.String(), "mode", m.String())
				if _, err := engine.Execute(ctx, &b, &c, shape.SeqLen); err != nil {
					return cli.Exit(fmt.Sprintf("error: tune %s: %v", shape, err), 1)
				}
			}

			results := tuneResults(cache)
			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			fmt.Printf("%-16s %-8s %-8s %-8s %12s\n", "Key", "ChunkK", "Stages", "Width", "Median ms")
			for _, r := range results {
				fmt.Printf("%-16s %-8d %-8d %-8d %12.3f\n",
					r.Key, r.Config.ChunkK, r.Config.Stages, r.Config.Width, r.ElapsedMS)
			}
			return nil
		},
	}
}

// tuneResults lists the cache in key order.
func tuneResults(cache *autotune.Cache) []tuneResult {
	entries := cache.Entries()
	results := make([]tuneResult, 0, len(entries))
	for key, e := range entries {
		results = append(results, tuneResult{Key: key, Config: e.Config, ElapsedMS: ms(e.Elapsed)})
	}
	slices.SortFunc(results, func(a, b tuneResult) int {
		if a.Key.Batch != b.Key.Batch {
			return a.Key.Batch - b.Key.Batch
		}
		if a.Key.M != b.Key.M {
			return a.Key.M - b.Key.M
		}
		return a.Key.N - b.Key.N
	})
	return results
}
