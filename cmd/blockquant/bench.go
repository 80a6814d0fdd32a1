package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blockquant/internal/blockmatmul"
	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/logger"
	"github.com/samcharles93/blockquant/internal/reference"
	"github.com/samcharles93/blockquant/internal/tensor"
)

const providerReference = "reference"

var defaultBenchShapes = []string{
	"16,32,64,4",
	"64,64,128,8",
	"128,128,256,16",
}

type benchResult struct {
	Shape    problemShape `json:"shape"`
	Provider string       `json:"provider"`
	Median   float64      `json:"median_ms"`
	P20      float64      `json:"p20_ms"`
	P80      float64      `json:"p80_ms"`
	TFLOPS   float64      `json:"tflops"`
	// TFLOPS at the p80 and p20 times respectively.
	TFLOPSMin float64 `json:"tflops_min"`
	TFLOPSMax float64 `json:"tflops_max"`
}

func benchCmd() *cli.Command {
	var (
		shapeArgs  []string
		providers  []string
		warmupRuns int64
		benchRuns  int64
		jsonOut    bool
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Compare fused, unfused and reference execution",
		Flags: commonFlags(
			&cli.StringSliceFlag{
				Name:        "shape",
				Usage:       "problem shape B,M,N,S (repeatable)",
				Value:       defaultBenchShapes,
				Destination: &shapeArgs,
			},
			&cli.StringSliceFlag{
				Name:        "provider",
				Usage:       "providers to run (fused, unfused, reference)",
				Value:       []string{string(blockmatmul.ModeFused), string(blockmatmul.ModeUnfused), providerReference},
				Destination: &providers,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "untimed runs per provider and shape",
				Value:       2,
				Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "timed runs per provider and shape",
				Value:       10,
				Destination: &benchRuns,
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
			if benchRuns < 1 {
				return cli.Exit("error: --runs must be positive", 1)
			}

			pool := kernel.NewPool(int(workers))
			defer pool.Close()

			runners := make(map[string]func(*tensor.Batch, *tensor.Mat, int) error, len(providers))
			for _, p := range providers {
				if p == providerReference {
					runners[p] = func(b *tensor.Batch, c *tensor.Mat, _ int) error {
						_, err := reference.Compute(b, c)
						return err
					}
					continue
				}
				m, err := blockmatmul.ParseMode(p)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: --provider: %v", err), 1)
				}
				engine, _, err := newEngine(ctx, m, pool)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				runners[p] = func(b *tensor.Batch, c *tensor.Mat, seqLen int) error {
					_, err := engine.Execute(ctx, b, c, seqLen)
					return err
				}
			}

			var results []benchResult
			for _, shape := range shapes {
				b := tensor.NewBatch(shape.Batch, shape.M, shape.N)
				b.FillRand(1)
				c := tensor.NewMat(shape.N, shape.N)
				c.FillRand(2)

				for _, p := range providers {
					run := runners[p]
					for i := range int(warmupRuns) {
						if err := run(&b, &c, shape.SeqLen); err != nil {
							return cli.Exit(fmt.Sprintf("error: %s %s warmup %d: %v", p, shape, i+1, err), 1)
						}
					}
					times := make([]time.Duration, 0, benchRuns)
					for i := range int(benchRuns) {
						start := time.Now()
						if err := run(&b, &c, shape.SeqLen); err != nil {
							return cli.Exit(fmt.Sprintf("error: %s %s run %d: %v", p, shape, i+1, err), 1)
						}
						times = append(times, time.Since(start))
					}
					r := summarize(shape, p, times)
					log.Debug("benchmarked", "shape", shape.String(), "provider", p, "median_ms", r.Median)
					results = append(results, r)
				}
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			printBench(results)
			return nil
		},
	}
}

// summarize reduces timed runs to the 0.5, 0.2 and 0.8 quantiles and the
// matching throughput, counting 2·B·M·N·N flops per run.
func summarize(shape problemShape, provider string, times []time.Duration) benchResult {
	sorted := slices.Clone(times)
	slices.Sort(sorted)
	flops := 2 * float64(shape.Batch) * float64(shape.M) * float64(shape.N) * float64(shape.N)
	r := benchResult{
		Shape:    shape,
		Provider: provider,
		Median:   ms(quantile(sorted, 0.5)),
		P20:      ms(quantile(sorted, 0.2)),
		P80:      ms(quantile(sorted, 0.8)),
	}
	r.TFLOPS = tflops(flops, r.Median)
	r.TFLOPSMin = tflops(flops, r.P80)
	r.TFLOPSMax = tflops(flops, r.P20)
	return r
}

// quantile uses linear interpolation between the closest ranks of sorted.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	hi := min(lo+1, len(sorted)-1)
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func tflops(flops, millis float64) float64 {
	if millis <= 0 {
		return 0
	}
	return flops * 1e-12 / (millis * 1e-3)
}

func printBench(results []benchResult) {
	fmt.Println("=== blockquant bench ===")
	fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Println()
	fmt.Printf("%-18s %-10s %10s %10s %10s %10s\n", "Shape", "Provider", "Median", "P20", "P80", "TFLOPS")
	fmt.Printf("%-18s %-10s %10s %10s %10s %10s\n", "B x M x N / S", "", "ms", "ms", "ms", "")
	for _, r := range results {
		fmt.Printf("%-18s %-10s %10.3f %10.3f %10.3f %10.4f\n",
			r.Shape, r.Provider, r.Median, r.P20, r.P80, r.TFLOPS)
	}
}
