package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blockquant/internal/arrowio"
	"github.com/samcharles93/blockquant/internal/blockmatmul"
	"github.com/samcharles93/blockquant/internal/logger"
	"github.com/samcharles93/blockquant/internal/reference"
	"github.com/samcharles93/blockquant/internal/safetensors"
	"github.com/samcharles93/blockquant/internal/tensor"
	"github.com/samcharles93/blockquant/internal/version"
	"github.com/samcharles93/blockquant/pkg/quant"
)

const (
	formatSafetensors = "safetensors"
	formatArrow       = "arrow"
)

func runCmd() *cli.Command {
	var (
		inPath  string
		bName   string
		cName   string
		seqLen  int64
		outPath string
		format  string
		verify  bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Multiply and quantise tensors from a safetensors file",
		Flags: commonFlags(
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "input safetensors file holding B (batch, m, n) and C (n, n)",
				Required:    true,
				Destination: &inPath,
			},
			&cli.StringFlag{
				Name:        "b-name",
				Usage:       "tensor name of the left batch",
				Value:       "b",
				Destination: &bName,
			},
			&cli.StringFlag{
				Name:        "c-name",
				Usage:       "tensor name of the shared right matrix",
				Value:       "c",
				Destination: &cName,
			},
			&cli.Int64Flag{
				Name:        "seq-len",
				Aliases:     []string{"s"},
				Usage:       "sequence length; batch must be a multiple of it",
				Value:       1,
				Destination: &seqLen,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output file (.safetensors or .arrow)",
				Required:    true,
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (safetensors, arrow); inferred from --out when empty",
				Destination: &format,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "compare against the host reference path",
				Destination: &verify,
			},
		),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			outFormat, err := resolveFormat(format, outPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			m, err := selectedMode()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			st, err := safetensors.Open(inPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open input: %v", err), 1)
			}
			b, err := tensor.LoadSafetensorsBatch(st, bName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load B: %v", err), 1)
			}
			c, err := tensor.LoadSafetensorsMat(st, cName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load C: %v", err), 1)
			}

			engine, _, err := newEngine(ctx, m, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			defer engine.Close()

			log.Info("executing", "batch", b.Batch, "m", b.M, "n", b.N, "seq_len", seqLen, "mode", m.String())
			start := time.Now()
			packed, err := engine.Execute(ctx, &b, &c, int(seqLen))
			if err != nil {
				var shapeErr *blockmatmul.ShapeError
				if errors.As(err, &shapeErr) {
					return cli.Exit(fmt.Sprintf("error: %s", shapeErr.Reason), 1)
				}
				return cli.Exit(fmt.Sprintf("error: execute: %v", err), 1)
			}
			elapsed := time.Since(start)

			if verify {
				ref, err := reference.Compute(&b, &c)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: reference: %v", err), 1)
				}
				if diff := mismatches(packed, ref); diff == 0 {
					log.Info("matches reference")
				} else {
					log.Warn("differs from reference", "mismatches", diff)
				}
			}

			md := map[string]string{
				"blockquant.mode":    m.String(),
				"blockquant.seq_len": fmt.Sprint(seqLen),
				"blockquant.version": version.String(),
			}
			if err := writeResult(outPath, outFormat, packed, md); err != nil {
				return cli.Exit(fmt.Sprintf("error: write output: %v", err), 1)
			}
			log.Info("wrote result", "path", outPath, "format", outFormat, "elapsed", elapsed)
			return nil
		},
	}
}

// resolveFormat returns the explicit format or infers it from the output
// extension.
func resolveFormat(format, path string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case formatSafetensors:
		return formatSafetensors, nil
	case formatArrow, "ipc":
		return formatArrow, nil
	case "":
	default:
		return "", fmt.Errorf("unknown output format %q", format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".arrow", ".ipc", ".feather":
		return formatArrow, nil
	default:
		return formatSafetensors, nil
	}
}

// writeResult stores p at path. Safetensors output holds "packed" (U8,
// shape (batch, m, n/2)) and "scales" (F16, shape (batch, 1)).
func writeResult(path, format string, p *quant.PackedTensor, metadata map[string]string) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	switch format {
	case formatArrow:
		err = arrowio.WritePacked(w, p)
	default:
		err = safetensors.Write(w, []safetensors.Tensor{
			{Name: "packed", DType: safetensors.DTypeU8, Shape: []int{p.Batch, p.M, p.PackedCols()}, Data: p.Data},
			{Name: "scales", DType: safetensors.DTypeF16, Shape: []int{p.Batch, 1}, Data: safetensors.F16Bytes(p.Scales)},
		}, metadata)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

func mismatches(a, b *quant.PackedTensor) int {
	n := 0
	for i := range min(len(a.Data), len(b.Data)) {
		if a.Data[i] != b.Data[i] {
			n++
		}
	}
	for i := range min(len(a.Scales), len(b.Scales)) {
		if a.Scales[i] != b.Scales[i] {
			n++
		}
	}
	return n + abs(len(a.Data)-len(b.Data))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
