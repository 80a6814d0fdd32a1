package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/blockquant/internal/blockmatmul"
	"github.com/samcharles93/blockquant/internal/kernel"
	"github.com/samcharles93/blockquant/internal/version"

	"github.com/urfave/cli/v3"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			fmt.Printf("go:         %s\n", info.GoVersion)
			fmt.Printf("mode:       %s\n", blockmatmul.DefaultMode)
			f := kernel.Features()
			fmt.Printf("cpu:        %s avx2=%t fma=%t avx512=%t asimd=%t\n",
				f.Arch, f.HasAVX2, f.HasFMA, f.HasAVX512, f.HasASIMD)
			return nil
		},
	}
}
