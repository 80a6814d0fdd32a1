package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blockquant/internal/blockmatmul"
)

var (
	configFile      string
	mode            string
	workers         int64
	tuning          bool
	tuneWarmup      int64
	tuneReps        int64
	maxStagingBytes int64
	logLevel        string
	logFormat       string
	debug           bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "execution mode (fused, unfused)",
			Value:       blockmatmul.DefaultMode,
			Destination: &mode,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "kernel worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.BoolFlag{
			Name:        "tune",
			Usage:       "benchmark the configuration catalogue per shape",
			Value:       true,
			Destination: &tuning,
		},
		&cli.Int64Flag{
			Name:        "tune-warmup",
			Usage:       "untimed runs per candidate configuration",
			Value:       1,
			Destination: &tuneWarmup,
		},
		&cli.Int64Flag{
			Name:        "tune-reps",
			Usage:       "timed runs per candidate configuration",
			Value:       5,
			Destination: &tuneReps,
		},
		&cli.Int64Flag{
			Name:        "max-staging-bytes",
			Usage:       "per-program staging budget in bytes (0 = default)",
			Destination: &maxStagingBytes,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (defaults to the user config dir)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonFlags(extra ...cli.Flag) []cli.Flag {
	flags := append(engineFlags(), loggingFlags()...)
	return append(flags, extra...)
}
