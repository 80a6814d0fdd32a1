package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/blockquant/internal/config"
	"github.com/samcharles93/blockquant/internal/logger"
)

// fileConfig is the config file loaded by setup for the running command.
var fileConfig config.Config

// setup loads the config file, applies it to flags that were not set on the
// command line and stores the configured logger in the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	path := configFile
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg
	applyConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Build(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}

// applyConfig applies config file defaults to the shared flag variables
// when the corresponding CLI flag was not explicitly set.
func applyConfig(c *cli.Command, cfg config.Config) {
	if cfg.Mode != "" && !c.IsSet("mode") {
		mode = cfg.Mode
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = int64(*cfg.Workers)
	}
	if cfg.Tuning.Enabled != nil && !c.IsSet("tune") {
		tuning = *cfg.Tuning.Enabled
	}
	if cfg.Tuning.Warmup != nil && !c.IsSet("tune-warmup") {
		tuneWarmup = int64(*cfg.Tuning.Warmup)
	}
	if cfg.Tuning.Reps != nil && !c.IsSet("tune-reps") {
		tuneReps = int64(*cfg.Tuning.Reps)
	}
	if cfg.Tuning.MaxStagingBytes != nil && !c.IsSet("max-staging-bytes") {
		maxStagingBytes = int64(*cfg.Tuning.MaxStagingBytes)
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg config.Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
