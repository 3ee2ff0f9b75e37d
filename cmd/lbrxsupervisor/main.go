// =============================================================================
// lbrxsupervisor entry point
// =============================================================================
// Keeps a gateway process alive: spawns it, watches stdout/stderr for crash
// signatures, probes the health endpoint, enforces a memory ceiling, and
// replays journaled requests after each restart.
//
// Usage:
//
//	lbrxsupervisor --config supervisor.yaml
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/supervisor"
)

func main() {
	fs := flag.NewFlagSet("lbrxsupervisor", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the supervisor YAML config")
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Parse(os.Args[1:])

	logger, err := buildLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := supervisor.DefaultConfig()
	if *configPath != "" {
		cfg, err = supervisor.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = supervisor.New(logger, cfg).Run(ctx)
	switch {
	case errors.Is(err, supervisor.ErrAbandoned):
		logger.Error("server kept crashing, supervisor giving up")
		os.Exit(1)
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("supervisor exited", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("supervisor stopped")
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
