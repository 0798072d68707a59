// Command server runs the rentledger HTTP API together with its background
// workers: booking hold expiry, the pending-payment sweeper and the
// reconciliation scheduler.
//
//	server [-check-config] [-version]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/server"
)

// Set with -ldflags "-X main.commit=... -X main.buildTime=...".
var (
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	checkOnly := fs.Bool("check-config", false, "validate configuration and policy, then exit")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("rentledger %s (commit %s, built %s)\n", server.Version, commit, buildTime)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"version", server.Version,
		"commit", commit,
		"env", cfg.Env,
		"provider", cfg.Provider,
		"postgres", cfg.DatabaseURL != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
		"reconcile_schedule", cfg.ReconcileSchedule,
	)
	if *checkOnly {
		return 0
	}

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped with error", "error", err)
		return 1
	}
	return 0
}
