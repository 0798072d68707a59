// Command reconcile runs one reconciliation batch against the configured
// database and exits.
//
// Exit status is 0 when every balance matches, 3 when anomalies were found
// and 1 on any other failure.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/mbd888/rentledger/internal/config"
	"github.com/mbd888/rentledger/internal/events"
	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/internal/reconciliation"
	"github.com/mbd888/rentledger/internal/store"
	"github.com/mbd888/rentledger/internal/webhooks"
)

const exitAnomalies = 3

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	var sinks []events.Sink
	if len(cfg.KafkaBrokers) > 0 {
		k := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = k.Close() }()
		sinks = append(sinks, k)
	}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, events.Only(
			webhooks.NewSink(cfg.AlertWebhookURL, cfg.AlertWebhookSecret),
			events.ReconciliationAnomaly,
		))
	}

	runner := reconciliation.NewRunner(store.NewPostgresStore(db), logger,
		reconciliation.WithPublisher(events.NewMulti(logger, sinks...)))

	report, err := runner.Run(ctx)
	if err != nil {
		logger.Error("reconciliation failed", "error", err)
		return 1
	}
	if len(report.Anomalies) > 0 {
		logger.Warn("reconciliation found anomalies",
			"run_id", report.RunID, "anomalies", len(report.Anomalies), "total_gap", report.TotalGap)
		return exitAnomalies
	}
	logger.Info("ledger reconciled", "run_id", report.RunID, "checked", report.Checked)
	return 0
}
