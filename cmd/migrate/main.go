// Command migrate applies or inspects the embedded schema migrations.
//
//	migrate up | down | redo | status | version | up-to N | down-to N
//
// DATABASE_URL names the target database; a .env file is honoured.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/rentledger/internal/logging"
	"github.com/mbd888/rentledger/migrations"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|down|redo|status|version|up-to N|down-to N")
		return 2
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		return 1
	}

	cmd := args[0]
	if err := migrations.Run(ctx, db, cmd, args[1:]...); err != nil {
		logger.Error("migration failed", "command", cmd, "error", err)
		return 1
	}
	logger.Info("migration complete", "command", cmd)
	return 0
}
