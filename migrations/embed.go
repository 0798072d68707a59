// Package migrations embeds the goose SQL migrations so binaries and tests do
// not depend on the working directory.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Prepare points goose at the embedded files.
func Prepare() error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	return nil
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Prepare(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Run executes an arbitrary goose command (up, down, status, redo...).
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	if err := Prepare(); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
