// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/rentledger/migrations"
)

// PGTest returns a migrated database for an integration test and
// truncates every ledger table when the test ends.
//
//	db := testutil.PGTest(t)
//
// POSTGRES_URL selects an existing database. Otherwise PGTEST_CONTAINER=1
// starts a throwaway postgres container. With neither set the test is
// skipped.
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("PGTEST_CONTAINER") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dsn = startContainer(ctx, t)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: connect to database: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	// Registered after Close so it runs first.
	t.Cleanup(func() { truncateAll(ctx, t, db) })
	return db
}

// startContainer runs postgres for the rest of the test and returns its dsn.
func startContainer(ctx context.Context, t *testing.T) string {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("rentledger"),
		tcpostgres.WithUsername("rentledger"),
		tcpostgres.WithPassword("rentledger"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	})

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	dsn, err := ctr.ConnectionString(connCtx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: container dsn: %v", err)
	}
	return dsn
}

// truncateAll empties the application tables. goose_db_version survives
// so the next test does not re-run migrations.
func truncateAll(ctx context.Context, t *testing.T, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		t.Logf("pgtest: list tables: %v", err)
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, pq.QuoteIdentifier(name))
		}
	}
	_ = rows.Close()
	if len(tables) == 0 {
		return
	}
	if _, err := db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE"); err != nil {
		t.Logf("pgtest: truncate: %v", err)
	}
}
