// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/fraudproof/fraudproof/migrations"
)

var (
	pgOnce sync.Once
	pgURL  string
	pgErr  error
)

// PGContainer returns a migrated Postgres connection for integration tests.
//
// When POSTGRES_URL is set that database is used; otherwise a single
// postgres:16-alpine container is started for the whole test binary.
// The test is skipped when neither is available.
//
//	db := testutil.PGContainer(t)
//	testutil.Truncate(t, db)
func PGContainer(t *testing.T) *sql.DB {
	t.Helper()

	pgOnce.Do(func() {
		pgURL, pgErr = startPostgres()
	})
	if pgErr != nil {
		t.Skipf("pgtest: postgres unavailable: %v", pgErr)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("pgtest: connect to database: %v", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	return db
}

func startPostgres() (string, error) {
	if url := envURL(); url != "" {
		return url, nil
	}
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("fraudproof_test"),
		postgres.WithUsername("fraudproof"),
		postgres.WithPassword("fraudproof"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	// The container is reaped when the test binary exits.
	return ctr.ConnectionString(ctx, "sslmode=disable")
}

// Truncate empties every application table so each test starts clean.
// Row-level append-only triggers do not fire on TRUNCATE.
func Truncate(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		t.Fatalf("pgtest: list tables: %v", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) == 0 {
		return
	}
	// Table names come from the pg_tables catalog, not user input.
	stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		t.Fatalf("pgtest: truncate: %v", err)
	}
}

func envURL() string {
	return os.Getenv("POSTGRES_URL")
}
