// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

const postgresImage = "postgres:16-alpine"

// PGTest opens a test database, applies all goose migrations from the
// migrations/ directory, and returns the *sql.DB plus a cleanup function.
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a throwaway
// container is started; if Docker is unavailable the test is skipped.
// Cleanup truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	ctx := context.Background()
	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}

	if dbURL == "" {
		url, stop, err := startContainer(ctx)
		if err != nil {
			t.Skipf("POSTGRES_URL not set and no container runtime available: %v", err)
		}
		dbURL, terminate = url, stop
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrate(ctx, db, findMigrationsDir(t)); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}
	return db, cleanup
}

func startContainer(ctx context.Context) (string, func(), error) {
	ctr, err := tcpostgres.Run(ctx, postgresImage,
		tcpostgres.WithDatabase("autonomy_test"),
		tcpostgres.WithUsername("autonomy"),
		tcpostgres.WithPassword("autonomy"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, err
	}
	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return "", nil, err
	}
	return url, func() { _ = testcontainers.TerminateContainer(ctr) }, nil
}

func migrate(ctx context.Context, db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	goose.SetLogger(goose.NopLogger())
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return goose.UpContext(ctx, db, dir)
}

// findMigrationsDir walks up from the test working directory to find
// the project-level migrations/ directory.
func findMigrationsDir(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("pgtest: getwd: %v", err)
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("pgtest: could not find migrations/ directory walking up from cwd")
		}
		dir = parent
	}
}

// truncateAll empties every application table, leaving goose's version
// table intact so the next test does not re-run migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202
		_, _ = db.ExecContext(ctx, stmt)
	}
}
