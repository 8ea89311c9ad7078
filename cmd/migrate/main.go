// Command migrate applies the embedded schema for the approval queue, usage
// counters, risk audit trail, and webhook subscriptions.
//
// Usage:
//
//	migrate [-timeout 1m] <up|down|status|version|redo|up-to N|down-to N>
//
// DATABASE_URL (or a .env file) selects the database.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/autonomy/internal/logging"
	"github.com/mbd888/autonomy/migrations"
)

func main() {
	timeout := flag.Duration("timeout", time.Minute, "abort if migrations take longer than this")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-timeout d] <up|down|status|version|redo|up-to N|down-to N>")
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := logging.New("info", "text")
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, dsn, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("migration failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", flag.Arg(0))
}

func run(ctx context.Context, dsn, command string, args []string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, command, db, args...)
}
