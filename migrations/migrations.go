// Package migrations embeds the goose SQL migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Run executes a goose command (up, down, status, version, redo, up-to,
// down-to) against db using the embedded migrations.
func Run(ctx context.Context, command string, db *sql.DB, args ...string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies all pending migrations.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, "up", db)
}
