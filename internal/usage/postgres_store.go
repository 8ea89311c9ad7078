package usage

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists daily usage in PostgreSQL (migration 002_usage.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed usage store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveDay upserts every category of the snapshot in one transaction.
func (p *PostgresStore) SaveDay(ctx context.Context, s Snapshot) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, category := range s.CategoryNames() {
		c := s.Categories[category]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO usage_days (day, category, count, value, updated_at)
			VALUES ($1, $2, $3, $4, NOW())
			ON CONFLICT (day, category) DO UPDATE SET
				count = GREATEST(usage_days.count, EXCLUDED.count),
				value = GREATEST(usage_days.value, EXCLUDED.value),
				updated_at = NOW()
		`, s.Day, category, c.Count, c.Value)
		if err != nil {
			return fmt.Errorf("failed to save usage for %s/%s: %w", s.Day, category, err)
		}
	}
	return tx.Commit()
}

// LoadDay returns the stored counters for day; an unknown day is empty.
func (p *PostgresStore) LoadDay(ctx context.Context, day string) (Snapshot, error) {
	s := Snapshot{Day: day, Categories: make(map[string]Counter)}

	rows, err := p.db.QueryContext(ctx, `
		SELECT category, count, value FROM usage_days WHERE day = $1
	`, day)
	if err != nil {
		return s, fmt.Errorf("failed to load usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var category string
		var c Counter
		if err := rows.Scan(&category, &c.Count, &c.Value); err != nil {
			return s, err
		}
		s.Categories[category] = c
	}
	return s, rows.Err()
}
