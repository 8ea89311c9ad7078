package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// PostgresStore persists approval items in PostgreSQL (migration
// 001_approvals.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed approval store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Save upserts the item. Terminal rows are never reopened.
func (p *PostgresStore) Save(ctx context.Context, item *Item) error {
	decisionJSON, err := json.Marshal(item.Decision)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	var actionID, category string
	if a := item.Action(); a != nil {
		actionID, category = a.ID, a.Category
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO approval_items (id, action_id, category, outcome, decision, status, ttl_ms, created_at, expires_at, resolved_at, resolved_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			resolved_at = EXCLUDED.resolved_at,
			resolved_by = EXCLUDED.resolved_by
		WHERE approval_items.status = 'pending'
	`,
		item.ID,
		actionID,
		category,
		string(item.Decision.Outcome),
		decisionJSON,
		string(item.Status),
		item.TTL.Milliseconds(),
		item.CreatedAt,
		item.ExpiresAt,
		item.ResolvedAt,
		nullString(item.ResolvedBy),
	)
	if err != nil {
		return fmt.Errorf("failed to save approval item: %w", err)
	}
	return nil
}

// ListPending returns pending items oldest first.
func (p *PostgresStore) ListPending(ctx context.Context) ([]*Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, decision, status, ttl_ms, created_at, expires_at, resolved_at, resolved_by
		FROM approval_items
		WHERE status = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*Item
	for rows.Next() {
		item := &Item{}
		var decisionJSON []byte
		var status string
		var ttlMS int64
		var resolvedAt sql.NullTime
		var resolvedBy sql.NullString

		if err := rows.Scan(&item.ID, &decisionJSON, &status, &ttlMS,
			&item.CreatedAt, &item.ExpiresAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, err
		}

		item.Decision = &autonomy.Decision{}
		if err := json.Unmarshal(decisionJSON, item.Decision); err != nil {
			return nil, fmt.Errorf("corrupt decision for approval %s: %w", item.ID, err)
		}
		item.Status = Status(status)
		item.TTL = time.Duration(ttlMS) * time.Millisecond
		if resolvedAt.Valid {
			item.ResolvedAt = &resolvedAt.Time
		}
		item.ResolvedBy = resolvedBy.String
		items = append(items, item)
	}
	return items, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
