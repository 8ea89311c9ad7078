package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/mbd888/autonomy/internal/engine"
)

// PostgresStore persists webhook subscriptions in PostgreSQL. The schema is
// created by migrations/004_webhooks.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sub.ID, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType engine.EventType) ([]*Subscription, error) {
	eventsJSON, _ := json.Marshal([]string{string(eventType)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhooks
		WHERE active = TRUE AND events @> $1::jsonb
		ORDER BY created_at DESC
	`, string(eventsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhooks SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5
	`, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures, sub.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&sub.ID, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
