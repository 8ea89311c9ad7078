package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// PostgresStore persists risk assessments in PostgreSQL (migration
// 003_risk_assessments.sql).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *autonomy.RiskAssessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (action_id, level, score, recommendation, dangerous, blocked, factors, assessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ActionID,
		string(a.Level),
		a.Score,
		string(a.Recommendation),
		a.Dangerous,
		a.Blocked,
		factorsJSON,
		a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAction(ctx context.Context, actionID string, limit int) ([]*autonomy.RiskAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, level, score, recommendation, dangerous, blocked, factors, assessed_at
		FROM risk_assessments
		WHERE action_id = $1
		ORDER BY assessed_at DESC, id DESC
		LIMIT $2
	`, actionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	return scanAssessments(rows)
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*autonomy.RiskAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, level, score, recommendation, dangerous, blocked, factors, assessed_at
		FROM risk_assessments
		ORDER BY assessed_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	return scanAssessments(rows)
}

func scanAssessments(rows *sql.Rows) ([]*autonomy.RiskAssessment, error) {
	defer func() { _ = rows.Close() }()

	var result []*autonomy.RiskAssessment
	for rows.Next() {
		var a autonomy.RiskAssessment
		var level, recommendation string
		var factorsJSON []byte
		if err := rows.Scan(&a.ActionID, &level, &a.Score, &recommendation,
			&a.Dangerous, &a.Blocked, &factorsJSON, &a.Timestamp); err != nil {
			return nil, err
		}
		a.Level = autonomy.RiskLevel(level)
		a.Recommendation = autonomy.Outcome(recommendation)
		if err := json.Unmarshal(factorsJSON, &a.Factors); err != nil {
			return nil, fmt.Errorf("corrupt factors for action %s: %w", a.ActionID, err)
		}
		result = append(result, &a)
	}
	return result, rows.Err()
}
