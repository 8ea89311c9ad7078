// Package risk implements deterministic risk scoring for proposed actions.
//
// Every action is evaluated against additive integer factors: estimated
// value (tiered, capped), irreversibility, and urgency. The total score
// (0-100) is bucketed into a risk level by fixed thresholds, and the level
// determines the recommendation. Dangerous (category, type) pairs always
// escalate and blocked pairs always reject, whatever their score.
package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// Score thresholds. A score below ThresholdLow is safe, below
// ThresholdMedium is low, below ThresholdHigh is medium, below
// ThresholdCritical is high, and anything else is critical.
const (
	ThresholdLow      = 25
	ThresholdMedium   = 50
	ThresholdHigh     = 70
	ThresholdCritical = 90

	MaxScore = 100
)

// Factor weights.
const (
	weightIrreversible = 20
	valueCap           = 55
)

// valueTiers maps an upper bound on estimated value to its contribution.
// Values above the last tier contribute valueCap.
var valueTiers = []struct {
	max    float64
	points int
}{
	{0, 0},
	{10, 5},
	{50, 10},
	{100, 15},
	{500, 25},
	{1000, 35},
	{5000, 45},
	{10000, 50},
}

var urgencyWeights = map[autonomy.Urgency]int{
	autonomy.UrgencyLow:      0,
	autonomy.UrgencyNormal:   5,
	autonomy.UrgencyHigh:     10,
	autonomy.UrgencyCritical: 20,
}

// Wildcard matches any category in a TypeKey.
const Wildcard = "*"

// TypeKey identifies an action kind by category and type.
type TypeKey struct {
	Category string `json:"category" yaml:"category"`
	Type     string `json:"type" yaml:"type"`
}

func (k TypeKey) normalized() TypeKey {
	return TypeKey{Category: strings.ToLower(k.Category), Type: strings.ToLower(k.Type)}
}

func (k TypeKey) String() string {
	return fmt.Sprintf("%s/%s", k.Category, k.Type)
}

// DefaultDangerous lists the action kinds that always need a human,
// regardless of their numeric score.
var DefaultDangerous = []TypeKey{
	{Category: "configuration", Type: "deploy_production"},
	{Category: "configuration", Type: "rotate_credentials"},
	{Category: "security", Type: "rotate_credentials"},
	{Category: "security", Type: "grant_admin"},
	{Category: "deployments", Type: "deploy_production"},
	{Category: "deployments", Type: "rollback_production"},
	{Category: "trades", Type: "withdraw_all"},
	{Category: "data", Type: "delete_database"},
}

// LevelForScore buckets a score into a risk level.
func LevelForScore(score int) autonomy.RiskLevel {
	switch {
	case score < ThresholdLow:
		return autonomy.RiskSafe
	case score < ThresholdMedium:
		return autonomy.RiskLow
	case score < ThresholdHigh:
		return autonomy.RiskMedium
	case score < ThresholdCritical:
		return autonomy.RiskHigh
	default:
		return autonomy.RiskCritical
	}
}

// RecommendationFor maps a risk level to the classifier's default outcome.
func RecommendationFor(level autonomy.RiskLevel) autonomy.Outcome {
	switch level {
	case autonomy.RiskSafe, autonomy.RiskLow:
		return autonomy.OutcomeAutoExecute
	case autonomy.RiskMedium:
		return autonomy.OutcomeQueueApproval
	default:
		return autonomy.OutcomeEscalate
	}
}

// Store persists risk assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *autonomy.RiskAssessment) error
	ListByAction(ctx context.Context, actionID string, limit int) ([]*autonomy.RiskAssessment, error)
	ListRecent(ctx context.Context, limit int) ([]*autonomy.RiskAssessment, error)
}
