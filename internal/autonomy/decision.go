package autonomy

import (
	"slices"
	"time"
)

// RiskLevel buckets a numeric risk score.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels from 0 (safe) to 4 (critical).
func (l RiskLevel) Rank() int {
	switch l {
	case RiskSafe:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 4
	}
}

// Outcome is both the classifier's recommendation and the router's final
// verdict for an action.
type Outcome string

const (
	OutcomeAutoExecute   Outcome = "auto_execute"
	OutcomeQueueApproval Outcome = "queue_approval"
	OutcomeEscalate      Outcome = "escalate"
	OutcomeReject        Outcome = "reject"
)

// Permissiveness orders outcomes: reject (0) < escalate < queue_approval <
// auto_execute (3).
func (o Outcome) Permissiveness() int {
	switch o {
	case OutcomeAutoExecute:
		return 3
	case OutcomeQueueApproval:
		return 2
	case OutcomeEscalate:
		return 1
	default:
		return 0
	}
}

// NeedsHuman reports whether the outcome parks the action in the approval queue.
func (o Outcome) NeedsHuman() bool {
	return o == OutcomeQueueApproval || o == OutcomeEscalate
}

// Factor is one additive contribution to a risk score.
type Factor struct {
	Name         string `json:"name"`
	Contribution int    `json:"contribution"`
	Explanation  string `json:"explanation"`
}

// RiskAssessment is the immutable result of classifying an action. The
// contributions in Factors always sum to Score.
type RiskAssessment struct {
	ActionID       string    `json:"actionId"`
	Level          RiskLevel `json:"level"`
	Score          int       `json:"score"`
	Factors        []Factor  `json:"factors"`
	Recommendation Outcome   `json:"recommendation"`
	Dangerous      bool      `json:"dangerous"`
	Blocked        bool      `json:"blocked"`
	Timestamp      time.Time `json:"timestamp"`
}

// Rule names which policy decided a Decision's outcome.
type Rule string

const (
	RuleClassifier        Rule = "classifier"
	RuleLevelOverride     Rule = "level_override"
	RuleDangerousOverride Rule = "dangerous_override"
	RuleBlocked           Rule = "blocked"
	RuleDailyLimit        Rule = "daily_limit"
)

// Decision is the final routing outcome for an action. ApprovalID is set
// when the action was parked in the approval queue.
type Decision struct {
	Outcome    Outcome         `json:"outcome"`
	Rule       Rule            `json:"rule"`
	Reason     string          `json:"reason"`
	Level      Level           `json:"level"`
	Assessment *RiskAssessment `json:"assessment"`
	Action     *Action         `json:"action"`
	ApprovalID string          `json:"approvalId,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Clone returns a deep copy of the assessment.
func (r *RiskAssessment) Clone() *RiskAssessment {
	if r == nil {
		return nil
	}
	c := *r
	c.Factors = slices.Clone(r.Factors)
	return &c
}

// Clone returns a deep copy of the decision, including its assessment and
// action.
func (d *Decision) Clone() *Decision {
	if d == nil {
		return nil
	}
	c := *d
	c.Assessment = d.Assessment.Clone()
	c.Action = d.Action.Clone()
	return &c
}
