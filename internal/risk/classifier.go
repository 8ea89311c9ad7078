package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// Config extends the built-in policy. DefaultDangerous is always in effect;
// entries here are added to it.
type Config struct {
	Dangerous []TypeKey
	Blocked   []TypeKey
	Rules     []RuleSpec
}

// Classifier scores actions. It holds no mutable state after construction
// and is safe for concurrent use.
type Classifier struct {
	dangerous map[TypeKey]bool
	blocked   map[TypeKey]bool
	rules     []*Rule
	clock     func() time.Time
}

// NewClassifier builds a classifier from cfg. Invalid entries or rules that
// fail to compile are reported as autonomy.ErrInvalidConfiguration.
func NewClassifier(cfg Config) (*Classifier, error) {
	c := &Classifier{
		dangerous: make(map[TypeKey]bool),
		blocked:   make(map[TypeKey]bool),
		clock:     time.Now,
	}
	for _, k := range DefaultDangerous {
		c.dangerous[k.normalized()] = true
	}
	for i, k := range cfg.Dangerous {
		if k.Category == "" || k.Type == "" {
			return nil, &autonomy.ConfigError{Field: fmt.Sprintf("dangerous[%d]", i), Reason: "category and type are required"}
		}
		c.dangerous[k.normalized()] = true
	}
	for i, k := range cfg.Blocked {
		if k.Category == "" || k.Type == "" {
			return nil, &autonomy.ConfigError{Field: fmt.Sprintf("blocked[%d]", i), Reason: "category and type are required"}
		}
		c.blocked[k.normalized()] = true
	}
	if len(cfg.Rules) > 0 {
		rules, err := CompileRules(cfg.Rules)
		if err != nil {
			return nil, err
		}
		c.rules = rules
	}
	return c, nil
}

// WithClock overrides the clock used to timestamp assessments.
func (c *Classifier) WithClock(clock func() time.Time) *Classifier {
	c.clock = clock
	return c
}

// Classify scores an action. It fails only when the action cannot be
// assessed (autonomy.ErrInvalidAction); an unassessable action is never
// treated as low risk.
func (c *Classifier) Classify(action *autonomy.Action) (*autonomy.RiskAssessment, error) {
	if err := action.Validate(); err != nil {
		return nil, err
	}

	factors := make([]autonomy.Factor, 0, 5)
	factors = append(factors, valueFactor(action.Value()))
	factors = append(factors, reversibilityFactor(action.IsReversible()))
	factors = append(factors, urgencyFactor(action.Metadata.Urgency))

	score := 0
	for _, f := range factors {
		score += f.Contribution
	}
	if score > MaxScore {
		score = MaxScore
	}
	if score < 0 {
		score = 0
	}

	level := LevelForScore(score)
	recommendation := RecommendationFor(level)

	dangerous, why := c.dangerousReason(action)
	if dangerous {
		factors = append(factors, autonomy.Factor{
			Name:         "dangerous_type",
			Contribution: 0,
			Explanation:  why + "; escalation required regardless of score",
		})
		recommendation = autonomy.OutcomeEscalate
	}

	blocked := c.matches(c.blocked, action)
	if blocked {
		factors = append(factors, autonomy.Factor{
			Name:         "blocked_type",
			Contribution: 0,
			Explanation:  fmt.Sprintf("%s/%s is blocked by policy", action.Category, action.Type),
		})
		recommendation = autonomy.OutcomeReject
	}

	return &autonomy.RiskAssessment{
		ActionID:       action.ID,
		Level:          level,
		Score:          score,
		Factors:        factors,
		Recommendation: recommendation,
		Dangerous:      dangerous || blocked,
		Blocked:        blocked,
		Timestamp:      c.clock(),
	}, nil
}

// dangerousReason checks the static list first, then CEL rules in order.
func (c *Classifier) dangerousReason(action *autonomy.Action) (bool, string) {
	if c.matches(c.dangerous, action) {
		return true, fmt.Sprintf("%s/%s is on the dangerous list", action.Category, action.Type)
	}
	if len(c.rules) == 0 {
		return false, ""
	}
	input := ruleInput(action)
	for _, r := range c.rules {
		hit, err := r.Eval(input)
		if err != nil {
			return true, fmt.Sprintf("rule %q could not be evaluated (%v)", r.Name, err)
		}
		if hit {
			return true, fmt.Sprintf("rule %q matched", r.Name)
		}
	}
	return false, ""
}

func (c *Classifier) matches(set map[TypeKey]bool, action *autonomy.Action) bool {
	if len(set) == 0 {
		return false
	}
	category := strings.ToLower(action.Category)
	typ := strings.ToLower(action.Type)
	return set[TypeKey{Category: category, Type: typ}] || set[TypeKey{Category: Wildcard, Type: typ}]
}

func valueFactor(value float64) autonomy.Factor {
	for _, tier := range valueTiers {
		if value <= tier.max {
			return autonomy.Factor{
				Name:         "value",
				Contribution: tier.points,
				Explanation:  fmt.Sprintf("estimated value %.2f is within the <= %.0f tier", value, tier.max),
			}
		}
	}
	return autonomy.Factor{
		Name:         "value",
		Contribution: valueCap,
		Explanation:  fmt.Sprintf("estimated value %.2f exceeds %.0f; contribution capped", value, valueTiers[len(valueTiers)-1].max),
	}
}

func reversibilityFactor(reversible bool) autonomy.Factor {
	if reversible {
		return autonomy.Factor{Name: "irreversible", Contribution: 0, Explanation: "action can be undone"}
	}
	return autonomy.Factor{Name: "irreversible", Contribution: weightIrreversible, Explanation: "action cannot be undone"}
}

func urgencyFactor(u autonomy.Urgency) autonomy.Factor {
	return autonomy.Factor{
		Name:         "urgency",
		Contribution: urgencyWeights[u],
		Explanation:  fmt.Sprintf("urgency is %s", u),
	}
}
