// Package router turns risk assessments into routing decisions under a
// configured autonomy level.
package router

import (
	"fmt"
	"time"

	"github.com/mbd888/autonomy/internal/autonomy"
	"github.com/mbd888/autonomy/internal/risk"
)

// Value bounds under which higher levels auto-execute riskier actions.
const (
	SupervisedMediumMaxValue = 100.0
	MaximumHighMaxValue      = 500.0
)

// Router applies an autonomy level to classifier output. It is immutable;
// changing the level means building a new Router.
type Router struct {
	classifier *risk.Classifier
	level      autonomy.Level
	clock      func() time.Time
}

// New returns a Router for level.
func New(classifier *risk.Classifier, level autonomy.Level) (*Router, error) {
	if classifier == nil {
		return nil, &autonomy.ConfigError{Field: "classifier", Reason: "is required"}
	}
	if !level.Valid() {
		return nil, &autonomy.ConfigError{Field: "level", Reason: fmt.Sprintf("must be 1-4 (got %d)", level)}
	}
	return &Router{classifier: classifier, level: level, clock: time.Now}, nil
}

// WithClock overrides the clock used to timestamp decisions.
func (r *Router) WithClock(clock func() time.Time) *Router {
	r.clock = clock
	return r
}

// Level returns the autonomy level this router applies.
func (r *Router) Level() autonomy.Level { return r.level }

// WithLevel returns a copy of r applying a different level.
func (r *Router) WithLevel(level autonomy.Level) (*Router, error) {
	if !level.Valid() {
		return nil, &autonomy.ConfigError{Field: "level", Reason: fmt.Sprintf("must be 1-4 (got %d)", level)}
	}
	c := *r
	c.level = level
	return &c, nil
}

// Classify runs the classifier without routing.
func (r *Router) Classify(action *autonomy.Action) (*autonomy.RiskAssessment, error) {
	return r.classifier.Classify(action)
}

// Route classifies action and decides its outcome.
func (r *Router) Route(action *autonomy.Action) (*autonomy.Decision, error) {
	assessment, err := r.classifier.Classify(action)
	if err != nil {
		return nil, err
	}
	return r.Decide(action, assessment), nil
}

// Decide applies the level to an existing assessment.
func (r *Router) Decide(action *autonomy.Action, a *autonomy.RiskAssessment) *autonomy.Decision {
	d := &autonomy.Decision{
		Level:      r.level,
		Assessment: a,
		Action:     action,
		Timestamp:  r.clock(),
	}

	switch {
	case a.Blocked:
		d.Outcome = autonomy.OutcomeReject
		d.Rule = autonomy.RuleBlocked
		d.Reason = fmt.Sprintf("%s/%s is blocked by policy", action.Category, action.Type)
		return d
	case a.Dangerous:
		d.Outcome = autonomy.OutcomeEscalate
		d.Rule = autonomy.RuleDangerousOverride
		d.Reason = fmt.Sprintf("dangerous action %s/%s always escalates (score %d, %s risk)",
			action.Category, action.Type, a.Score, a.Level)
		return d
	}

	d.Outcome = outcomeAt(r.level, action, a)
	if d.Outcome == a.Recommendation {
		d.Rule = autonomy.RuleClassifier
		d.Reason = fmt.Sprintf("classifier recommendation %s accepted at level %d (score %d, %s risk)",
			a.Recommendation, r.level, a.Score, a.Level)
	} else {
		d.Rule = autonomy.RuleLevelOverride
		d.Reason = fmt.Sprintf("level %d (%s) overrides classifier recommendation %s with %s (score %d, %s risk)",
			r.level, r.level, a.Recommendation, d.Outcome, a.Score, a.Level)
	}
	return d
}

func outcomeAt(level autonomy.Level, action *autonomy.Action, a *autonomy.RiskAssessment) autonomy.Outcome {
	if autoExecutes(level, action, a) {
		return autonomy.OutcomeAutoExecute
	}
	rank := a.Level.Rank()
	if level == autonomy.LevelHumanGuided {
		if rank <= autonomy.RiskMedium.Rank() {
			return autonomy.OutcomeQueueApproval
		}
		return autonomy.OutcomeEscalate
	}
	if a.Level == autonomy.RiskCritical {
		return autonomy.OutcomeEscalate
	}
	return autonomy.OutcomeQueueApproval
}

func autoExecutes(level autonomy.Level, action *autonomy.Action, a *autonomy.RiskAssessment) bool {
	rank := a.Level.Rank()
	value := action.Value()

	switch level {
	case autonomy.LevelHumanGuided:
		u := action.Metadata.Urgency
		return a.Level == autonomy.RiskSafe && action.IsReversible() && value == 0 &&
			(u == autonomy.UrgencyLow || u == autonomy.UrgencyNormal)
	case autonomy.LevelBounded:
		return rank <= autonomy.RiskLow.Rank()
	case autonomy.LevelSupervised:
		return rank <= autonomy.RiskLow.Rank() ||
			(a.Level == autonomy.RiskMedium && value <= SupervisedMediumMaxValue)
	case autonomy.LevelMaximum:
		return rank <= autonomy.RiskMedium.Rank() ||
			(a.Level == autonomy.RiskHigh && value <= MaximumHighMaxValue)
	}
	return false
}
