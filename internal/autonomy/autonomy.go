// Package autonomy defines the shared data model of the bounded-autonomy
// decision engine: proposed actions, risk assessments, routing decisions and
// the autonomy levels that govern them.
//
// Every automated action an originating subsystem wants to perform is
// described as an Action, scored into a RiskAssessment, and routed into a
// Decision whose Outcome says whether the action may run now, must wait for
// a human, must be escalated, or is rejected.
package autonomy

import (
	"math"
	"time"
)

// Urgency describes how time-sensitive an action is.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is one of the known urgency values.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// Metadata carries the risk-relevant facts about an action. Pointer fields
// distinguish "absent" from the zero value: absent fields are a validation
// error, never a default.
type Metadata struct {
	EstimatedValue *float64 `json:"estimatedValue"`
	Reversible     *bool    `json:"reversible"`
	Urgency        Urgency  `json:"urgency"`
}

// Action is an operation proposed by an originating subsystem.
type Action struct {
	ID          string         `json:"id"`
	Engine      string         `json:"engine"`
	Category    string         `json:"category"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Metadata    Metadata       `json:"metadata"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Value returns the estimated value, or 0 if absent. Only meaningful after
// Validate has succeeded.
func (a *Action) Value() float64 {
	if a.Metadata.EstimatedValue == nil {
		return 0
	}
	return *a.Metadata.EstimatedValue
}

// IsReversible returns the reversible flag, or false if absent.
func (a *Action) IsReversible() bool {
	return a.Metadata.Reversible != nil && *a.Metadata.Reversible
}

// Validate checks that the action carries everything needed to assess its
// risk. It returns a *ValidationError naming the first offending field.
func (a *Action) Validate() error {
	if a == nil {
		return &ValidationError{Field: "action", Reason: "is required"}
	}
	if a.Category == "" {
		return &ValidationError{ActionID: a.ID, Field: "category", Reason: "is required"}
	}
	if a.Type == "" {
		return &ValidationError{ActionID: a.ID, Field: "type", Reason: "is required"}
	}
	v := a.Metadata.EstimatedValue
	switch {
	case v == nil:
		return &ValidationError{ActionID: a.ID, Field: "metadata.estimatedValue", Reason: "is required"}
	case math.IsNaN(*v) || math.IsInf(*v, 0):
		return &ValidationError{ActionID: a.ID, Field: "metadata.estimatedValue", Reason: "must be a finite number"}
	case *v < 0:
		return &ValidationError{ActionID: a.ID, Field: "metadata.estimatedValue", Reason: "must be non-negative"}
	}
	if a.Metadata.Reversible == nil {
		return &ValidationError{ActionID: a.ID, Field: "metadata.reversible", Reason: "is required"}
	}
	if a.Metadata.Urgency == "" {
		return &ValidationError{ActionID: a.ID, Field: "metadata.urgency", Reason: "is required"}
	}
	if !a.Metadata.Urgency.Valid() {
		return &ValidationError{ActionID: a.ID, Field: "metadata.urgency",
			Reason: "must be one of low, normal, high, critical (got " + string(a.Metadata.Urgency) + ")"}
	}
	return nil
}

// Clone returns a deep copy of the action. Params are copied recursively
// through nested JSON objects and arrays.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	c := *a
	if a.Metadata.EstimatedValue != nil {
		c.Metadata.EstimatedValue = Float(*a.Metadata.EstimatedValue)
	}
	if a.Metadata.Reversible != nil {
		c.Metadata.Reversible = Bool(*a.Metadata.Reversible)
	}
	if a.Params != nil {
		c.Params = cloneValue(a.Params).(map[string]any)
	}
	return &c
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// Float and Bool build metadata pointers inline.
func Float(v float64) *float64 { return &v }

func Bool(v bool) *bool { return &v }
