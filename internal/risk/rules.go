package risk

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/mbd888/autonomy/internal/autonomy"
)

// RuleSpec is a named CEL expression that marks matching actions dangerous.
// Expressions see a single variable, action, with keys engine, category,
// type, value, reversible, urgency and params. Example:
//
//	action.category == "trades" && action.value > 2500.0
type RuleSpec struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// Rule is a compiled RuleSpec. Programs are safe for concurrent evaluation.
type Rule struct {
	Name string
	Expr string
	prg  cel.Program
}

func newRuleEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// CompileRules compiles all specs against the action environment.
func CompileRules(specs []RuleSpec) ([]*Rule, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rules := make([]*Rule, 0, len(specs))
	for i, spec := range specs {
		field := fmt.Sprintf("rules[%d]", i)
		if spec.Name == "" || spec.Expr == "" {
			return nil, &autonomy.ConfigError{Field: field, Reason: "name and expr are required"}
		}
		ast, issues := env.Compile(spec.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, &autonomy.ConfigError{Field: field, Reason: fmt.Sprintf("%q does not compile: %v", spec.Name, issues.Err())}
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, &autonomy.ConfigError{Field: field, Reason: fmt.Sprintf("%q program construction failed: %v", spec.Name, err)}
		}
		rules = append(rules, &Rule{Name: spec.Name, Expr: spec.Expr, prg: prg})
	}
	return rules, nil
}

// Eval reports whether the rule matches. A non-boolean result is an error.
func (r *Rule) Eval(input map[string]any) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{"action": input})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, want bool", out.Value())
	}
	return b, nil
}

func ruleInput(action *autonomy.Action) map[string]any {
	params := action.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"engine":     action.Engine,
		"category":   action.Category,
		"type":       action.Type,
		"value":      action.Value(),
		"reversible": action.IsReversible(),
		"urgency":    string(action.Metadata.Urgency),
		"params":     params,
	}
}
