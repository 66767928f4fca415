package classifier

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"chimera/internal/types"
)

// PatternRule is one deterministic scoring rule. Field is either an
// argument name (prefix "args.") or a context field (prefix
// "context."); a bare name is looked up as an argument only.
type PatternRule struct {
	Field    string   `yaml:"field" json:"field"`
	Operator string   `yaml:"operator" json:"operator"`
	Value    string   `yaml:"value" json:"value"`
	Risk     float64  `yaml:"risk" json:"risk"`
	Reason   string   `yaml:"reason" json:"reason"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// PatternClassifier evaluates rules top to bottom; the first match
// wins. No match scores zero. It is the offline substitute for the
// LLM judge and the deterministic stub the routing tests rely on.
type PatternClassifier struct {
	rules []PatternRule
}

// NewPatternClassifier builds a classifier over an ordered rule list.
func NewPatternClassifier(rules []PatternRule) *PatternClassifier {
	return &PatternClassifier{rules: rules}
}

// Classify applies the first matching rule. Side-effect-free.
func (p *PatternClassifier) Classify(_ context.Context, tool string, args map[string]json.RawMessage, callCtx *types.CallContext) types.RiskAssessment {
	for _, rule := range p.rules {
		if p.matches(rule, tool, args, callCtx) {
			return types.RiskAssessment{
				Risk:       rule.Risk,
				Confidence: 1.0,
				Reason:     rule.Reason,
				Tags:       rule.Tags,
			}
		}
	}
	return types.RiskAssessment{Risk: 0, Confidence: 1.0, Reason: "no_match"}
}

func (p *PatternClassifier) matches(rule PatternRule, tool string, args map[string]json.RawMessage, callCtx *types.CallContext) bool {
	actual, ok := resolveField(rule.Field, tool, args, callCtx)
	if !ok {
		return rule.Operator == "neq"
	}

	switch rule.Operator {
	case "eq":
		return actual == rule.Value
	case "neq":
		return actual != rule.Value
	case "contains":
		return strings.Contains(strings.ToLower(actual), strings.ToLower(rule.Value))
	case "regex":
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return false
		}
		return re.MatchString(actual)
	default:
		return false
	}
}

func resolveField(field, tool string, args map[string]json.RawMessage, callCtx *types.CallContext) (string, bool) {
	if field == "tool" {
		return tool, true
	}

	name := field
	switch {
	case strings.HasPrefix(field, "args."):
		name = strings.TrimPrefix(field, "args.")
	case strings.HasPrefix(field, "context."):
		v, ok := callCtx.Field(strings.TrimPrefix(field, "context."))
		if !ok {
			return "", false
		}
		return stringify(v), true
	}

	raw, ok := args[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
