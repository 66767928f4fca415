package policy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"chimera/internal/types"
)

// Input is the evaluator's snapshot of one call. The evaluator is a
// pure function of this value; all I/O happens in the interceptor.
type Input struct {
	Tool            string
	Args            map[string]json.RawMessage
	Context         *types.CallContext
	Risk            types.RiskAssessment
	AccumulatedRisk float64
}

// Evaluator executes manifest phases in declared order. The first
// phase to produce an action wins; otherwise the manifest's
// default_action applies.
type Evaluator struct {
	manifest *Manifest
}

// NewEvaluator creates an evaluator over a loaded manifest. The
// manifest is treated as an immutable snapshot; hot reload swaps in a
// new Evaluator.
func NewEvaluator(m *Manifest) *Evaluator {
	return &Evaluator{manifest: m}
}

// DefaultAction exposes the manifest's terminal action for fallback
// paths.
func (e *Evaluator) DefaultAction() types.Route {
	return e.manifest.DefaultAction
}

// Evaluate returns the routing decision for in.
func (e *Evaluator) Evaluate(in *Input) types.Decision {
	for _, phase := range e.manifest.EvaluationOrder {
		if d, ok := e.runPhase(phase, in); ok {
			return d
		}
	}
	return types.Decision{
		Route:  e.manifest.DefaultAction,
		Reason: "default_action",
	}
}

func (e *Evaluator) runPhase(phase string, in *Input) (types.Decision, bool) {
	switch phase {
	case PhaseDirectives:
		return e.runDirectives(in)
	case PhaseTrustedWorkflows:
		return e.runRules(e.manifest.TrustedWorkflows, in)
	case PhaseSecurityPolicies:
		return e.runRules(e.manifest.SecurityPolicies, in)
	case PhaseAccumulatedRisk:
		return e.runThreshold(e.manifest.AccumulatedRisk, in)
	case PhaseEventRisk:
		return e.runThreshold(e.manifest.EventRisk, in)
	default:
		return types.Decision{}, false
	}
}

// runDirectives checks the user table, then the role table. Exact
// matches only.
func (e *Evaluator) runDirectives(in *Input) (types.Decision, bool) {
	if d, ok := e.manifest.Directives.Users[in.Context.UserID]; ok {
		return types.Decision{Route: d.Action, Reason: d.Reason, RuleID: "directive:user:" + in.Context.UserID}, true
	}
	if d, ok := e.manifest.Directives.Roles[in.Context.UserRole]; ok {
		return types.Decision{Route: d.Action, Reason: d.Reason, RuleID: "directive:role:" + in.Context.UserRole}, true
	}
	return types.Decision{}, false
}

// runRules evaluates rules in declared order; first match wins.
func (e *Evaluator) runRules(rules []Rule, in *Input) (types.Decision, bool) {
	for i := range rules {
		rule := &rules[i]
		if len(rule.Tools) > 0 && !containsString(rule.Tools, in.Tool) {
			continue
		}
		if evalMatch(rule.Match, in) {
			return types.Decision{Route: rule.Action, Reason: rule.Reason, RuleID: rule.ID}, true
		}
	}
	return types.Decision{}, false
}

// runThreshold compares the named numeric field with the clause's
// threshold. Boundary semantics follow the declared operator: gte
// matches at the exact boundary, gt does not.
func (e *Evaluator) runThreshold(th *Threshold, in *Input) (types.Decision, bool) {
	if th == nil {
		return types.Decision{}, false
	}

	if th.ConfidenceFloor != nil && in.Risk.Confidence < *th.ConfidenceFloor {
		return types.Decision{}, false
	}

	var value float64
	switch th.Field {
	case "accumulated_risk":
		value = in.AccumulatedRisk
	case "event_risk":
		value = in.Risk.Risk
	default:
		return types.Decision{}, false
	}

	matched := false
	switch th.Operator {
	case "gte":
		matched = value >= th.Threshold
	case "gt":
		matched = value > th.Threshold
	}
	if !matched {
		return types.Decision{}, false
	}

	return types.Decision{
		Route:  th.Action,
		Reason: th.Reason,
		RuleID: "threshold:" + th.Field,
	}, true
}

// evalMatch walks the boolean tree. An empty internal list never
// reaches here (the loader rejects it).
func evalMatch(n *MatchNode, in *Input) bool {
	switch {
	case len(n.All) > 0:
		for _, child := range n.All {
			if !evalMatch(child, in) {
				return false
			}
		}
		return true
	case len(n.Any) > 0:
		for _, child := range n.Any {
			if evalMatch(child, in) {
				return true
			}
		}
		return false
	case n.Not != nil:
		return !evalMatch(n.Not, in)
	default:
		return evalLeaf(n, in)
	}
}

func evalLeaf(n *MatchNode, in *Input) bool {
	actual, present := resolvePath(n.Field, in)

	expected := n.Value
	if n.ValueFromContext != "" {
		v, ok := in.Context.Field(n.ValueFromContext)
		if !ok {
			// A missing comparator behaves like a missing field.
			expected = nil
		} else {
			expected = v
		}
	}

	if !present {
		// neq and not_in hold vacuously against a missing field. This
		// matters for cross-tenant rules where the context may lack
		// the comparator.
		return n.Operator == "neq" || n.Operator == "not_in"
	}

	switch n.Operator {
	case "eq":
		return looseEqual(actual, expected)
	case "neq":
		return !looseEqual(actual, expected)
	case "gt", "gte", "lt", "lte":
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch n.Operator {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	case "contains":
		return evalContains(actual, expected)
	case "regex":
		pattern, ok := expected.(string)
		if !ok {
			return false
		}
		s, ok := toString(actual)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	case "in":
		return membership(actual, expected)
	case "not_in":
		return !membership(actual, expected)
	default:
		return false
	}
}

// resolvePath resolves a dotted path rooted at args. or context. into
// the call snapshot.
func resolvePath(field string, in *Input) (any, bool) {
	switch {
	case strings.HasPrefix(field, "args."):
		return resolveArgs(strings.TrimPrefix(field, "args."), in.Args)
	case strings.HasPrefix(field, "context."):
		return resolveContext(strings.TrimPrefix(field, "context."), in.Context)
	default:
		return nil, false
	}
}

func resolveArgs(path string, args map[string]json.RawMessage) (any, bool) {
	parts := strings.Split(path, ".")
	raw, ok := args[parts[0]]
	if !ok {
		return nil, false
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return walk(value, parts[1:])
}

func resolveContext(path string, ctx *types.CallContext) (any, bool) {
	parts := strings.Split(path, ".")
	value, ok := ctx.Field(parts[0])
	if !ok {
		return nil, false
	}
	return walk(value, parts[1:])
}

func walk(value any, parts []string) (any, bool) {
	for _, part := range parts {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

// looseEqual compares across the JSON/YAML type seam: numbers by
// value, everything else by string form when the kinds differ.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	as, aok := toString(a)
	bs, bok := toString(b)
	return aok && bok && as == bs
}

func evalContains(actual, expected any) bool {
	if list, ok := actual.([]any); ok {
		for _, item := range list {
			if looseEqual(item, expected) {
				return true
			}
		}
		return false
	}
	s, ok := toString(actual)
	if !ok {
		return false
	}
	sub, ok := toString(expected)
	if !ok {
		return false
	}
	return strings.Contains(s, sub)
}

func membership(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	default:
		return "", false
	}
}

func containsString(ss []string, s string) bool {
	for _, item := range ss {
		if item == s {
			return true
		}
	}
	return false
}
