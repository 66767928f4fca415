// Package policy provides the routing policy manifest and its
// phase-ordered evaluator.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"chimera/internal/types"
)

// Phase names recognized in evaluation_order.
const (
	PhaseDirectives       = "directives"
	PhaseTrustedWorkflows = "trusted_workflows"
	PhaseSecurityPolicies = "security_policies"
	PhaseAccumulatedRisk  = "accumulated_risk"
	PhaseEventRisk        = "event_risk"
)

// DefaultEvaluationOrder encodes the system's philosophy: explicit
// human decisions, then known-good workflows, then known-bad signals,
// then stateful risk, then single-event risk, then the default.
var DefaultEvaluationOrder = []string{
	PhaseDirectives,
	PhaseTrustedWorkflows,
	PhaseSecurityPolicies,
	PhaseAccumulatedRisk,
	PhaseEventRisk,
}

// Match operators. The set is closed; the loader rejects anything
// else.
var knownOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true,
	"lte": true, "contains": true, "regex": true, "in": true, "not_in": true,
}

// Directive is a user- or role-keyed routing decision.
type Directive struct {
	Action types.Route `yaml:"action" json:"action"`
	Reason string      `yaml:"reason" json:"reason"`
}

// Directives holds the exact-match lookup tables.
type Directives struct {
	Users map[string]Directive `yaml:"users,omitempty" json:"users,omitempty"`
	Roles map[string]Directive `yaml:"roles,omitempty" json:"roles,omitempty"`
}

// MatchNode is one node of a rule's boolean match tree. Exactly one
// of All/Any/Not or the leaf fields (Field+Operator) is set.
type MatchNode struct {
	All []*MatchNode `yaml:"all,omitempty" json:"all,omitempty"`
	Any []*MatchNode `yaml:"any,omitempty" json:"any,omitempty"`
	Not *MatchNode   `yaml:"not,omitempty" json:"not,omitempty"`

	Field            string `yaml:"field,omitempty" json:"field,omitempty"`
	Operator         string `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value            any    `yaml:"value,omitempty" json:"value,omitempty"`
	ValueFromContext string `yaml:"value_from_context,omitempty" json:"value_from_context,omitempty"`
}

// Rule is a named routing directive evaluated within a rule-list
// phase. AllowOnly marks authoring intent: such a rule must route to
// production and the loader enforces it.
type Rule struct {
	ID        string      `yaml:"id" json:"id"`
	Tools     []string    `yaml:"tools,omitempty" json:"tools,omitempty"`
	Match     *MatchNode  `yaml:"match" json:"match"`
	Action    types.Route `yaml:"action" json:"action"`
	Reason    string      `yaml:"reason" json:"reason"`
	AllowOnly bool        `yaml:"allow_only,omitempty" json:"allow_only,omitempty"`
}

// Threshold is a numeric phase clause over accumulated_risk or
// event_risk.
type Threshold struct {
	Field           string      `yaml:"field" json:"field"`
	Operator        string      `yaml:"operator" json:"operator"`
	Threshold       float64     `yaml:"threshold" json:"threshold"`
	Action          types.Route `yaml:"action" json:"action"`
	Reason          string      `yaml:"reason" json:"reason"`
	ConfidenceFloor *float64    `yaml:"confidence_floor,omitempty" json:"confidence_floor,omitempty"`
}

// TaintPatterns configures the interceptor's taint check. A file path
// matching any red pattern and no green pattern taints the session.
type TaintPatterns struct {
	RedPatterns   []string `yaml:"red_patterns,omitempty" json:"red_patterns,omitempty"`
	GreenPatterns []string `yaml:"green_patterns,omitempty" json:"green_patterns,omitempty"`
}

// SanitizePattern is one outbound regex substitution.
type SanitizePattern struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Replace string `yaml:"replace" json:"replace"`
}

// Manifest is the parsed policy document.
type Manifest struct {
	EvaluationOrder    []string          `yaml:"evaluation_order,omitempty" json:"evaluation_order,omitempty"`
	DefaultAction      types.Route       `yaml:"default_action" json:"default_action"`
	Directives         Directives        `yaml:"directives,omitempty" json:"directives,omitempty"`
	TrustedWorkflows   []Rule            `yaml:"trusted_workflows,omitempty" json:"trusted_workflows,omitempty"`
	SecurityPolicies   []Rule            `yaml:"security_policies,omitempty" json:"security_policies,omitempty"`
	AccumulatedRisk    *Threshold        `yaml:"accumulated_risk,omitempty" json:"accumulated_risk,omitempty"`
	EventRisk          *Threshold        `yaml:"event_risk,omitempty" json:"event_risk,omitempty"`
	SuspiciousKeywords []string          `yaml:"suspicious_keywords,omitempty" json:"suspicious_keywords,omitempty"`
	Taint              TaintPatterns     `yaml:"taint,omitempty" json:"taint,omitempty"`
	ToolCategories     map[string]string `yaml:"tool_categories,omitempty" json:"tool_categories,omitempty"`
	Sanitizer          []SanitizePattern `yaml:"sanitizer,omitempty" json:"sanitizer,omitempty"`
}

// manifestSchema is the structural contract checked before decoding.
// Semantic rules (duplicate ids, operator membership) are checked in
// validate.
const manifestSchema = `{
  "type": "object",
  "required": ["default_action"],
  "properties": {
    "evaluation_order": {"type": "array", "items": {"type": "string"}},
    "default_action": {"enum": ["production", "shadow"]},
    "directives": {
      "type": "object",
      "properties": {
        "users": {"type": "object"},
        "roles": {"type": "object"}
      }
    },
    "trusted_workflows": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "security_policies": {"type": "array", "items": {"$ref": "#/$defs/rule"}},
    "accumulated_risk": {"$ref": "#/$defs/threshold"},
    "event_risk": {"$ref": "#/$defs/threshold"},
    "suspicious_keywords": {"type": "array", "items": {"type": "string"}},
    "taint": {"type": "object"},
    "tool_categories": {"type": "object"},
    "sanitizer": {"type": "array"}
  },
  "$defs": {
    "rule": {
      "type": "object",
      "required": ["id", "match", "action"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "tools": {"type": "array", "items": {"type": "string"}},
        "action": {"enum": ["production", "shadow"]},
        "reason": {"type": "string"},
        "allow_only": {"type": "boolean"}
      }
    },
    "threshold": {
      "type": "object",
      "required": ["field", "operator", "threshold", "action"],
      "properties": {
        "field": {"enum": ["accumulated_risk", "event_risk"]},
        "operator": {"enum": ["gte", "gt"]},
        "threshold": {"type": "number"},
        "action": {"enum": ["production", "shadow"]},
        "confidence_floor": {"type": "number"}
      }
    }
  }
}`

// LoadFile loads and validates a policy manifest from a YAML file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy manifest: %w", err)
	}
	return Load(data)
}

// Load parses a policy manifest from YAML data. Any inconsistency is
// a load-time error; the gateway refuses to start on a bad manifest.
func Load(data []byte) (*Manifest, error) {
	// Structural validation against the schema first, on the generic
	// document, so shape errors are reported before decode.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON-typed values
	// (YAML integers decode as int, which the schema engine rejects).
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}
	if err := json.Unmarshal(jsonDoc, &doc); err != nil {
		return nil, fmt.Errorf("normalize manifest: %w", err)
	}

	schema, err := jsonschema.CompileString("manifest.json", manifestSchema)
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest schema violation: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode policy manifest: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("validate policy manifest: %w", err)
	}
	return &m, nil
}

// validate applies the semantic rules the schema cannot express.
func (m *Manifest) validate() error {
	if !m.DefaultAction.Valid() {
		return fmt.Errorf("default_action must be production or shadow")
	}

	if len(m.EvaluationOrder) == 0 {
		m.EvaluationOrder = append([]string(nil), DefaultEvaluationOrder...)
	}
	for _, phase := range m.EvaluationOrder {
		switch phase {
		case PhaseDirectives, PhaseTrustedWorkflows, PhaseSecurityPolicies,
			PhaseAccumulatedRisk, PhaseEventRisk:
		default:
			return fmt.Errorf("unknown phase %q in evaluation_order", phase)
		}
	}

	for key, d := range m.Directives.Users {
		if !d.Action.Valid() {
			return fmt.Errorf("user directive %q: invalid action %q", key, d.Action)
		}
	}
	for key, d := range m.Directives.Roles {
		if !d.Action.Valid() {
			return fmt.Errorf("role directive %q: invalid action %q", key, d.Action)
		}
	}

	seen := make(map[string]bool)
	for _, list := range [][]Rule{m.TrustedWorkflows, m.SecurityPolicies} {
		for i := range list {
			rule := &list[i]
			if seen[rule.ID] {
				return fmt.Errorf("duplicate rule id %q", rule.ID)
			}
			seen[rule.ID] = true

			if !rule.Action.Valid() {
				return fmt.Errorf("rule %q: invalid action %q", rule.ID, rule.Action)
			}
			if rule.AllowOnly && rule.Action != types.RouteProduction {
				return fmt.Errorf("rule %q: allow_only rules must have action production", rule.ID)
			}
			if rule.Match == nil {
				return fmt.Errorf("rule %q: match is required", rule.ID)
			}
			if err := validateMatch(rule.Match, rule.ID); err != nil {
				return err
			}
		}
	}

	for _, th := range []*Threshold{m.AccumulatedRisk, m.EventRisk} {
		if th == nil {
			continue
		}
		if th.Operator != "gte" && th.Operator != "gt" {
			return fmt.Errorf("threshold on %s: operator must be gte or gt", th.Field)
		}
		if th.Field != "accumulated_risk" && th.Field != "event_risk" {
			return fmt.Errorf("threshold field %q unknown", th.Field)
		}
		if !th.Action.Valid() {
			return fmt.Errorf("threshold on %s: invalid action %q", th.Field, th.Action)
		}
	}

	for _, p := range m.Sanitizer {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return fmt.Errorf("sanitizer pattern %q: %w", p.Pattern, err)
		}
	}
	for _, p := range append(append([]string(nil), m.Taint.RedPatterns...), m.Taint.GreenPatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("taint pattern %q: %w", p, err)
		}
	}

	return nil
}

func validateMatch(n *MatchNode, ruleID string) error {
	branches := 0
	if len(n.All) > 0 {
		branches++
	}
	if len(n.Any) > 0 {
		branches++
	}
	if n.Not != nil {
		branches++
	}
	isLeaf := n.Field != "" || n.Operator != ""

	if branches > 1 || (branches == 1 && isLeaf) {
		return fmt.Errorf("rule %q: match node must be exactly one of all/any/not or a leaf", ruleID)
	}
	if branches == 0 && !isLeaf {
		return fmt.Errorf("rule %q: empty match node", ruleID)
	}

	if isLeaf {
		if n.Field == "" {
			return fmt.Errorf("rule %q: match leaf missing field", ruleID)
		}
		if !knownOperators[n.Operator] {
			return fmt.Errorf("rule %q: unknown operator %q", ruleID, n.Operator)
		}
		if n.Operator == "regex" {
			s, ok := n.Value.(string)
			if !ok {
				return fmt.Errorf("rule %q: regex value must be a string", ruleID)
			}
			if _, err := regexp.Compile(s); err != nil {
				return fmt.Errorf("rule %q: bad regex: %w", ruleID, err)
			}
		}
		if n.Value != nil && n.ValueFromContext != "" {
			return fmt.Errorf("rule %q: value and value_from_context are exclusive", ruleID)
		}
		if !strings.HasPrefix(n.Field, "args.") && !strings.HasPrefix(n.Field, "context.") {
			return fmt.Errorf("rule %q: field %q must be under args. or context.", ruleID, n.Field)
		}
		return nil
	}

	for _, child := range n.All {
		if err := validateMatch(child, ruleID); err != nil {
			return err
		}
	}
	for _, child := range n.Any {
		if err := validateMatch(child, ruleID); err != nil {
			return err
		}
	}
	if n.Not != nil {
		return validateMatch(n.Not, ruleID)
	}
	return nil
}

// DefaultManifest returns the conservative built-in policy used when
// no manifest file is configured.
func DefaultManifest() *Manifest {
	confidenceFloor := 0.5
	return &Manifest{
		EvaluationOrder: append([]string(nil), DefaultEvaluationOrder...),
		DefaultAction:   types.RouteProduction,
		SecurityPolicies: []Rule{
			{
				ID: "taint-lockdown",
				Match: &MatchNode{All: []*MatchNode{
					{Field: "context.is_tainted", Operator: "eq", Value: true},
					{Field: "context.tool_category", Operator: "eq", Value: types.CategorySensitive},
				}},
				Action: types.RouteShadow,
				Reason: "tainted session touching sensitive records",
			},
			{
				ID: "suspicious-keyword-trigger",
				Match: &MatchNode{
					Field: "context.is_suspicious_query", Operator: "eq", Value: true,
				},
				Action: types.RouteShadow,
				Reason: "suspicious keyword in arguments",
			},
		},
		AccumulatedRisk: &Threshold{
			Field:     "accumulated_risk",
			Operator:  "gte",
			Threshold: 1.5,
			Action:    types.RouteShadow,
			Reason:    "session risk budget exceeded",
		},
		EventRisk: &Threshold{
			Field:           "event_risk",
			Operator:        "gte",
			Threshold:       0.8,
			Action:          types.RouteShadow,
			Reason:          "high single-event risk",
			ConfidenceFloor: &confidenceFloor,
		},
		SuspiciousKeywords: []string{
			"formula", "password", "credential", "secret", "exfiltrate", "dump",
		},
		Taint: TaintPatterns{
			RedPatterns:   []string{`resume`, `upload`, `/shared/`},
			GreenPatterns: []string{`/private/`, `_conf_`},
		},
		ToolCategories: types.DefaultToolCategories(),
		Sanitizer: []SanitizePattern{
			{Pattern: `sk-[A-Za-z0-9_\-]{16,}`, Replace: "[REDACTED]"},
			{Pattern: `(?i)bearer\s+[A-Za-z0-9_\-\.]+`, Replace: "[REDACTED]"},
			{Pattern: `-----BEGIN [A-Z ]*PRIVATE KEY-----`, Replace: "[REDACTED]"},
			{Pattern: `Traceback \(most recent call last\):`, Replace: "[trace removed]"},
			{Pattern: `goroutine \d+ \[running\]:`, Replace: "[trace removed]"},
		},
	}
}
