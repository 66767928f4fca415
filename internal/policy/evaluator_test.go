package policy

import (
	"encoding/json"
	"testing"

	"chimera/internal/types"
)

func args(kv map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		raw, _ := json.Marshal(v)
		out[k] = raw
	}
	return out
}

func floatPtr(f float64) *float64 { return &f }

func TestEvaluate_TrustedWorkflowBeatsRisk(t *testing.T) {
	// A trusted-workflow rule in an earlier phase outranks any risk
	// threshold, even with classifier risk at 0.95.
	m := &Manifest{
		DefaultAction: types.RouteProduction,
		TrustedWorkflows: []Rule{
			{
				ID: "dr-chen-production",
				Match: &MatchNode{All: []*MatchNode{
					{Field: "context.user_id", Operator: "eq", Value: "dr_chen"},
					{Field: "context.source", Operator: "eq", Value: "lab_workstation"},
				}},
				Action:    types.RouteProduction,
				Reason:    "approved researcher workflow",
				AllowOnly: true,
			},
		},
		EventRisk: &Threshold{
			Field: "event_risk", Operator: "gte", Threshold: 0.8,
			Action: types.RouteShadow, Reason: "high event risk",
		},
	}
	if err := m.validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}

	e := NewEvaluator(m)
	d := e.Evaluate(&Input{
		Tool: "read_file",
		Args: args(map[string]any{"filename": "/data/private/_CONF_chimera_formula.json"}),
		Context: &types.CallContext{
			UserID:   "dr_chen",
			UserRole: "lead_researcher",
			Source:   "lab_workstation",
		},
		Risk: types.RiskAssessment{Risk: 0.95, Confidence: 0.9},
	})

	if d.Route != types.RouteProduction {
		t.Errorf("route = %s, want production", d.Route)
	}
	if d.RuleID != "dr-chen-production" {
		t.Errorf("rule = %s, want dr-chen-production", d.RuleID)
	}
}

func TestEvaluate_TaintLockdown(t *testing.T) {
	m := DefaultManifest()
	e := NewEvaluator(m)

	d := e.Evaluate(&Input{
		Tool: "get_patient_record",
		Args: args(map[string]any{"patient_id": 100}),
		Context: &types.CallContext{
			UserRole:     "hr_manager",
			IsTainted:    true,
			TaintSource:  "/shared/candidate_resume_j_doe.txt",
			ToolCategory: types.CategorySensitive,
		},
		Risk: types.RiskAssessment{Risk: 0.3, Confidence: 0.9},
	})

	if d.Route != types.RouteShadow {
		t.Errorf("route = %s, want shadow", d.Route)
	}
	if d.RuleID != "taint-lockdown" {
		t.Errorf("rule = %s, want taint-lockdown", d.RuleID)
	}
}

func TestEvaluate_SuspiciousKeywordTrigger(t *testing.T) {
	m := DefaultManifest()
	e := NewEvaluator(m)

	d := e.Evaluate(&Input{
		Tool: "read_file",
		Args: args(map[string]any{"filename": "/data/private/_CONF_chimera_formula.json"}),
		Context: &types.CallContext{
			UserID:            "attacker",
			UserRole:          "external",
			IsSuspiciousQuery: true,
			ToolCategory:      types.CategoryFile,
		},
		Risk: types.RiskAssessment{Risk: 0.2, Confidence: 0.9},
	})

	if d.Route != types.RouteShadow {
		t.Errorf("route = %s, want shadow", d.Route)
	}
	if d.RuleID != "suspicious-keyword-trigger" {
		t.Errorf("rule = %s, want suspicious-keyword-trigger", d.RuleID)
	}
}

func TestEvaluate_DirectivesFirst(t *testing.T) {
	m := DefaultManifest()
	m.Directives.Users = map[string]Directive{
		"attacker": {Action: types.RouteShadow, Reason: "manually flagged"},
	}
	e := NewEvaluator(m)

	d := e.Evaluate(&Input{
		Tool:    "list_files",
		Args:    args(map[string]any{"path": "/"}),
		Context: &types.CallContext{UserID: "attacker"},
	})
	if d.Route != types.RouteShadow || d.RuleID != "directive:user:attacker" {
		t.Errorf("got %+v, want user directive hit", d)
	}

	// Role directive applies when the user table misses.
	m.Directives.Roles = map[string]Directive{
		"contractor": {Action: types.RouteShadow, Reason: "no production access"},
	}
	d = e.Evaluate(&Input{
		Tool:    "list_files",
		Args:    args(map[string]any{"path": "/"}),
		Context: &types.CallContext{UserID: "someone", UserRole: "contractor"},
	})
	if d.RuleID != "directive:role:contractor" {
		t.Errorf("rule = %s, want role directive", d.RuleID)
	}
}

func TestEvaluate_AccumulatedThresholdBoundary(t *testing.T) {
	m := DefaultManifest() // accumulated_risk gte 1.5
	e := NewEvaluator(m)

	ctx := &types.CallContext{UserID: "u"}

	// Below threshold: default production.
	d := e.Evaluate(&Input{Tool: "search_records", Args: args(nil), Context: ctx,
		Risk: types.RiskAssessment{Risk: 0.2, Confidence: 1}, AccumulatedRisk: 1.4})
	if d.Route != types.RouteProduction {
		t.Errorf("below threshold route = %s, want production", d.Route)
	}

	// Exactly at the boundary: gte matches.
	d = e.Evaluate(&Input{Tool: "search_records", Args: args(nil), Context: ctx,
		Risk: types.RiskAssessment{Risk: 0.2, Confidence: 1}, AccumulatedRisk: 1.5})
	if d.Route != types.RouteShadow || d.RuleID != "threshold:accumulated_risk" {
		t.Errorf("at boundary got %+v, want shadow via accumulated_risk", d)
	}
}

func TestEvaluate_GtExcludesBoundary(t *testing.T) {
	m := &Manifest{
		DefaultAction: types.RouteProduction,
		AccumulatedRisk: &Threshold{
			Field: "accumulated_risk", Operator: "gt", Threshold: 1.5,
			Action: types.RouteShadow, Reason: "over budget",
		},
	}
	if err := m.validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	e := NewEvaluator(m)

	d := e.Evaluate(&Input{Tool: "t", Args: args(nil),
		Context: &types.CallContext{}, AccumulatedRisk: 1.5})
	if d.Route != types.RouteProduction {
		t.Errorf("gt at boundary route = %s, want production", d.Route)
	}
}

func TestEvaluate_ConfidenceFloor(t *testing.T) {
	m := &Manifest{
		DefaultAction: types.RouteProduction,
		EventRisk: &Threshold{
			Field: "event_risk", Operator: "gte", Threshold: 0.8,
			Action: types.RouteShadow, Reason: "high risk",
			ConfidenceFloor: floatPtr(0.5),
		},
	}
	if err := m.validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	e := NewEvaluator(m)

	// High risk but zero confidence (classifier unavailable): the
	// threshold must not fire.
	d := e.Evaluate(&Input{Tool: "t", Args: args(nil),
		Context: &types.CallContext{},
		Risk:    types.RiskAssessment{Risk: 0.9, Confidence: 0}})
	if d.Route != types.RouteProduction {
		t.Errorf("low-confidence route = %s, want production", d.Route)
	}

	d = e.Evaluate(&Input{Tool: "t", Args: args(nil),
		Context: &types.CallContext{},
		Risk:    types.RiskAssessment{Risk: 0.9, Confidence: 0.9}})
	if d.Route != types.RouteShadow {
		t.Errorf("confident route = %s, want shadow", d.Route)
	}
}

func TestEvaluate_FirstMatchWinsWithinPhase(t *testing.T) {
	m := &Manifest{
		DefaultAction: types.RouteShadow,
		SecurityPolicies: []Rule{
			{
				ID:     "first-production",
				Match:  &MatchNode{Field: "args.target", Operator: "eq", Value: "x"},
				Action: types.RouteProduction,
				Reason: "first",
			},
			{
				ID:     "second-shadow",
				Match:  &MatchNode{Field: "args.target", Operator: "eq", Value: "x"},
				Action: types.RouteShadow,
				Reason: "second",
			},
		},
	}
	if err := m.validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	e := NewEvaluator(m)

	d := e.Evaluate(&Input{Tool: "t",
		Args:    args(map[string]any{"target": "x"}),
		Context: &types.CallContext{}})
	if d.RuleID != "first-production" || d.Route != types.RouteProduction {
		t.Errorf("got %+v, want first-declared rule", d)
	}
}

func TestEvaluate_NeqMissingFieldIsTrue(t *testing.T) {
	m := &Manifest{
		DefaultAction: types.RouteProduction,
		SecurityPolicies: []Rule{
			{
				ID:     "cross-tenant",
				Match:  &MatchNode{Field: "args.tenant", Operator: "neq", ValueFromContext: "ticket"},
				Action: types.RouteShadow,
				Reason: "tenant mismatch",
			},
		},
	}
	if err := m.validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	e := NewEvaluator(m)

	// args.tenant is absent: neq holds vacuously.
	d := e.Evaluate(&Input{Tool: "t", Args: args(nil), Context: &types.CallContext{}})
	if d.RuleID != "cross-tenant" {
		t.Errorf("neq on missing field should match, got %+v", d)
	}

	// Matching values: neq is false, default applies.
	d = e.Evaluate(&Input{Tool: "t",
		Args:    args(map[string]any{"tenant": "acme"}),
		Context: &types.CallContext{Ticket: "acme"}})
	if d.Route != types.RouteProduction {
		t.Errorf("equal tenant should fall through, got %+v", d)
	}
}

func TestEvaluate_ToolWhitelistSkipsRule(t *testing.T) {
	m := &Manifest{
		DefaultAction: types.RouteProduction,
		SecurityPolicies: []Rule{
			{
				ID:     "file-only",
				Tools:  []string{"read_file"},
				Match:  &MatchNode{Field: "context.is_tainted", Operator: "eq", Value: true},
				Action: types.RouteShadow,
				Reason: "tainted file read",
			},
		},
	}
	if err := m.validate(); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	e := NewEvaluator(m)

	d := e.Evaluate(&Input{Tool: "search_records", Args: args(nil),
		Context: &types.CallContext{IsTainted: true}})
	if d.Route != types.RouteProduction {
		t.Errorf("rule should not apply to search_records, got %+v", d)
	}

	d = e.Evaluate(&Input{Tool: "read_file", Args: args(nil),
		Context: &types.CallContext{IsTainted: true}})
	if d.Route != types.RouteShadow {
		t.Errorf("rule should apply to read_file, got %+v", d)
	}
}

func TestEvaluate_MatchOperators(t *testing.T) {
	cases := []struct {
		name  string
		leaf  MatchNode
		args  map[string]any
		match bool
	}{
		{"contains", MatchNode{Field: "args.q", Operator: "contains", Value: "formula"},
			map[string]any{"q": "the secret FORMULA file"}, false}, // contains is case-sensitive at the leaf
		{"contains exact", MatchNode{Field: "args.q", Operator: "contains", Value: "formula"},
			map[string]any{"q": "the formula file"}, true},
		{"regex", MatchNode{Field: "args.path", Operator: "regex", Value: `^/shared/`},
			map[string]any{"path": "/shared/upload.txt"}, true},
		{"regex unanchored", MatchNode{Field: "args.path", Operator: "regex", Value: `resume`},
			map[string]any{"path": "/tmp/resume_backup"}, true},
		{"in", MatchNode{Field: "args.role", Operator: "in", Value: []any{"admin", "root"}},
			map[string]any{"role": "root"}, true},
		{"not_in", MatchNode{Field: "args.role", Operator: "not_in", Value: []any{"admin"}},
			map[string]any{"role": "viewer"}, true},
		{"gt numeric", MatchNode{Field: "args.count", Operator: "gt", Value: 10},
			map[string]any{"count": 11}, true},
		{"lte numeric", MatchNode{Field: "args.count", Operator: "lte", Value: 10},
			map[string]any{"count": 11}, false},
		{"eq number loose", MatchNode{Field: "args.id", Operator: "eq", Value: 100},
			map[string]any{"id": 100.0}, true},
		{"dotted path", MatchNode{Field: "args.filter.owner", Operator: "eq", Value: "root"},
			map[string]any{"filter": map[string]any{"owner": "root"}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := &Input{Tool: "t", Args: args(tc.args), Context: &types.CallContext{}}
			if got := evalMatch(&tc.leaf, in); got != tc.match {
				t.Errorf("match = %v, want %v", got, tc.match)
			}
		})
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	m := DefaultManifest()
	e := NewEvaluator(m)

	in := &Input{
		Tool: "get_patient_record",
		Args: args(map[string]any{"patient_id": 42}),
		Context: &types.CallContext{
			UserID: "u", IsTainted: true, ToolCategory: types.CategorySensitive,
		},
		Risk:            types.RiskAssessment{Risk: 0.4, Confidence: 1},
		AccumulatedRisk: 0.4,
	}

	first := e.Evaluate(in)
	for i := 0; i < 10; i++ {
		if got := e.Evaluate(in); got != first {
			t.Fatalf("evaluation %d differed: %+v vs %+v", i, got, first)
		}
	}
}
