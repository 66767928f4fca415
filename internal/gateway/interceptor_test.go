package gateway

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"chimera/internal/classifier"
	"chimera/internal/config"
	"chimera/internal/jsonrpc"
	"chimera/internal/ledger"
	"chimera/internal/policy"
	"chimera/internal/session"
	"chimera/internal/types"
	"chimera/internal/warrant"
)

type fakeForwarder struct {
	last []byte
	resp string
	err  error
}

func (f *fakeForwarder) Forward(_ context.Context, req []byte) ([]byte, error) {
	f.last = append([]byte(nil), req...)
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.resp), nil
}

type fixture struct {
	interceptor *Interceptor
	authority   *warrant.Authority
	forwarder   *fakeForwarder
	ledgerPath  string
	genesis     string
}

func newFixture(t *testing.T, manifest *policy.Manifest, rules []classifier.PatternRule) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	logger := zap.NewNop()

	prime, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	shadow, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	authority, err := warrant.NewAuthority(prime, shadow, time.Hour)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")
	led, err := ledger.Open(ledgerPath, cfg.GenesisHash, logger)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })

	fwd := &fakeForwarder{
		resp: `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"ok"}]}}`,
	}

	it, err := NewInterceptor(InterceptorConfig{
		Config:     cfg,
		Logger:     logger,
		Sessions:   session.NewStore(cfg.SessionWindow, cfg.SessionIdle, logger),
		Classifier: classifier.NewPatternClassifier(rules),
		Manifest:   manifest,
		Authority:  authority,
		Ledger:     led,
		Forwarder:  fwd,
	})
	if err != nil {
		t.Fatalf("interceptor: %v", err)
	}

	return &fixture{
		interceptor: it,
		authority:   authority,
		forwarder:   fwd,
		ledgerPath:  ledgerPath,
		genesis:     cfg.GenesisHash,
	}
}

func callRequest(t *testing.T, tool string, args, ctx map[string]any) *jsonrpc.Request {
	t.Helper()
	params, err := json.Marshal(map[string]any{
		"name":      tool,
		"arguments": args,
		"context":   ctx,
	})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &jsonrpc.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage("1"),
		Method:  jsonrpc.MethodToolsCall,
		Params:  params,
	}
}

// forwardedWarrant extracts the injected warrant from the last
// forwarded request.
func (f *fixture) forwardedWarrant(t *testing.T) string {
	t.Helper()
	var req jsonrpc.Request
	if err := json.Unmarshal(f.forwarder.last, &req); err != nil {
		t.Fatalf("unmarshal forwarded request: %v", err)
	}
	var params jsonrpc.CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal forwarded params: %v", err)
	}
	raw, ok := params.Arguments[WarrantKey]
	if !ok {
		t.Fatal("forwarded request carries no warrant")
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		t.Fatalf("warrant not a string: %v", err)
	}
	return token
}

func TestHandle_TrustedWorkflowRoutesProduction(t *testing.T) {
	manifest := policy.DefaultManifest()
	manifest.TrustedWorkflows = []policy.Rule{
		{
			ID: "dr-chen-production",
			Match: &policy.MatchNode{All: []*policy.MatchNode{
				{Field: "context.user_id", Operator: "eq", Value: "dr_chen"},
				{Field: "context.source", Operator: "eq", Value: "lab_workstation"},
			}},
			Action:    types.RouteProduction,
			Reason:    "approved researcher workflow",
			AllowOnly: true,
		},
	}

	// The classifier hates this call; the trusted workflow outranks it.
	f := newFixture(t, manifest, []classifier.PatternRule{
		{Field: "tool", Operator: "eq", Value: "read_file", Risk: 0.95, Reason: "sensitive read"},
	})

	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"read_file",
		map[string]any{"filename": "/data/private/_CONF_chimera_formula.json"},
		map[string]any{"user_id": "dr_chen", "user_role": "lead_researcher", "source": "lab_workstation", "session_id": "sess-chen"},
	))
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}

	route, err := f.authority.Verify(f.forwardedWarrant(t))
	if err != nil {
		t.Fatalf("verify injected warrant: %v", err)
	}
	if route != types.RouteProduction {
		t.Errorf("route = %s, want production", route)
	}
}

func TestHandle_ResumeTaintThenShadow(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)
	ctx := map[string]any{"user_role": "hr_manager", "session_id": "sess-hr"}

	// First call reads a red-pattern path and taints the session.
	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"read_file",
		map[string]any{"filename": "/shared/candidate_resume_j_doe.txt"},
		ctx,
	))
	if resp.Error != nil {
		t.Fatalf("taint call error: %+v", resp.Error)
	}

	// Second call on the same session hits taint-lockdown.
	resp = f.interceptor.Handle(context.Background(), callRequest(t,
		"get_patient_record",
		map[string]any{"patient_id": 100},
		ctx,
	))
	if resp.Error != nil {
		t.Fatalf("patient call error: %+v", resp.Error)
	}

	route, err := f.authority.Verify(f.forwardedWarrant(t))
	if err != nil {
		t.Fatalf("verify injected warrant: %v", err)
	}
	if route != types.RouteShadow {
		t.Errorf("route = %s, want shadow", route)
	}

	// Ledger recorded the taint transition and both decisions, and
	// the chain verifies.
	if n, err := ledger.Verify(f.ledgerPath, f.genesis); err != nil || n != 3 {
		t.Errorf("ledger verify = (%d, %v), want (3, nil)", n, err)
	}
}

func TestHandle_GreenPatternSuppressesTaint(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)
	ctx := map[string]any{"session_id": "sess-green", "user_role": "hr_manager"}

	// "resume" matches red, but /private/ matches green: no taint.
	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"read_file",
		map[string]any{"filename": "/private/resume_review_notes.txt"},
		ctx,
	))
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}

	resp = f.interceptor.Handle(context.Background(), callRequest(t,
		"get_patient_record",
		map[string]any{"patient_id": 1},
		ctx,
	))
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	route, _ := f.authority.Verify(f.forwardedWarrant(t))
	if route != types.RouteProduction {
		t.Errorf("route = %s, want production (no taint)", route)
	}
}

func TestHandle_SuspiciousKeywordRoutesShadow(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)

	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"read_file",
		map[string]any{"filename": "/data/private/_CONF_chimera_formula.json"},
		map[string]any{"user_id": "attacker", "user_role": "external", "session_id": "sess-atk"},
	))
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}

	route, err := f.authority.Verify(f.forwardedWarrant(t))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if route != types.RouteShadow {
		t.Errorf("route = %s, want shadow", route)
	}
}

func TestHandle_AccumulatedRiskWindow(t *testing.T) {
	// Classifier assigns fixed risk per tool so we can walk the sum
	// over the threshold.
	f := newFixture(t, policy.DefaultManifest(), []classifier.PatternRule{
		{Field: "tool", Operator: "eq", Value: "search_records", Risk: 0.5, Reason: "broad query"},
		{Field: "tool", Operator: "eq", Value: "list_files", Risk: 0.4, Reason: "recon"},
		{Field: "tool", Operator: "eq", Value: "get_employee_record", Risk: 0.2, Reason: "lookup"},
	})
	ctx := map[string]any{"user_id": "probe", "session_id": "sess-acc"}

	// 0.4 + 0.5 + 0.5 = 1.4, still under 1.5: production.
	f.interceptor.Handle(context.Background(), callRequest(t, "list_files", map[string]any{"path": "/"}, ctx))
	f.interceptor.Handle(context.Background(), callRequest(t, "search_records", map[string]any{"query": "a"}, ctx))
	f.interceptor.Handle(context.Background(), callRequest(t, "search_records", map[string]any{"query": "b"}, ctx))
	route, _ := f.authority.Verify(f.forwardedWarrant(t))
	if route != types.RouteProduction {
		t.Fatalf("third call route = %s, want production", route)
	}

	// +0.2 pushes the sum to 1.6: shadow.
	f.interceptor.Handle(context.Background(), callRequest(t, "get_employee_record", map[string]any{"employee_id": 7}, ctx))
	route, _ = f.authority.Verify(f.forwardedWarrant(t))
	if route != types.RouteShadow {
		t.Errorf("fourth call route = %s, want shadow", route)
	}
}

func TestHandle_PassthroughNonToolsCall(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)
	f.forwarder.resp = `{"jsonrpc":"2.0","id":5,"result":{"tools":[]}}`

	req := &jsonrpc.Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage("5"),
		Method:  "tools/list",
	}
	resp := f.interceptor.Handle(context.Background(), req)
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}

	// Forwarded verbatim: no warrant key anywhere.
	if strings.Contains(string(f.forwarder.last), WarrantKey) {
		t.Error("passthrough request must not carry a warrant")
	}
}

func TestHandle_SanitizesResult(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)
	f.forwarder.resp = `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":"key is sk-ABCDEFGHIJKLMNOPQRSTUV"}]}}`

	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"list_files", map[string]any{"path": "/"}, map[string]any{"session_id": "s"},
	))
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	if strings.Contains(string(resp.Result), "sk-ABCDEF") {
		t.Errorf("credential survived sanitization: %s", resp.Result)
	}
	if !strings.Contains(string(resp.Result), "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", resp.Result)
	}
}

func TestHandle_StripsWarrantEcho(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)
	f.forwarder.resp = `{"jsonrpc":"2.0","id":1,"result":{"echo":{"__chimera_warrant__":"leaked-token","path":"/"}}}`

	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"list_files", map[string]any{"path": "/"}, map[string]any{"session_id": "s"},
	))
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	if strings.Contains(string(resp.Result), WarrantKey) || strings.Contains(string(resp.Result), "leaked-token") {
		t.Errorf("warrant echo survived: %s", resp.Result)
	}
}

func TestHandle_BackendErrorIsGeneric(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)
	f.forwarder.err = context.DeadlineExceeded

	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"list_files", map[string]any{"path": "/"}, map[string]any{"session_id": "s"},
	))
	if resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != jsonrpc.CodeServerError {
		t.Errorf("code = %d, want %d", resp.Error.Code, jsonrpc.CodeServerError)
	}
	// No plane disclosure in the message.
	for _, word := range []string{"shadow", "production", "route"} {
		if strings.Contains(strings.ToLower(resp.Error.Message), word) {
			t.Errorf("error message leaks routing: %q", resp.Error.Message)
		}
	}
}

func TestHandle_MintsSessionID(t *testing.T) {
	f := newFixture(t, policy.DefaultManifest(), nil)

	resp := f.interceptor.Handle(context.Background(), callRequest(t,
		"list_files", map[string]any{"path": "/"}, nil,
	))
	if resp.Error != nil {
		t.Fatalf("error: %+v", resp.Error)
	}
	// The minted session shows up in the warrant's subject.
	claims := decodeClaims(t, f.forwardedWarrant(t))
	if claims.Subject == "" {
		t.Error("minted session id missing from warrant subject")
	}
}

func decodeSegment(seg string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(seg)
}

func decodeClaims(t *testing.T, token string) *warrant.Claims {
	t.Helper()
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatal("malformed warrant")
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims warrant.Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	return &claims
}
