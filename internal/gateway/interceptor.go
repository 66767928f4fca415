// Package gateway implements the CHIMERA interception pipeline: the
// orchestrator that routes every tools/call through taint tracking,
// classification, policy evaluation, warrant issuance, and the
// forensic ledger.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chimera/internal/classifier"
	"chimera/internal/config"
	"chimera/internal/jsonrpc"
	"chimera/internal/ledger"
	"chimera/internal/policy"
	"chimera/internal/session"
	"chimera/internal/types"
)

// WarrantKey is the reserved parameter the gateway injects into the
// forwarded arguments. It is stripped from any echo on the way back.
const WarrantKey = "__chimera_warrant__"

// Issuer signs warrants for a routing decision.
type Issuer interface {
	Issue(sessionID, tool string, route types.Route) (string, error)
}

// Interceptor orchestrates the decision pipeline. One instance lives
// in the process; all dependencies are injected.
type Interceptor struct {
	cfg       *config.Config
	logger    *zap.Logger
	sessions  *session.Store
	judge     classifier.Classifier
	evaluator *policy.Evaluator
	authority Issuer
	ledger    *ledger.Ledger
	forward   Forwarder
	sanitizer *Sanitizer

	toolCategories map[string]string
	keywords       []string
	redPatterns    []*regexp.Regexp
	greenPatterns  []*regexp.Regexp

	// decisionLocks serializes steps 2-8 per session so that call n's
	// taint, risk, decision, and ledger entry all land before call
	// n+1's begin. Forwarding overlaps freely across sessions.
	decisionLocks sync.Map // session id -> *sync.Mutex
}

// InterceptorConfig holds dependencies for the pipeline.
type InterceptorConfig struct {
	Config     *config.Config
	Logger     *zap.Logger
	Sessions   *session.Store
	Classifier classifier.Classifier
	Manifest   *policy.Manifest
	Authority  Issuer
	Ledger     *ledger.Ledger
	Forwarder  Forwarder
}

// NewInterceptor wires the pipeline. The manifest was validated at
// load, so pattern compiles here cannot fail on a started gateway.
func NewInterceptor(cfg InterceptorConfig) (*Interceptor, error) {
	sanitizer, err := NewSanitizer(cfg.Manifest.Sanitizer)
	if err != nil {
		return nil, err
	}

	categories := types.DefaultToolCategories()
	for tool, cat := range cfg.Manifest.ToolCategories {
		categories[tool] = cat
	}

	it := &Interceptor{
		cfg:            cfg.Config,
		logger:         cfg.Logger,
		sessions:       cfg.Sessions,
		judge:          cfg.Classifier,
		evaluator:      policy.NewEvaluator(cfg.Manifest),
		authority:      cfg.Authority,
		ledger:         cfg.Ledger,
		forward:        cfg.Forwarder,
		sanitizer:      sanitizer,
		toolCategories: categories,
		keywords:       cfg.Manifest.SuspiciousKeywords,
	}

	for _, p := range cfg.Manifest.Taint.RedPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("taint red pattern %q: %w", p, err)
		}
		it.redPatterns = append(it.redPatterns, re)
	}
	for _, p := range cfg.Manifest.Taint.GreenPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("taint green pattern %q: %w", p, err)
		}
		it.greenPatterns = append(it.greenPatterns, re)
	}

	return it, nil
}

// callState carries one call through the pipeline steps.
type callState struct {
	req       *jsonrpc.Request
	params    jsonrpc.CallParams
	sessionID string
	context   *types.CallContext
	risk      types.RiskAssessment
	decision  types.Decision
	warrant   string
	tainted   bool
	taintSrc  string
	fallback  bool
}

// Handle processes one JSON-RPC request. Non-tools/call methods pass
// through unchanged; tools/call runs the full pipeline. The agent
// only ever sees a successful tool response or a generic error; the
// routing decision is never observable on the wire.
func (it *Interceptor) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Method != jsonrpc.MethodToolsCall {
		return it.passthrough(ctx, req)
	}

	state := &callState{req: req}
	if err := json.Unmarshal(req.Params, &state.params); err != nil || state.params.Name == "" {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidRequest, "invalid tools/call params")
	}

	it.stepExtractContext(state)

	logger := it.logger.With(
		zap.String("session_id", state.sessionID),
		zap.String("tool", state.params.Name),
	)

	// Steps 2-8 hold the session's decision lock; call n+1 on the
	// same session cannot start deciding until call n has logged.
	unlock := it.lockSession(state.sessionID)

	it.stepTaintCheck(state)
	it.stepClassify(ctx, state)
	it.stepAccumulate(state)
	it.stepDeriveFlags(state)
	it.stepEvaluate(state, logger)

	if err := it.stepIssueWarrant(state); err != nil {
		unlock()
		logger.Error("warrant issuance failed", zap.Error(err))
		return jsonrpc.NewError(req.ID, jsonrpc.CodeAuthorityError, "internal error")
	}

	it.stepLog(state, logger)
	unlock()

	logger.Info("routed",
		zap.String("route", string(state.decision.Route)),
		zap.String("rule", state.decision.RuleID),
		zap.Float64("risk", state.risk.Risk),
		zap.Float64("accumulated_risk", state.context.AccumulatedRisk),
	)

	return it.stepForward(ctx, state)
}

// passthrough forwards a non-inspected method verbatim.
func (it *Interceptor) passthrough(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	raw, err := json.Marshal(req)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeServerError, "internal error")
	}
	body, err := it.forward.Forward(ctx, raw)
	if err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeServerError, "backend unavailable")
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeServerError, "backend unavailable")
	}
	return &resp
}

// stepExtractContext builds the call context: process defaults, then
// the agent envelope, then derived fields later in the pipeline.
func (it *Interceptor) stepExtractContext(state *callState) {
	ctx := &types.CallContext{
		UserID:   it.cfg.DefaultUserID,
		UserRole: it.cfg.DefaultUserRole,
		Source:   it.cfg.DefaultSource,
	}

	extra := make(map[string]any)
	for key, raw := range state.params.Context {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		s, isString := v.(string)
		if !isString {
			extra[key] = v
			continue
		}
		switch key {
		case "user_id":
			ctx.UserID = s
		case "user_role":
			ctx.UserRole = s
		case "source":
			ctx.Source = s
		case "ticket":
			ctx.Ticket = s
		case "session_id":
			ctx.SessionID = s
		default:
			extra[key] = v
		}
	}
	if len(extra) > 0 {
		ctx.Extra = extra
	}

	if ctx.SessionID == "" {
		ctx.SessionID = uuid.New().String()
	}
	state.sessionID = ctx.SessionID
	state.context = ctx
	it.sessions.Touch(state.sessionID)
}

// stepTaintCheck marks the session when a file read touches a red
// path. Taint is a label only; it never short-circuits routing.
func (it *Interceptor) stepTaintCheck(state *callState) {
	if it.toolCategories[state.params.Name] != types.CategoryFile ||
		!strings.HasPrefix(state.params.Name, "read") {
		return
	}

	path := it.extractPath(state.params.Arguments)
	if path == "" {
		return
	}

	red := false
	for _, re := range it.redPatterns {
		if re.MatchString(path) {
			red = true
			break
		}
	}
	if !red {
		return
	}
	for _, re := range it.greenPatterns {
		if re.MatchString(path) {
			return
		}
	}

	it.sessions.MarkTainted(state.sessionID, path)
	state.tainted = true
	state.taintSrc = path
}

func (it *Interceptor) extractPath(args map[string]json.RawMessage) string {
	for _, key := range []string{"filename", "path", "file"} {
		if raw, ok := args[key]; ok {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				return s
			}
		}
	}
	return ""
}

// stepClassify scores the call. The classifier fails open: an
// unavailable judge yields the zero assessment and the deterministic
// phases still run.
func (it *Interceptor) stepClassify(ctx context.Context, state *callState) {
	tainted, source := it.sessions.Snapshot(state.sessionID)
	state.context.IsTainted = tainted
	state.context.TaintSource = source

	state.risk = it.judge.Classify(ctx, state.params.Name, state.params.Arguments, state.context)
}

// stepAccumulate records the event and computes the windowed sum.
func (it *Interceptor) stepAccumulate(state *callState) {
	now := time.Now().UTC()
	it.sessions.RecordRisk(state.sessionID, state.risk.Risk, state.params.Name, now)
	state.context.AccumulatedRisk = it.sessions.AccumulatedRisk(state.sessionID, now)
}

// stepDeriveFlags sets is_suspicious_query and tool_category.
func (it *Interceptor) stepDeriveFlags(state *callState) {
	state.context.ToolCategory = it.toolCategories[state.params.Name]

	for _, raw := range state.params.Arguments {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		lower := strings.ToLower(s)
		for _, kw := range it.keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				state.context.IsSuspiciousQuery = true
				return
			}
		}
	}
}

// stepEvaluate runs the policy snapshot. An evaluator panic falls
// through to the manifest default and is recorded as POLICY_FALLBACK.
func (it *Interceptor) stepEvaluate(state *callState, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("policy evaluation panicked", zap.Any("panic", r))
			state.decision = types.Decision{
				Route:  it.evaluator.DefaultAction(),
				Reason: "policy_fallback",
			}
			state.fallback = true
		}
	}()

	state.decision = it.evaluator.Evaluate(&policy.Input{
		Tool:            state.params.Name,
		Args:            state.params.Arguments,
		Context:         state.context,
		Risk:            state.risk,
		AccumulatedRisk: state.context.AccumulatedRisk,
	})
}

// stepIssueWarrant signs the route and injects the warrant into the
// forwarded arguments.
func (it *Interceptor) stepIssueWarrant(state *callState) error {
	w, err := it.authority.Issue(state.sessionID, state.params.Name, state.decision.Route)
	if err != nil {
		return err
	}
	state.warrant = w
	return nil
}

// stepLog appends the decision to the ledger, preceded by a
// TAINT_MARKED entry whenever this call read a red path. Ledger failure never blocks the call.
func (it *Interceptor) stepLog(state *callState, logger *zap.Logger) {
	if state.tainted {
		it.appendLedger(&types.LedgerEntry{
			SessionID:       state.sessionID,
			EventType:       types.EventTaintMarked,
			Trigger:         state.taintSrc,
			AccumulatedRisk: state.context.AccumulatedRisk,
			Outcome:         types.OutcomeOK,
		}, logger)
	}

	eventType := types.EventRouteDecision
	if state.fallback {
		eventType = types.EventPolicyFallback
	}
	trigger := state.decision.RuleID
	if trigger == "" {
		trigger = state.decision.Reason
	}
	it.appendLedger(&types.LedgerEntry{
		SessionID:       state.sessionID,
		EventType:       eventType,
		Trigger:         trigger,
		Action:          string(state.decision.Route),
		Outcome:         types.OutcomeOK,
		AccumulatedRisk: state.context.AccumulatedRisk,
	}, logger)
}

func (it *Interceptor) appendLedger(entry *types.LedgerEntry, logger *zap.Logger) {
	if err := it.ledger.Append(entry); err != nil {
		logger.Error("ledger append failed", zap.Error(err))
	}
}

// stepForward rewrites the request with the warrant, forwards it, and
// sanitizes the returning result. Backend failures surface as generic
// JSON-RPC errors with no plane disclosure.
func (it *Interceptor) stepForward(ctx context.Context, state *callState) *jsonrpc.Response {
	forwarded, err := it.rewriteRequest(state)
	if err != nil {
		return jsonrpc.NewError(state.req.ID, jsonrpc.CodeServerError, "internal error")
	}

	fctx, cancel := context.WithTimeout(ctx, it.cfg.ForwardTimeout)
	defer cancel()

	body, err := it.forward.Forward(fctx, forwarded)
	if err != nil {
		outcome := types.OutcomeError
		if fctx.Err() == context.DeadlineExceeded {
			outcome = types.OutcomeTimeout
		}
		it.appendLedger(&types.LedgerEntry{
			SessionID:       state.sessionID,
			EventType:       types.EventRouteDecision,
			Trigger:         "backend_forward",
			Action:          string(state.decision.Route),
			Outcome:         outcome,
			AccumulatedRisk: state.context.AccumulatedRisk,
		}, it.logger)
		return jsonrpc.NewError(state.req.ID, jsonrpc.CodeServerError, "backend unavailable")
	}

	var resp jsonrpc.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return jsonrpc.NewError(state.req.ID, jsonrpc.CodeServerError, "backend unavailable")
	}

	if resp.Error != nil {
		// Generic message regardless of what the backend said.
		return jsonrpc.NewError(state.req.ID, jsonrpc.CodeServerError, "tool execution failed")
	}

	resp.Result = stripWarrantEcho(resp.Result)
	resp.Result = it.sanitizer.Apply(resp.Result)
	resp.ID = state.req.ID
	return &resp
}

// rewriteRequest injects the warrant into arguments and re-serializes
// the request for forwarding.
func (it *Interceptor) rewriteRequest(state *callState) ([]byte, error) {
	args := make(map[string]json.RawMessage, len(state.params.Arguments)+1)
	for k, v := range state.params.Arguments {
		args[k] = v
	}
	warrantRaw, err := json.Marshal(state.warrant)
	if err != nil {
		return nil, err
	}
	args[WarrantKey] = warrantRaw

	params := jsonrpc.CallParams{
		Name:      state.params.Name,
		Arguments: args,
		Context:   state.params.Context,
	}
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	return json.Marshal(&jsonrpc.Request{
		JSONRPC: "2.0",
		ID:      state.req.ID,
		Method:  state.req.Method,
		Params:  paramsRaw,
	})
}

// stripWarrantEcho removes the reserved key from a result that echoes
// the call arguments back.
func stripWarrantEcho(result json.RawMessage) json.RawMessage {
	if len(result) == 0 {
		return result
	}
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return result
	}
	if !stripKey(v) {
		return result
	}
	cleaned, err := json.Marshal(v)
	if err != nil {
		return result
	}
	return cleaned
}

func stripKey(v any) bool {
	changed := false
	switch val := v.(type) {
	case map[string]any:
		if _, ok := val[WarrantKey]; ok {
			delete(val, WarrantKey)
			changed = true
		}
		for _, child := range val {
			if stripKey(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range val {
			if stripKey(child) {
				changed = true
			}
		}
	}
	return changed
}

// lockSession acquires the per-session decision lock.
func (it *Interceptor) lockSession(id string) func() {
	v, _ := it.decisionLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
