package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"chimera/internal/types"
)

type stubChat struct {
	content string
	err     error
	delay   time.Duration
}

func (s *stubChat) ChatCompletion(ctx context.Context, _ *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	resp := &ChatCompletionResponse{}
	resp.Choices = append(resp.Choices, struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}{Message: ChatMessage{Role: "assistant", Content: s.content}})
	return resp, nil
}

func rawArgs(kv map[string]any) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(kv))
	for k, v := range kv {
		raw, _ := json.Marshal(v)
		out[k] = raw
	}
	return out
}

func TestJudge_ParsesVerdict(t *testing.T) {
	j := NewJudge(&stubChat{
		content: `{"risk": 0.85, "confidence": 0.9, "reason": "bulk export of patient data", "tags": ["exfiltration"]}`,
	}, time.Second, zap.NewNop())

	got := j.Classify(context.Background(), "search_records",
		rawArgs(map[string]any{"query": "*"}), &types.CallContext{UserRole: "external"})

	if got.Risk != 0.85 || got.Confidence != 0.9 {
		t.Errorf("assessment = %+v", got)
	}
	if got.Reason != "bulk export of patient data" {
		t.Errorf("reason = %q", got.Reason)
	}
}

func TestJudge_FailsOpenOnError(t *testing.T) {
	j := NewJudge(&stubChat{err: fmt.Errorf("endpoint down")}, time.Second, zap.NewNop())

	got := j.Classify(context.Background(), "read_file", rawArgs(nil), &types.CallContext{})
	if got.Risk != 0 || got.Confidence != 0 || got.Reason != "unavailable" {
		t.Errorf("expected unavailable assessment, got %+v", got)
	}
}

func TestJudge_FailsOpenOnMalformedVerdict(t *testing.T) {
	j := NewJudge(&stubChat{content: "I think this is probably fine"}, time.Second, zap.NewNop())

	got := j.Classify(context.Background(), "read_file", rawArgs(nil), &types.CallContext{})
	if got.Reason != "unavailable" {
		t.Errorf("expected unavailable assessment, got %+v", got)
	}
}

func TestJudge_FailsOpenOnDeadline(t *testing.T) {
	j := NewJudge(&stubChat{
		content: `{"risk": 1, "confidence": 1, "reason": "late"}`,
		delay:   200 * time.Millisecond,
	}, 20*time.Millisecond, zap.NewNop())

	start := time.Now()
	got := j.Classify(context.Background(), "read_file", rawArgs(nil), &types.CallContext{})
	if got.Reason != "unavailable" {
		t.Errorf("expected unavailable assessment, got %+v", got)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("classify did not respect its deadline")
	}
}

func TestJudge_ClampsOutOfRangeScores(t *testing.T) {
	j := NewJudge(&stubChat{
		content: `{"risk": 3.5, "confidence": -1, "reason": "overexcited model"}`,
	}, time.Second, zap.NewNop())

	got := j.Classify(context.Background(), "t", rawArgs(nil), &types.CallContext{})
	if got.Risk != 1 || got.Confidence != 0 {
		t.Errorf("clamp failed: %+v", got)
	}
}

func TestPatternClassifier_FirstMatchWins(t *testing.T) {
	p := NewPatternClassifier([]PatternRule{
		{Field: "args.filename", Operator: "contains", Value: "formula", Risk: 0.9, Reason: "formula access"},
		{Field: "args.filename", Operator: "contains", Value: ".json", Risk: 0.2, Reason: "config read"},
	})

	got := p.Classify(context.Background(), "read_file",
		rawArgs(map[string]any{"filename": "/data/_CONF_chimera_formula.json"}), &types.CallContext{})
	if got.Risk != 0.9 || got.Reason != "formula access" {
		t.Errorf("assessment = %+v, want first rule", got)
	}
}

func TestPatternClassifier_NoMatchScoresZero(t *testing.T) {
	p := NewPatternClassifier([]PatternRule{
		{Field: "tool", Operator: "eq", Value: "write_file", Risk: 0.6, Reason: "mutation"},
	})

	got := p.Classify(context.Background(), "read_file", rawArgs(nil), &types.CallContext{})
	if got.Risk != 0 || got.Reason != "no_match" {
		t.Errorf("assessment = %+v", got)
	}
}

func TestPatternClassifier_ContextFields(t *testing.T) {
	p := NewPatternClassifier([]PatternRule{
		{Field: "context.user_role", Operator: "eq", Value: "external", Risk: 0.5, Reason: "unknown principal"},
	})

	got := p.Classify(context.Background(), "t", rawArgs(nil), &types.CallContext{UserRole: "external"})
	if got.Risk != 0.5 {
		t.Errorf("assessment = %+v", got)
	}

	got = p.Classify(context.Background(), "t", rawArgs(nil), &types.CallContext{UserRole: "staff"})
	if got.Risk != 0 {
		t.Errorf("assessment = %+v", got)
	}
}

func TestPatternClassifier_Deterministic(t *testing.T) {
	p := NewPatternClassifier([]PatternRule{
		{Field: "args.q", Operator: "regex", Value: `(?i)password`, Risk: 0.7, Reason: "credential hunt"},
	})
	in := rawArgs(map[string]any{"q": "dump all PASSWORD hashes"})

	first := p.Classify(context.Background(), "search_records", in, &types.CallContext{})
	for i := 0; i < 5; i++ {
		if got := p.Classify(context.Background(), "search_records", in, &types.CallContext{}); got.Risk != first.Risk {
			t.Fatal("pattern classifier not deterministic")
		}
	}
	if first.Risk != 0.7 {
		t.Errorf("assessment = %+v", first)
	}
}
