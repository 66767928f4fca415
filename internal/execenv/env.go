package execenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"chimera/internal/jsonrpc"
	"chimera/internal/warrant"
)

// ErrWarrant reports a warrant the plane could not accept. The caller
// must surface it as a generic method error with no detail.
var ErrWarrant = errors.New("execenv: warrant rejected")

// ToolResult is the tools/call result payload. Both planes marshal
// through it, so the response schema never identifies the plane.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ContentItem is one piece of tool output.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func textResult(text string) *ToolResult {
	return &ToolResult{Content: []ContentItem{{Type: "text", Text: text}}}
}

func jsonResult(v any) (*ToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(data)), nil
}

// Env is one data plane: a single-key verifier, a record store, and a
// file root. The production Env holds only the prime public key and
// no generator; the shadow Env holds only the shadow key and
// synthesizes misses.
type Env struct {
	verifier  *warrant.Verifier
	records   *RecordStore
	files     *FileStore
	jitterMin time.Duration
	jitterMax time.Duration
	logger    *zap.Logger
}

// EnvConfig holds one plane's dependencies.
type EnvConfig struct {
	Verifier *warrant.Verifier
	Records  *RecordStore
	Files    *FileStore
	// JitterMin/Max delay responses; zero disables. Set on the shadow
	// plane only, so latency cannot distinguish planes.
	JitterMin time.Duration
	JitterMax time.Duration
	Logger    *zap.Logger
}

// NewEnv creates a plane.
func NewEnv(cfg EnvConfig) *Env {
	return &Env{
		verifier:  cfg.Verifier,
		records:   cfg.Records,
		files:     cfg.Files,
		jitterMin: cfg.JitterMin,
		jitterMax: cfg.JitterMax,
		logger:    cfg.Logger,
	}
}

// Kid returns the plane's verification key id.
func (e *Env) Kid() string { return e.verifier.Kid() }

// Execute verifies the call's warrant under this plane's key and runs
// the tool. Any verification failure is a hard rejection.
func (e *Env) Execute(ctx context.Context, params *jsonrpc.CallParams) (*ToolResult, error) {
	token, err := extractWarrant(params.Arguments)
	if err != nil {
		return nil, ErrWarrant
	}

	claims, err := e.verifier.Verify(token)
	if err != nil {
		return nil, ErrWarrant
	}
	if claims.Tool != params.Name {
		return nil, ErrWarrant
	}

	result, err := e.dispatch(ctx, params)
	if err != nil {
		return nil, err
	}

	e.jitter()
	return result, nil
}

// jitter sleeps a uniform random duration in [min, max). Applied on
// shadow responses so timing does not distinguish planes under
// normal load.
func (e *Env) jitter() {
	if e.jitterMax <= e.jitterMin || e.jitterMax == 0 {
		return
	}
	span := e.jitterMax - e.jitterMin
	time.Sleep(e.jitterMin + time.Duration(rand.Int63n(int64(span))))
}

func extractWarrant(args map[string]json.RawMessage) (string, error) {
	raw, ok := args["__chimera_warrant__"]
	if !ok {
		return "", fmt.Errorf("missing warrant")
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil || token == "" {
		return "", fmt.Errorf("malformed warrant")
	}
	return token, nil
}

func decodeArgs(args map[string]json.RawMessage, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (e *Env) dispatch(ctx context.Context, params *jsonrpc.CallParams) (*ToolResult, error) {
	switch params.Name {
	case "read_file":
		var a struct {
			Filename string `json:"filename"`
		}
		if err := decodeArgs(params.Arguments, &a); err != nil || a.Filename == "" {
			return textResult("filename is required"), nil
		}
		content, err := e.files.ReadFile(a.Filename)
		if errors.Is(err, ErrNotFound) {
			return &ToolResult{Content: []ContentItem{{Type: "text", Text: "file not found: " + a.Filename}}, IsError: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return textResult(content), nil

	case "write_file":
		var a struct {
			Filename string `json:"filename"`
			Content  string `json:"content"`
		}
		if err := decodeArgs(params.Arguments, &a); err != nil || a.Filename == "" {
			return textResult("filename is required"), nil
		}
		if err := e.files.WriteFile(a.Filename, a.Content); err != nil {
			return nil, err
		}
		return textResult("written: " + a.Filename), nil

	case "list_files":
		var a struct {
			Path string `json:"path"`
		}
		if err := decodeArgs(params.Arguments, &a); err != nil {
			return textResult("path is required"), nil
		}
		names, err := e.files.ListFiles(a.Path)
		if err != nil {
			return nil, err
		}
		return jsonResult(names)

	case "get_patient_record":
		var a struct {
			PatientID int `json:"patient_id"`
		}
		if err := decodeArgs(params.Arguments, &a); err != nil || a.PatientID == 0 {
			return textResult("patient_id is required"), nil
		}
		p, err := e.records.GetPatient(ctx, a.PatientID)
		if errors.Is(err, ErrNotFound) {
			return &ToolResult{Content: []ContentItem{{Type: "text", Text: fmt.Sprintf("no patient with id %d", a.PatientID)}}, IsError: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return jsonResult(p)

	case "get_employee_record":
		var a struct {
			EmployeeID int `json:"employee_id"`
		}
		if err := decodeArgs(params.Arguments, &a); err != nil || a.EmployeeID == 0 {
			return textResult("employee_id is required"), nil
		}
		emp, err := e.records.GetEmployee(ctx, a.EmployeeID)
		if errors.Is(err, ErrNotFound) {
			return &ToolResult{Content: []ContentItem{{Type: "text", Text: fmt.Sprintf("no employee with id %d", a.EmployeeID)}}, IsError: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return jsonResult(emp)

	case "search_records":
		var a struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(params.Arguments, &a); err != nil || a.Query == "" {
			return textResult("query is required"), nil
		}
		results, err := e.records.SearchPatients(ctx, a.Query, a.Limit)
		if err != nil {
			return nil, err
		}
		return jsonResult(results)

	default:
		return &ToolResult{Content: []ContentItem{{Type: "text", Text: "unknown tool: " + params.Name}}, IsError: true}, nil
	}
}

// Dual holds both planes and selects by the warrant's kid. A kid
// matching neither plane, or a warrant the selected plane rejects, is
// an ErrWarrant; the caller reveals nothing about which.
type Dual struct {
	planes map[string]*Env
}

// NewDual registers the two planes.
func NewDual(production, shadow *Env) *Dual {
	return &Dual{planes: map[string]*Env{
		production.Kid(): production,
		shadow.Kid():     shadow,
	}}
}

// Execute routes the call to the plane whose key signed its warrant.
func (d *Dual) Execute(ctx context.Context, params *jsonrpc.CallParams) (*ToolResult, error) {
	token, err := extractWarrant(params.Arguments)
	if err != nil {
		return nil, ErrWarrant
	}
	kid, err := warrant.PeekKid(token)
	if err != nil {
		return nil, ErrWarrant
	}
	env, ok := d.planes[kid]
	if !ok {
		return nil, ErrWarrant
	}
	return env.Execute(ctx, params)
}
